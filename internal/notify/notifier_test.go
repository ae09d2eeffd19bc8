package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/config"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSender struct {
	name string
	sent [][2]string
	err  error
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, [2]string{title, message})
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func TestNewBuildsSendersFromConfig(t *testing.T) {
	n := New(config.NotifyConfig{
		TelegramToken:     "tok",
		TelegramChatID:    "42",
		DiscordWebhookURL: "https://discord.example/hook",
	}, testLogger)
	assert.True(t, n.Enabled())
	assert.Len(t, n.senders, 2)

	// Half-configured Telegram is skipped.
	n = New(config.NotifyConfig{TelegramToken: "tok"}, testLogger)
	assert.False(t, n.Enabled())
}

func TestNotifyFiltersByEventType(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := New(config.NotifyConfig{Events: []string{"order_failed"}}, testLogger)
	n.senders = []Sender{s}

	require.NoError(t, n.Notify(context.Background(), "opportunity_detected", "t", "m"))
	assert.Empty(t, s.sent)

	require.NoError(t, n.Notify(context.Background(), "order_failed", "leg died", "details"))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "leg died", s.sent[0][0])
}

func TestNotifyEmptySubscriptionPassesEverything(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := New(config.NotifyConfig{}, testLogger)
	n.senders = []Sender{s}

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, s.sent, 1)
}

func TestAnnounceBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := New(config.NotifyConfig{Events: []string{"order_failed"}}, testLogger)
	n.senders = []Sender{s}

	require.NoError(t, n.Announce(context.Background(), "started", "mode paper"))
	assert.Len(t, s.sent, 1)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("webhook 500")}
	good := &fakeSender{name: "good"}
	n := New(config.NotifyConfig{}, testLogger)
	n.senders = []Sender{bad, good}

	err := n.Notify(context.Background(), "order_failed", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.sent, 1)
}
