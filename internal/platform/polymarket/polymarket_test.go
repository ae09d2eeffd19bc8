package polymarket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureside/arbot/internal/crypto"
	"github.com/sureside/arbot/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const gammaMarketJSON = `{
	"id": "12345",
	"conditionId": "0xabc",
	"question": "Who wins the nomination?",
	"outcomes": "[\"Alpha\",\"Bravo\",\"Charlie\"]",
	"outcomePrices": "[\"0.30\",\"0.30\",\"0.35\"]",
	"clobTokenIds": "[\"t1\",\"t2\",\"t3\"]",
	"volume": "98765.43",
	"negRisk": true,
	"active": "true",
	"closed": false,
	"endDateIso": "2025-11-04T00:00:00Z"
}`

func TestListActiveMarkets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "false", r.URL.Query().Get("closed"))
		assert.Equal(t, "5000", r.URL.Query().Get("volume_num_min"))
		// One good market, one with mismatched outcome/token lists.
		w.Write([]byte(`[` + gammaMarketJSON + `,
			{"id":"bad","question":"?","outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"t9\"]","active":true}
		]`))
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, testLogger)
	markets, err := g.ListActiveMarkets(context.Background(), 5000, 100)
	require.NoError(t, err)
	require.Len(t, markets, 1, "malformed market is skipped")

	m := markets[0]
	assert.Equal(t, "0xabc", m.ID, "condition id is the market identity")
	assert.Equal(t, domain.CategoryGeneral, m.Category)
	assert.True(t, m.NegRisk)
	assert.Equal(t, 98765.43, m.Volume)
	require.Len(t, m.Outcomes, 3)
	assert.Equal(t, domain.Outcome{Name: "Bravo", TokenID: "t2"}, m.Outcomes[1])
	assert.Equal(t, time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC), m.CloseTime)
}

func TestFetchMarketResolvedWinner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xdef", r.URL.Query().Get("condition_ids"))
		w.Write([]byte(`[{
			"conditionId": "0xdef",
			"question": "Bitcoin Up or Down - February 16, 3:20PM-3:25PM ET",
			"outcomes": "[\"Up\",\"Down\"]",
			"outcomePrices": "[\"0\",\"1\"]",
			"clobTokenIds": "[\"tu\",\"td\"]",
			"active": true,
			"closed": true
		}]`))
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, testLogger)
	m, err := g.FetchMarket(context.Background(), "0xdef")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryCryptoTimed, m.Category)
	assert.True(t, m.Resolved)
	assert.Equal(t, "Down", m.Winner)
}

func TestFetchMarketNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL, testLogger)
	_, err := g.FetchMarket(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClassifyCategory(t *testing.T) {
	assert.Equal(t, domain.CategoryCryptoTimed, classifyCategory("Bitcoin Up or Down - February 16, 3:20PM-3:25PM ET"))
	assert.Equal(t, domain.CategoryCryptoTimed, classifyCategory("ETH Up/Down - Feb 16, 10:00AM-10:05AM ET"))
	assert.Equal(t, domain.CategoryGeneral, classifyCategory("Will Bitcoin reach $100k this year?"))
	assert.Equal(t, domain.CategoryGeneral, classifyCategory("Fed: rates up or down in March?"))
}

func testCreds() crypto.Credentials {
	return crypto.Credentials{
		Key:        "key",
		Secret:     base64.StdEncoding.EncodeToString([]byte("secret")),
		Passphrase: "pass",
	}
}

func TestFetchBookSortsLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		assert.Equal(t, "tok-1", r.URL.Query().Get("token_id"))
		// The venue sends levels worst-first.
		w.Write([]byte(`{
			"market": "0xabc",
			"asset_id": "tok-1",
			"timestamp": "1750000000000",
			"bids": [{"price":"0.40","size":"100"},{"price":"0.44","size":"50"}],
			"asks": [{"price":"0.50","size":"80"},{"price":"0.46","size":"30"}]
		}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	book, err := c.FetchBook(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 0.44, book.BestBid)
	assert.Equal(t, 0.46, book.BestAsk)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.46, Size: 30}, {Price: 0.50, Size: 80}}, book.Asks)
	assert.Equal(t, time.UnixMilli(1750000000000).UTC(), book.Timestamp)
}

func TestSubmitImmediateMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))

		var payload orderPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "tok-1", payload.TokenID)
		assert.Equal(t, "0.45", payload.Price)
		assert.Equal(t, "BUY", payload.Side)
		assert.Equal(t, "opp-1-0", payload.ClientID)

		w.Write([]byte(`{"success":true,"orderID":"o-1","status":"matched","size_matched":"20","avg_price":"0.44"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	fill, err := c.Submit(context.Background(), domain.OrderRequest{
		TokenID:    "tok-1",
		Side:       domain.OrderBuy,
		LimitPrice: 0.45,
		SizeTokens: 20,
		ClientRef:  "opp-1-0",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FillFull, fill.Status)
	assert.Equal(t, "o-1", fill.OrderID)
	assert.Equal(t, 20.0, fill.FilledSize)
	assert.Equal(t, 0.44, fill.AvgPrice)
}

func TestSubmitRestingThenFilled(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"success":true,"orderID":"o-2","status":"live","size_matched":"0"}`))
		case r.Method == http.MethodGet:
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"status":"live","size_matched":"5","avg_price":"0.45"}`))
				return
			}
			w.Write([]byte(`{"status":"matched","size_matched":"10","avg_price":"0.45"}`))
		}
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	fill, err := c.Submit(context.Background(), domain.OrderRequest{
		TokenID: "tok-1", Side: domain.OrderBuy, LimitPrice: 0.45, SizeTokens: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FillFull, fill.Status)
	assert.Equal(t, 10.0, fill.FilledSize)
}

func TestSubmitTimeoutReportsPartialState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"success":true,"orderID":"o-3","status":"live","size_matched":"0"}`))
		case http.MethodGet:
			w.Write([]byte(`{"status":"live","size_matched":"4","avg_price":"0.45"}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	fill, err := c.Submit(ctx, domain.OrderRequest{
		TokenID: "tok-1", Side: domain.OrderBuy, LimitPrice: 0.45, SizeTokens: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FillPartial, fill.Status)
	assert.Equal(t, 4.0, fill.FilledSize)
	assert.Equal(t, "o-3", fill.OrderID)
}

func TestSubmitVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	fill, err := c.Submit(context.Background(), domain.OrderRequest{TokenID: "tok-1", SizeTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.FillFailed, fill.Status)
	assert.Equal(t, "not enough balance", fill.Message)
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "o-9", body["orderID"])
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c := NewClobClient(srv.URL, testCreds(), testLogger)
	require.NoError(t, c.Cancel(context.Background(), "o-9"))
}

func TestCheckHTTPStatus(t *testing.T) {
	assert.NoError(t, checkHTTPStatus(200, nil))
	assert.ErrorIs(t, checkHTTPStatus(404, []byte("gone")), domain.ErrNotFound)
	assert.ErrorIs(t, checkHTTPStatus(401, nil), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkHTTPStatus(429, nil), domain.ErrRateLimited)
	assert.Error(t, checkHTTPStatus(500, []byte("boom")))
}
