package polymarket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{
	Address:    "0xabc",
	APIKey:     "key-1",
	Secret:     base64.URLEncoding.EncodeToString([]byte("super-secret")),
	Passphrase: "pass",
}

type stubSigner struct{ calls int32 }

func (s *stubSigner) Sign(_ context.Context, o MarketOrder) (SignedOrder, error) {
	atomic.AddInt32(&s.calls, 1)
	return SignedOrder{TokenID: o.TokenID, Side: string(o.Side), Signature: "0xsig"}, nil
}

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC) }

func TestNewMarketOrderUnits(t *testing.T) {
	_, err := NewMarketOrder("tok", SideBuy, 10, UnitBase, 0.5)
	assert.ErrorIs(t, err, ErrUnitMismatch)

	_, err = NewMarketOrder("tok", SideSell, 10, UnitQuote, 0.5)
	assert.ErrorIs(t, err, ErrUnitMismatch)

	_, err = NewMarketOrder("tok", SideBuy, 0, UnitQuote, 0.5)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	o, err := NewMarketOrder("tok", SideBuy, 12.349, UnitQuote, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 12.34, o.Amount)
	assert.Equal(t, OrderTypeFOK, o.OrderType)
}

func TestSignIsDeterministic(t *testing.T) {
	a, err := Sign(testCreds.Secret, 1700000000, "post", "/order", `{"a":1}`)
	require.NoError(t, err)
	b, err := Sign(testCreds.Secret, 1700000000, "POST", "/order", `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Sign(testCreds.Secret, 1700000001, "POST", "/order", `{"a":1}`)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFetchSnapshotParsesBooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/book", r.URL.Path)
		switch r.URL.Query().Get("token_id") {
		case "up":
			_, _ = io.WriteString(w, `{"bids":[{"price":"0.40","size":"100"},{"price":"0.45","size":"50"}],"asks":[{"price":"0.52","size":"20"},{"price":"0.50","size":"30"}]}`)
		case "down":
			_, _ = io.WriteString(w, `{"bids":[{"price":"0.48","size":"10"}],"asks":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Config{Hosts: []string{srv.URL}, MarketID: "m1", UpTokenID: "up", DownTokenID: "down"}, WithClock(fixedNow))
	snap, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0.45, snap.Up.Bid)
	assert.Equal(t, 0.50, snap.Up.Ask)
	assert.InDelta(t, 0.475, snap.Up.Mid, 1e-9)
	assert.InDelta(t, 0.05, snap.Up.Spread, 1e-9)
	assert.Equal(t, 200.0, snap.Up.Liquidity)
	assert.Equal(t, 0.48, snap.Down.Mid)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), snap.WindowStart)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), snap.WindowEnd)
}

func TestFetchQuoteFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"bids":[{"price":"0.30","size":"1"}],"asks":[{"price":"0.32","size":"1"}]}`)
	}))
	defer good.Close()

	c := New(Config{Hosts: []string{bad.URL, good.URL}})
	q, err := c.FetchQuote(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, 0.31, q.Mid, 1e-9)
}

func TestPlaceMarketOrderSendsL2Headers(t *testing.T) {
	var body []byte
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		_, _ = io.WriteString(w, `{"success":true,"orderID":"o-1","status":"matched","makingAmount":"10","takingAmount":"20"}`)
	}))
	defer srv.Close()

	signer := &stubSigner{}
	c := New(Config{Hosts: []string{srv.URL}, Credentials: testCreds}, WithSigner(signer), WithClock(fixedNow))
	order, err := NewMarketOrder("tok", SideBuy, 10, UnitQuote, 0.5)
	require.NoError(t, err)

	resp, err := c.PlaceMarketOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "o-1", resp.OrderID)
	assert.Equal(t, int32(1), signer.calls)

	ts := fixedNow().Unix()
	want, err := Sign(testCreds.Secret, ts, "POST", "/order", string(body))
	require.NoError(t, err)
	assert.Equal(t, want, headers.Get(headerSignature))
	assert.Equal(t, strconv.FormatInt(ts, 10), headers.Get(headerTimestamp))
	assert.Equal(t, testCreds.APIKey, headers.Get(headerAPIKey))
	assert.Equal(t, testCreds.Address, headers.Get(headerAddress))

	var sent postOrderRequest
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, OrderTypeFOK, sent.OrderType)
	assert.Equal(t, testCreds.APIKey, sent.Owner)
	assert.Equal(t, "0xsig", sent.Order.Signature)
}

func TestPlaceMarketOrderNotFilled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"errorMsg":"FOK_ORDER_NOT_FILLED_ERROR"}`)
	}))
	defer srv.Close()

	c := New(Config{Hosts: []string{srv.URL}, Credentials: testCreds}, WithSigner(&stubSigner{}))
	order, err := NewMarketOrder("tok", SideBuy, 10, UnitQuote, 0.5)
	require.NoError(t, err)

	_, err = c.PlaceMarketOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrNotFilled)
}

func TestPlaceMarketOrderWithoutCredentials(t *testing.T) {
	c := New(Config{Hosts: []string{"http://127.0.0.1:1"}}, WithSigner(&stubSigner{}))
	order, err := NewMarketOrder("tok", SideBuy, 10, UnitQuote, 0.5)
	require.NoError(t, err)

	_, err = c.PlaceMarketOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCancelAllRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/cancel-all", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"canceled":[]}`)
	}))
	defer srv.Close()

	c := New(Config{Hosts: []string{srv.URL}, Credentials: testCreds, Retries: 3})
	require.NoError(t, c.CancelAll(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
