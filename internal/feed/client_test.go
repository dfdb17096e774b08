package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/incentive-engine/internal/identity"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newSigner(t *testing.T) *identity.Signer {
	t.Helper()
	s, err := identity.Generate()
	require.NoError(t, err)
	return s
}

func newClient(t *testing.T, baseURL string, signer *identity.Signer) *HTTPClient {
	t.Helper()
	return NewHTTPClient(Config{
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		Retries:      3,
		RetryBackoff: time.Millisecond,
	}, signer)
}

func TestRecentOrders_DecodesSortsAndValidates(t *testing.T) {
	signer := newSigner(t)
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+EndpointOrders, r.URL.Path)
		query.Store(r.URL.Query())
		fmt.Fprint(w, `{"code":200,"data":[
			{"MinerID":"m1","TokenAddress":"0xa","PositionManager":"close","Direction":1,"Nonce":2,"TradePrice":"101.5","Timestamp":200,"Leverage":2},
			{"MinerID":"m1","TokenAddress":"0xa","PositionManager":"open","Direction":-1,"Nonce":1,"TradePrice":100,"TradePrice4H":95,"Timestamp":100},
			{"MinerID":"m2","TokenAddress":"0xa","PositionManager":"open","Direction":0,"Nonce":3,"TradePrice":100,"Timestamp":150}
		]}`)
	}))
	defer srv.Close()

	orders := newClient(t, srv.URL, signer).RecentOrders(context.Background(), 1234)

	require.Len(t, orders, 2)
	assert.Equal(t, int64(100), orders[0].Timestamp)
	assert.False(t, orders[0].IsClose)
	assert.Equal(t, -1, orders[0].Direction)
	assert.True(t, orders[0].Leverage.Equal(d(1)), "missing leverage defaults to 1")
	assert.True(t, orders[0].ReferencePrice.Equal(d(95)))
	assert.True(t, orders[1].IsClose)
	assert.True(t, orders[1].Price.Equal(d(101.5)))
	assert.True(t, orders[1].Leverage.Equal(d(2)))

	q := query.Load().(url.Values)
	assert.Equal(t, []string{"1234"}, q["tradetime"])
	assert.Equal(t, []string{signer.Address()}, q["userId"])
}

func TestRequests_AreSigned(t *testing.T) {
	signer := newSigner(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg := []byte(q.Get("userId") + q.Get("pubKey") + strconv.FormatInt(ts, 10))
		if identity.Verify(q.Get("pubKey"), msg, q.Get("sig")) != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":[{"TokenAddress":"0xa","Price":3.5}]}`)
	}))
	defer srv.Close()

	prices := newClient(t, srv.URL, signer).LatestPrices(context.Background(), 0)
	require.Contains(t, prices, "0xa")
	assert.True(t, prices["0xa"].Equal(d(3.5)))
}

func TestLatestPrices_HistoricalParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "86400", r.URL.Query().Get("latesttime"))
		fmt.Fprint(w, `{"code":200,"data":[{"TokenAddress":"0xa","Price":"1"},{"TokenAddress":"","Price":"2"}]}`)
	}))
	defer srv.Close()

	prices := newClient(t, srv.URL, nil).LatestPrices(context.Background(), 86400)
	assert.Len(t, prices, 1)
}

func TestFailures_BecomeEmptyResultsAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	assert.Empty(t, c.RecentOrders(context.Background(), 0))
	assert.Equal(t, int32(3), hits.Load())

	assert.NotNil(t, c.LatestPrices(context.Background(), 0))
	assert.Empty(t, c.LatestPrices(context.Background(), 0))
}

func TestEnvelopeErrorAndEmptyData(t *testing.T) {
	var body atomic.Value
	body.Store(`{"code":500,"msg":"nope"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body.Load().(string))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	assert.Empty(t, c.RegistrationTimes(context.Background(), 0))

	body.Store(`{"code":200,"data":null}`)
	assert.Empty(t, c.RegistrationTimes(context.Background(), 0))
}

func TestRegistrationTimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "500", r.URL.Query().Get("starttime"))
		fmt.Fprint(w, `{"code":200,"data":[
			{"Address":"m1","RegisterTime":1700000000},
			{"Address":"m2","RegisterTime":"1700000100"},
			{"Address":"","RegisterTime":1},
			{"Address":"m3"}
		]}`)
	}))
	defer srv.Close()

	regs := newClient(t, srv.URL, nil).RegistrationTimes(context.Background(), 500)
	assert.Equal(t, map[string]int64{"m1": 1700000000, "m2": 1700000100}, regs)
}
