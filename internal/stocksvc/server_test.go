package stocksvc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stockdash/internal/domain"
	"stockdash/pkg/stockdash"
)

func newTestServer(t *testing.T, src Source) (*httptest.Server, *Store) {
	t.Helper()
	svc, store := newTestService(t, src, nil)
	ts := httptest.NewServer(NewServer(svc, nil, discard).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func seed(t *testing.T, store *Store) {
	t.Helper()
	inactive := stock("OLD", 9)
	inactive.IsActive = false
	err := store.Upsert(context.Background(),
		stock("AAA", 5), stock("BBB", -3), stock("CCC", 1), stock("DDD", -0.5), inactive)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestServerWithClient(t *testing.T) {
	ts, store := newTestServer(t, nil)
	seed(t, store)
	c := stockdash.NewClient(ts.URL)
	ctx := context.Background()

	all, err := c.FetchAllStocks(ctx)
	if err != nil {
		t.Fatalf("FetchAllStocks: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("FetchAllStocks = %v, want 4 active", symbols(all))
	}

	m, err := c.FetchMarketMovers(ctx)
	if err != nil {
		t.Fatalf("FetchMarketMovers: %v", err)
	}
	if got := symbols(m.Gainers); strings.Join(got, ",") != "OLD,AAA,CCC" {
		t.Errorf("gainers = %v", got)
	}
	if got := symbols(m.Losers); strings.Join(got, ",") != "BBB,DDD" {
		t.Errorf("losers = %v", got)
	}
	if err := m.Validate(); err != nil {
		t.Error(err)
	}

	losers, err := c.FetchTopLosers(ctx, 1)
	if err != nil || len(losers) != 1 || losers[0].Symbol != "BBB" {
		t.Errorf("FetchTopLosers = %v, %v", symbols(losers), err)
	}

	st, err := c.FetchStock(ctx, "aaa")
	if err != nil || st.Symbol != "AAA" || !st.LastUpdated.Equal(day(2024, 3, 7).Time) {
		t.Errorf("FetchStock = %+v, %v", st, err)
	}
}

func TestServerErrorsMapToServiceErrors(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	c := stockdash.NewClient(ts.URL)
	ctx := context.Background()

	_, err := c.FetchStock(ctx, "NOPE")
	var se *stockdash.ServiceError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Message != "Stock not found" {
		t.Errorf("FetchStock err = %v", err)
	}

	_, err = c.FetchHistorical(ctx, "ZZZZ", domain.Period1M)
	if !errors.As(err, &se) || se.Status != http.StatusNotFound || se.Message != "Historical data not found for symbol ZZZZ" {
		t.Errorf("FetchHistorical err = %v", err)
	}

	_, err = c.TriggerPopulate(ctx, 0)
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Errorf("TriggerPopulate err = %v", err)
	}
}

func TestServerPopulateAndHistorical(t *testing.T) {
	src := &fakeSource{
		quotes: quotesFor(map[string]float64{"AAPL": 1.5, "MSFT": -1}),
		bars:   dailyBars("AAPL", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 30),
	}
	ts, _ := newTestServer(t, src)
	c := stockdash.NewClient(ts.URL)
	ctx := context.Background()

	ack, err := c.TriggerPopulate(ctx, 0)
	if err != nil {
		t.Fatalf("TriggerPopulate: %v", err)
	}
	var res PopulateResult
	if err := json.Unmarshal(ack, &res); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if res.SuccessCount != 2 || res.TotalCount != 2 {
		t.Errorf("ack = %+v", res)
	}

	pts, err := c.FetchHistorical(ctx, "AAPL", domain.Period5D)
	if err != nil {
		t.Fatalf("FetchHistorical: %v", err)
	}
	if len(pts) != 5 || !pts[4].Date.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("points = %+v", pts)
	}

	resp, err := http.Post(ts.URL+"/api/v1/stocks/update/msft", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var updated domain.Stock
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&updated) != nil || updated.Symbol != "MSFT" {
		t.Errorf("update: status %d, stock %+v", resp.StatusCode, updated)
	}
}

func TestServerRawResponses(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		method, path string
		status       int
		body         string
	}{
		{"GET", "/api/v1/stocks", 200, "[]"},
		{"GET", "/api/v1/stocks/", 200, "[]"},
		{"GET", "/api/v1/historical/AAPL?period=2y", 422, "unsupported period"},
		{"GET", "/api/v1/historical/", 400, "Symbol query parameter is required."},
		{"GET", "/api/v1/historical/..%2F..%2F..%2FSECRET?period=5d", 400, "invalid symbol"},
		{"GET", "/api/v1/stocks/stock/..%2Fstockdash.db", 400, "invalid symbol"},
		{"POST", "/api/v1/stocks/update/a%2Fb", 400, "invalid symbol"},
		{"GET", "/api/v1/stocks/gainers?limit=abc", 422, "limit"},
		{"GET", "/healthz", 200, `"ok"`},
		{"OPTIONS", "/api/v1/stocks", 204, ""},
		{"DELETE", "/api/v1/stocks", 405, ""},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != tt.status {
			t.Errorf("%s %s status = %d, want %d (%s)", tt.method, tt.path, resp.StatusCode, tt.status, body)
		}
		if !strings.Contains(string(body), tt.body) {
			t.Errorf("%s %s body = %s, want %q", tt.method, tt.path, body, tt.body)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s %s missing CORS header", tt.method, tt.path)
		}
	}
}

func TestServerRequestIDAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/stocks/market-movers", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want echoed", got)
	}

	resp, err = http.Get(ts.URL + "/api/v1/stocks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("no request ID minted")
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	want := `stockdash_http_requests_total{code="200",method="GET",route="GET /api/v1/stocks/market-movers"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestServerHistoricalStaysInsideDataDir(t *testing.T) {
	root := t.TempDir()

	// Bars for SECRET stored where a traversing symbol would resolve them.
	other := NewBarStore(filepath.Join(root, "other"))
	if err := other.WriteBars(context.Background(), dailyBars("SECRET", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 5)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := os.Rename(filepath.Join(root, "other", "us", "daily", "SECRET"), filepath.Join(root, "SECRET")); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{}
	store := newTestStore(t)
	svc := NewService(store, NewBarStore(filepath.Join(root, "data")), src, nil, nil, discard)
	svc.now = func() time.Time { return fixedNow }
	ts := httptest.NewServer(NewServer(svc, nil, discard).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/historical/..%2F..%2F..%2FSECRET?period=5d")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || strings.Contains(string(body), "close") {
		t.Errorf("status = %d, body = %s; want 400 without data", resp.StatusCode, body)
	}
	if n := src.barCalls.Load(); n != 0 {
		t.Errorf("source asked for bars %d times", n)
	}
}
