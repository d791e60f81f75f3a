package stockdash

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"stockdash/internal/domain"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8000/"
	c := NewClient(baseURL)

	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

// recorder keeps the requests a test server has seen.
type recorder struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *recorder) at(i int) *http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

// newTestServer serves a fixed handler per path and records every request.
func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		h, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), rec
}

func jsonBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestFetchMarketMovers(t *testing.T) {
	c, _ := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/stocks/market-movers": jsonBody(`{
			"gainers": [{"symbol": "AAA", "change_percent": 5.0, "last_updated": "2024-03-08"}],
			"losers":  [{"symbol": "BBB", "change_percent": -3.0, "last_updated": "2024-03-08T16:00:00"}]
		}`),
	})

	m, err := c.FetchMarketMovers(context.Background())
	if err != nil {
		t.Fatalf("FetchMarketMovers: %v", err)
	}
	if len(m.Gainers) != 1 || m.Gainers[0].Symbol != "AAA" {
		t.Errorf("Gainers = %+v", m.Gainers)
	}
	if len(m.Losers) != 1 || m.Losers[0].ChangePercent != -3.0 {
		t.Errorf("Losers = %+v", m.Losers)
	}
}

func TestFetchAllStocksDecodeError(t *testing.T) {
	c, _ := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/stocks": jsonBody(`{"not": "a list"}`),
	})

	_, err := c.FetchAllStocks(context.Background())
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if KindOf(err) != KindDecode {
		t.Errorf("KindOf = %v, want decode", KindOf(err))
	}
}

func TestServiceErrorMessage(t *testing.T) {
	c, _ := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/historical/ZZZZ": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail": "Historical data not found for symbol ZZZZ"}`))
		},
		"/api/v1/stocks/market-movers": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error": "database locked"}`))
		},
	})

	_, err := c.FetchHistorical(context.Background(), "zzzz", domain.Period1M)
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if se.Status != http.StatusNotFound || se.Message != "Historical data not found for symbol ZZZZ" {
		t.Errorf("ServiceError = %+v", se)
	}

	_, err = c.FetchMarketMovers(context.Background())
	if !errors.As(err, &se) || se.Message != "database locked" {
		t.Errorf("err = %v, want service error with message", err)
	}
}

func TestFetchHistoricalRejectsUnknownPeriod(t *testing.T) {
	c, reqs := newTestServer(t, nil)

	_, err := c.FetchHistorical(context.Background(), "AAPL", domain.Period("2y"))
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if se.Status != http.StatusUnprocessableEntity {
		t.Errorf("Status = %d, want 422", se.Status)
	}
	if reqs.len() != 0 {
		t.Errorf("expected no request to be sent, got %d", reqs.len())
	}
}

func TestFetchHistoricalQuery(t *testing.T) {
	c, reqs := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/historical/AAPL": jsonBody(`[{"date": "2024-01-02", "close": 185.64}, {"date": "2024-01-03", "close": 184.25}]`),
	})

	pts, err := c.FetchHistorical(context.Background(), "aapl", domain.Period1Y)
	if err != nil {
		t.Fatalf("FetchHistorical: %v", err)
	}
	if len(pts) != 2 || pts[1].Close != 184.25 {
		t.Errorf("points = %+v", pts)
	}
	if got := reqs.at(0).URL.Query().Get("period"); got != "1y" {
		t.Errorf("period param = %q, want 1y", got)
	}
}

func TestTriggerPopulateLimit(t *testing.T) {
	c, reqs := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/stocks/populate-stocks": jsonBody(`{"message": "ok", "success_count": 5}`),
	})

	ack, err := c.TriggerPopulate(context.Background(), 0)
	if err != nil {
		t.Fatalf("TriggerPopulate: %v", err)
	}
	if len(ack) == 0 {
		t.Error("expected non-empty ack")
	}
	if reqs.at(0).URL.Query().Has("limit") {
		t.Error("limit should be omitted when zero")
	}

	if _, err := c.TriggerPopulate(context.Background(), 3); err != nil {
		t.Fatalf("TriggerPopulate(3): %v", err)
	}
	if got := reqs.at(1).URL.Query().Get("limit"); got != "3" {
		t.Errorf("limit param = %q, want 3", got)
	}
}

func TestTopGainersDefaultLimit(t *testing.T) {
	c, reqs := newTestServer(t, map[string]http.HandlerFunc{
		"/api/v1/stocks/gainers": jsonBody(`[]`),
		"/api/v1/stocks/losers":  jsonBody(`[]`),
	})

	if _, err := c.FetchTopGainers(context.Background(), 0); err != nil {
		t.Fatalf("FetchTopGainers: %v", err)
	}
	if got := reqs.at(0).URL.Query().Get("limit"); got != "5" {
		t.Errorf("limit = %q, want 5", got)
	}
	if _, err := c.FetchTopLosers(context.Background(), 10); err != nil {
		t.Fatalf("FetchTopLosers: %v", err)
	}
	if got := reqs.at(1).URL.Query().Get("limit"); got != "10" {
		t.Errorf("limit = %q, want 10", got)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).FetchMarketMovers(context.Background())
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("KindOf = %v, want network", KindOf(err))
	}
}
