package query

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
)

func TestServeMetricsExposesCacheActivity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := ServeMetrics(ctx, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := newTestCache(WithMetrics(m))
	wait(t, c.EnsureFresh("market-movers", constLoader(1), Options{}))

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`stockdash_query_fetches_total{kind="market-movers"} 1`,
		`stockdash_query_outcomes_total{kind="market-movers",outcome="success"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestListenMetricsDisabled(t *testing.T) {
	m, err := ListenMetrics(context.Background(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if m != nil || err != nil {
		t.Fatalf("ListenMetrics(\"\") = %v, %v; want nil, nil", m, err)
	}
	// A nil *Metrics must be safe to hand to the cache.
	c := newTestCache(WithMetrics(m))
	if e := wait(t, c.EnsureFresh("stocks", constLoader(1), Options{})); e.Status != Success {
		t.Errorf("status = %v, want Success", e.Status)
	}
}

func TestListenMetricsBadAddr(t *testing.T) {
	if _, err := ListenMetrics(context.Background(), "256.0.0.1:bad", slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected listen error")
	}
}
