package dashboard

import (
	"sync"
	"testing"
	"time"

	"stockdash/internal/domain"
	"stockdash/internal/query"
)

func TestHistoricalKey(t *testing.T) {
	if got := HistoricalKey("aapl", domain.Period1Y); got != "historical/AAPL/1y" {
		t.Errorf("HistoricalKey = %q", got)
	}
}

func TestHistoricalSelectReady(t *testing.T) {
	gw := &fakeGateway{series: map[domain.Period][]domain.HistoricalPoint{
		domain.Period1M: points(180, 185, 182),
	}}
	h := NewHistoricalModel(newTestCache(), gw, discard)
	defer h.Stop()

	waitEntry(t, h.Select("aapl", domain.Period1M))
	v := h.View()
	if v.State != HistoricalReady || v.Symbol != "AAPL" {
		t.Fatalf("view = %+v", v)
	}
	if len(v.Points) != 3 || v.Stats.High != 185 || v.Stats.Low != 180 {
		t.Errorf("points/stats = %d %+v", len(v.Points), v.Stats)
	}
}

func TestHistoricalMissingSymbolIsError(t *testing.T) {
	gw := &fakeGateway{}
	h := NewHistoricalModel(newTestCache(), gw, discard)

	if ch := h.Select("  ", domain.Period1M); ch != nil {
		t.Error("Select with empty symbol returned a fetch")
	}
	if v := h.View(); v.State != HistoricalError {
		t.Errorf("State = %v, want error", v.State)
	}
	if ch := h.Select("AAPL", domain.Period("2y")); ch != nil {
		t.Error("Select with bad period returned a fetch")
	}
	if v := h.View(); v.State != HistoricalError || v.Err == "" {
		t.Errorf("view = %+v", v)
	}
}

func TestHistoricalServiceErrorIsTerminal(t *testing.T) {
	gw := &fakeGateway{}
	h := NewHistoricalModel(newTestCache(), gw, discard)
	defer h.Stop()

	waitEntry(t, h.Select("ZZZZ", domain.Period1M))
	if v := h.View(); v.State != HistoricalError {
		t.Errorf("State = %v, want error", v.State)
	}
	if got := gw.histCount(domain.Period1M); got != 1+HistoricalRetries {
		t.Errorf("calls = %d, want %d", got, 1+HistoricalRetries)
	}
}

func TestHistoricalPeriodSwitch(t *testing.T) {
	gw := &fakeGateway{series: map[domain.Period][]domain.HistoricalPoint{
		domain.Period1M: points(1, 2, 3),
		domain.Period1Y: points(1, 2, 3, 4, 5, 6),
	}}
	// Keep abandoned entries around long enough to inspect them.
	cache := newTestCache(query.WithGCDelay(time.Hour))
	h := NewHistoricalModel(cache, gw, discard)
	defer h.Stop()

	var mu sync.Mutex
	var views []HistoricalView
	h.OnChange(func(v HistoricalView) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})

	monthKey := HistoricalKey("AAPL", domain.Period1M)
	waitEntry(t, h.Select("AAPL", domain.Period1M))
	before := cache.Get(monthKey)
	if before.Subscribers != 1 {
		t.Fatalf("1mo subscribers = %d, want 1", before.Subscribers)
	}

	waitEntry(t, h.SetPeriod(domain.Period1Y))

	after := cache.Get(monthKey)
	if after.Subscribers != 0 {
		t.Errorf("1mo subscribers after switch = %d, want 0", after.Subscribers)
	}
	if after.Status != before.Status || !after.FetchedAt.Equal(before.FetchedAt) || after.Invalidated {
		t.Errorf("1mo entry mutated: before %+v after %+v", before, after)
	}
	if len(after.Data.([]domain.HistoricalPoint)) != 3 {
		t.Error("1mo data changed")
	}
	if got := gw.histCount(domain.Period1Y); got != 1 {
		t.Errorf("1y fetches = %d, want 1", got)
	}
	if got := gw.histCount(domain.Period1M); got != 1 {
		t.Errorf("1mo fetches = %d, want 1", got)
	}

	v := h.View()
	if v.Period != domain.Period1Y || v.State != HistoricalReady || len(v.Points) != 6 {
		t.Errorf("view after switch = %+v", v)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, v := range views[len(views)-2:] {
		if v.Period != domain.Period1Y {
			t.Errorf("late view for %s leaked after switch", v.Period)
		}
	}
}

func TestHistoricalDropsSupersededResult(t *testing.T) {
	gw := &fakeGateway{series: map[domain.Period][]domain.HistoricalPoint{
		domain.Period1Y: points(10, 20),
	}}
	cache := newTestCache()
	h := NewHistoricalModel(cache, gw, discard)
	defer h.Stop()

	// 1mo is missing, so its fetch fails; by then 1y is selected and the
	// failure must not surface.
	first := h.Select("MSFT", domain.Period1M)
	second := h.Select("MSFT", domain.Period1Y)
	waitEntry(t, first)
	waitEntry(t, second)

	if v := h.View(); v.Period != domain.Period1Y || v.State != HistoricalReady {
		t.Errorf("view = %+v, want ready 1y", v)
	}
}

func TestHistoricalReselectUsesCache(t *testing.T) {
	gw := &fakeGateway{series: map[domain.Period][]domain.HistoricalPoint{
		domain.Period5D: points(1, 2),
	}}
	h := NewHistoricalModel(newTestCache(), gw, discard)
	defer h.Stop()

	waitEntry(t, h.Select("NVDA", domain.Period5D))
	waitEntry(t, h.Select("NVDA", domain.Period5D))
	if got := gw.histCount(domain.Period5D); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}
