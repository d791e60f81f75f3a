package stocksvc

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rmodels "github.com/polygon-io/client-go/rest/models"

	"stockdash/internal/domain"
)

// fakeSource serves canned quotes and bars and counts calls.
type fakeSource struct {
	mu     sync.Mutex
	quotes map[string]domain.Stock
	bars   []Bar
	err    error

	quoteCalls atomic.Int32
	barCalls   atomic.Int32
}

func (f *fakeSource) Quotes(_ context.Context, symbols []string) ([]domain.Stock, error) {
	f.quoteCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Stock
	for _, s := range symbols {
		if q, ok := f.quotes[strings.ToUpper(s)]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeSource) Bars(_ context.Context, symbols []string, start, end time.Time) ([]Bar, error) {
	f.barCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}
	var out []Bar
	for _, b := range f.bars {
		if want[b.Symbol] && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestQuoteFromBars(t *testing.T) {
	loc := MarketLocation()
	bars := []Bar{
		{Symbol: "AAPL", Timestamp: time.Date(2024, 3, 6, 5, 0, 0, 0, time.UTC), Open: 168, Close: 169},
		{Symbol: "AAPL", Timestamp: time.Date(2024, 3, 7, 5, 0, 0, 0, time.UTC), Open: 170, Close: 175.5, Volume: 52_000_000},
	}
	st, ok := quoteFromBars("AAPL", bars, loc)
	if !ok {
		t.Fatal("quoteFromBars returned no quote")
	}
	wantChange := (175.5 - 169) / 169 * 100
	if math.Abs(st.ChangePercent-wantChange) > 1e-9 {
		t.Errorf("ChangePercent = %v, want %v", st.ChangePercent, wantChange)
	}
	if st.CurrentPrice != 175.5 || st.Volume != 52_000_000 || st.MarketCap != 175.5*52_000_000 {
		t.Errorf("quote = %+v", st)
	}
	if st.Name != "AAPL" || !st.IsActive || st.Sector != "" {
		t.Errorf("metadata = %+v", st)
	}
	if !st.LastUpdated.Equal(time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LastUpdated = %v", st.LastUpdated)
	}
}

func TestQuoteFromSingleBar(t *testing.T) {
	bars := []Bar{{Symbol: "X", Timestamp: time.Date(2024, 3, 7, 5, 0, 0, 0, time.UTC), Open: 100, Close: 90}}
	st, ok := quoteFromBars("X", bars, MarketLocation())
	if !ok || math.Abs(st.ChangePercent-(-10)) > 1e-9 {
		t.Errorf("quote = %+v, %v; want -10%% against the open", st, ok)
	}

	zero := []Bar{{Symbol: "Z", Timestamp: time.Now(), Close: 5}}
	if st, _ := quoteFromBars("Z", zero, MarketLocation()); st.ChangePercent != 0 {
		t.Errorf("zero reference change = %v", st.ChangePercent)
	}
	if _, ok := quoteFromBars("NONE", nil, MarketLocation()); ok {
		t.Error("quoteFromBars accepted no bars")
	}
}

func TestFakeSourceSatisfiesSource(t *testing.T) {
	var src Source = &fakeSource{err: errors.New("down")}
	if _, err := src.Quotes(context.Background(), []string{"A"}); err == nil {
		t.Error("expected error")
	}
}

func TestQuotesFromBarsKeepsSymbolOrder(t *testing.T) {
	bars := []Bar{
		{Symbol: "MSFT", Timestamp: time.Date(2024, 3, 7, 5, 0, 0, 0, time.UTC), Open: 400, Close: 404},
		{Symbol: "AAPL", Timestamp: time.Date(2024, 3, 7, 5, 0, 0, 0, time.UTC), Open: 170, Close: 171},
	}
	got := quotesFromBars([]string{"aapl", "NONE", "msft"}, bars, MarketLocation(), discard)
	if len(got) != 2 || got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
		t.Errorf("quotes = %v", symbols(got))
	}
}

func TestAggToBar(t *testing.T) {
	ts := time.Date(2024, 3, 7, 5, 0, 0, 0, time.UTC)
	b := aggToBar("AAPL", rmodels.Agg{
		Open: 170, High: 176, Low: 169.5, Close: 175.5,
		Volume: 52_000_000.0, Transactions: 610_000, VWAP: 173.2,
		Timestamp: rmodels.Millis(ts),
	})
	if !b.Timestamp.Equal(ts) || b.Volume != 52_000_000 || b.TradeCount != 610_000 || b.Close != 175.5 {
		t.Errorf("bar = %+v", b)
	}
	st, ok := quoteFromBars("AAPL", []Bar{b}, MarketLocation())
	if !ok || !st.LastUpdated.Equal(time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("quote = %+v", st)
	}
}
