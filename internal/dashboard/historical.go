package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"stockdash/internal/domain"
	"stockdash/internal/query"
)

// HistoricalRetries is the number of re-attempts for a failed series fetch.
const HistoricalRetries = 1

// HistoricalKey is the cache key of one (symbol, period) series.
func HistoricalKey(symbol string, period domain.Period) query.Key {
	return query.Key("historical/" + strings.ToUpper(symbol) + "/" + string(period))
}

// HistoricalState is the display state of the chart panel.
type HistoricalState int

const (
	HistoricalLoading HistoricalState = iota
	HistoricalError
	HistoricalReady
)

func (s HistoricalState) String() string {
	switch s {
	case HistoricalLoading:
		return "loading"
	case HistoricalError:
		return "error"
	case HistoricalReady:
		return "ready"
	default:
		return "unknown"
	}
}

// HistoricalView is everything the chart panel renders.
type HistoricalView struct {
	Symbol string
	Period domain.Period
	State  HistoricalState
	Points []domain.HistoricalPoint
	Stats  SeriesStats
	Err    string
}

// DeriveHistorical maps a series cache entry to a view. Any failure,
// including an empty series, is a single terminal Error.
func DeriveHistorical(symbol string, period domain.Period, e query.Entry) HistoricalView {
	v := HistoricalView{Symbol: symbol, Period: period}
	switch e.Status {
	case query.Error:
		v.State = HistoricalError
		v.Err = ErrorMessage(e.Err)
		return v
	case query.Success:
		pts, _ := query.Data[[]domain.HistoricalPoint](e)
		if len(pts) == 0 {
			v.State = HistoricalError
			v.Err = fmt.Sprintf("No historical data for %s (%s)", symbol, period.Label())
			return v
		}
		v.State = HistoricalReady
		v.Points = pts
		v.Stats = SummarizeSeries(pts)
		return v
	default:
		v.State = HistoricalLoading
		return v
	}
}

// HistoricalSource fetches a close series.
type HistoricalSource interface {
	FetchHistorical(ctx context.Context, symbol string, period domain.Period) ([]domain.HistoricalPoint, error)
}

// HistoricalModel follows exactly one (symbol, period) key at a time.
// Selecting another key abandons the old entry without touching it, and a
// selection token drops notifications meant for a superseded key.
type HistoricalModel struct {
	cache  *query.Cache
	src    HistoricalSource
	logger *slog.Logger

	mu       sync.Mutex
	token    uint64
	symbol   string
	period   domain.Period
	unsub    func()
	view     HistoricalView
	onChange func(HistoricalView)
}

// NewHistoricalModel creates a model with nothing selected.
func NewHistoricalModel(cache *query.Cache, src HistoricalSource, logger *slog.Logger) *HistoricalModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoricalModel{
		cache:  cache,
		src:    src,
		logger: logger,
		period: domain.DefaultPeriod,
		view:   HistoricalView{Period: domain.DefaultPeriod, State: HistoricalError, Err: "No symbol selected"},
	}
}

// OnChange registers the callback that receives every new view.
func (h *HistoricalModel) OnChange(fn func(HistoricalView)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Select switches to (symbol, period) and fetches it if the cache has no
// usable entry. It returns the fetch channel, or nil when the selection is
// invalid.
func (h *HistoricalModel) Select(symbol string, period domain.Period) <-chan query.Entry {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	h.mu.Lock()
	h.token++
	tok := h.token
	h.symbol, h.period = symbol, period
	old := h.unsub
	h.unsub = nil
	h.mu.Unlock()

	if symbol == "" || !period.Valid() {
		if old != nil {
			old()
		}
		msg := "No symbol selected"
		if symbol != "" {
			msg = fmt.Sprintf("Unsupported period %q", period)
		}
		h.publish(tok, HistoricalView{Symbol: symbol, Period: period, State: HistoricalError, Err: msg})
		return nil
	}

	key := HistoricalKey(symbol, period)
	unsub := h.cache.Subscribe(key, func(e query.Entry) {
		h.publish(tok, DeriveHistorical(symbol, period, e))
	})
	// Subscribe before releasing the old key so re-selecting the same key
	// keeps its entry.
	if old != nil {
		old()
	}

	h.mu.Lock()
	if h.token != tok {
		h.mu.Unlock()
		unsub()
		return nil
	}
	h.unsub = unsub
	h.mu.Unlock()

	h.logger.Debug("historical selection", "symbol", symbol, "period", period)
	h.publish(tok, DeriveHistorical(symbol, period, h.cache.Get(key)))
	return h.cache.EnsureFresh(key, h.loader(symbol, period), query.Options{
		StaleAfter: query.Never,
		Retries:    HistoricalRetries,
	})
}

// SetPeriod keeps the symbol and switches the period.
func (h *HistoricalModel) SetPeriod(period domain.Period) <-chan query.Entry {
	h.mu.Lock()
	symbol := h.symbol
	h.mu.Unlock()
	return h.Select(symbol, period)
}

// Selection returns the current symbol and period.
func (h *HistoricalModel) Selection() (string, domain.Period) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.symbol, h.period
}

// View returns the latest view for the current selection.
func (h *HistoricalModel) View() HistoricalView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

// Stop releases the current key.
func (h *HistoricalModel) Stop() {
	h.mu.Lock()
	h.token++
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (h *HistoricalModel) loader(symbol string, period domain.Period) query.Loader {
	return func(ctx context.Context) (any, error) {
		return h.src.FetchHistorical(ctx, symbol, period)
	}
}

// publish stores v if tok is still current and forwards it.
func (h *HistoricalModel) publish(tok uint64, v HistoricalView) {
	h.mu.Lock()
	if tok != h.token {
		h.mu.Unlock()
		return
	}
	h.view = v
	cb := h.onChange
	h.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}
