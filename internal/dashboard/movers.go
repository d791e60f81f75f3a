// Package dashboard holds the view models, refresh controller, actions and
// formatting shared by the TUI and the CLI.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"stockdash/internal/domain"
	"stockdash/internal/query"
	"stockdash/pkg/stockdash"
)

// MoversKey is the cache key of the market-movers query.
const MoversKey query.Key = "market-movers"

// MoversRetries is the number of re-attempts for a failed movers fetch.
const MoversRetries = 3

// MoversState is the display state of the movers panel.
type MoversState int

const (
	MoversLoading MoversState = iota
	MoversError
	MoversEmpty
	MoversPopulated
)

func (s MoversState) String() string {
	switch s {
	case MoversLoading:
		return "loading"
	case MoversError:
		return "error"
	case MoversEmpty:
		return "empty"
	case MoversPopulated:
		return "populated"
	default:
		return "unknown"
	}
}

// MoversView is everything the movers panel renders. Gainers and Losers are
// in service order.
type MoversView struct {
	State   MoversState
	Gainers []domain.Stock
	Losers  []domain.Stock

	// Refreshing is set while a background fetch runs over shown data.
	Refreshing       bool
	RetriesRemaining int
	FetchedAt        time.Time

	ErrKind    stockdash.ErrorKind
	ErrMessage string

	// CanPopulate offers the manual populate action (Error and Empty).
	CanPopulate bool
}

// DeriveMovers maps a cache entry to a view. Error wins over everything,
// then "no data yet", then Empty, then Populated.
func DeriveMovers(e query.Entry) MoversView {
	v := MoversView{
		Refreshing:       e.Refreshing(),
		RetriesRemaining: e.RetriesRemaining,
		FetchedAt:        e.FetchedAt,
	}
	m, hasData := query.Data[domain.MarketMovers](e)
	if hasData {
		v.Gainers, v.Losers = m.Gainers, m.Losers
	}

	switch {
	case e.Status == query.Error:
		v.State = MoversError
		v.ErrKind = stockdash.KindOf(e.Err)
		v.ErrMessage = ErrorMessage(e.Err)
		v.CanPopulate = true
	case !hasData:
		v.State = MoversLoading
	case m.Empty():
		v.State = MoversEmpty
		v.CanPopulate = true
	default:
		v.State = MoversPopulated
	}
	return v
}

// ErrorMessage renders err for the user, distinguishing transport, decode
// and service failures.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *stockdash.ServiceError
	switch {
	case errors.As(err, &se):
		msg := se.Message
		if msg == "" {
			msg = http.StatusText(se.Status)
		}
		return "Service error (" + http.StatusText(se.Status) + "): " + msg
	case stockdash.KindOf(err) == stockdash.KindNetwork:
		return "Unable to reach the stock service. Is it running?"
	case stockdash.KindOf(err) == stockdash.KindDecode:
		return "The stock service sent an unexpected response."
	default:
		return err.Error()
	}
}

// MoversSource fetches the market snapshot.
type MoversSource interface {
	FetchMarketMovers(ctx context.Context) (domain.MarketMovers, error)
}

// MoversModel keeps a MoversView in sync with the market-movers cache entry.
type MoversModel struct {
	cache   *query.Cache
	src     MoversSource
	refresh *RefreshController
	logger  *slog.Logger

	mu       sync.Mutex
	view     MoversView
	onChange func(MoversView)
	unsub    func()
}

// NewMoversModel creates a movers model. refresh supplies the staleness
// window of each Refresh.
func NewMoversModel(cache *query.Cache, src MoversSource, refresh *RefreshController, logger *slog.Logger) *MoversModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MoversModel{
		cache:   cache,
		src:     src,
		refresh: refresh,
		logger:  logger,
		view:    MoversView{State: MoversLoading},
	}
}

// Start subscribes to the movers entry, forwards every derived view to
// onChange and triggers the first fetch.
func (m *MoversModel) Start(onChange func(MoversView)) <-chan query.Entry {
	m.mu.Lock()
	m.onChange = onChange
	if m.unsub == nil {
		m.unsub = m.cache.Subscribe(MoversKey, m.apply)
	}
	m.mu.Unlock()
	return m.Refresh()
}

// Stop unsubscribes. The entry is destroyed once no one else holds it.
func (m *MoversModel) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.onChange = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// View returns the latest derived view.
func (m *MoversModel) View() MoversView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Refresh fetches when the entry is missing, failed, invalidated or older
// than the current refresh interval.
func (m *MoversModel) Refresh() <-chan query.Entry {
	return m.cache.EnsureFresh(MoversKey, m.load, m.options())
}

// Poll fetches unconditionally. Poll ticks call it.
func (m *MoversModel) Poll() <-chan query.Entry {
	return m.cache.Refetch(MoversKey, m.load, m.options())
}

func (m *MoversModel) options() query.Options {
	stale := DefaultRefreshInterval
	if m.refresh != nil {
		stale = m.refresh.Interval()
	}
	return query.Options{StaleAfter: stale, Retries: MoversRetries}
}

func (m *MoversModel) load(ctx context.Context) (any, error) {
	mm, err := m.src.FetchMarketMovers(ctx)
	if err != nil {
		return nil, err
	}
	if err := mm.Validate(); err != nil {
		// Shown as received; the service owns classification.
		m.logger.Warn("market movers overlap", "error", err)
	}
	return mm, nil
}

func (m *MoversModel) apply(e query.Entry) {
	v := DeriveMovers(e)

	m.mu.Lock()
	m.view = v
	cb := m.onChange
	m.mu.Unlock()

	if v.State == MoversError {
		m.logger.Warn("market movers unavailable", "kind", v.ErrKind, "error", e.Err)
	}
	if cb != nil {
		cb(v)
	}
}
