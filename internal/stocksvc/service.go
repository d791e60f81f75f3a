package stocksvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"stockdash/internal/domain"
)

// DefaultSymbols are populated when no symbol list is configured.
var DefaultSymbols = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META"}

// MoversLimit caps each side of the market-movers response.
const MoversLimit = 10

const moversCacheKey = "market-movers"

// ErrNoSource is returned by operations that need market data when no source
// is configured.
var ErrNoSource = errors.New("no market-data source configured")

// ErrInvalidSymbol is returned for a symbol that is not a plain ticker.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Tickers such as "BRK.B" or "BF-B". A leading dot or dash is rejected so a
// symbol never names a parent directory.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// NormalizeSymbol upper-cases symbol and checks it against symbolPattern.
func NormalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(sym) {
		return "", fmt.Errorf("%w %q", ErrInvalidSymbol, symbol)
	}
	return sym, nil
}

// PopulateResult is the acknowledgment returned by Populate.
type PopulateResult struct {
	Message      string         `json:"message"`
	Updated      bool           `json:"updated"`
	SuccessCount int            `json:"success_count"`
	TotalCount   int            `json:"total_count"`
	Stocks       []domain.Stock `json:"stocks"`
}

// Service implements the stock-data operations over the store, the bar
// files, an optional market-data source and an optional response cache.
type Service struct {
	store   *Store
	bars    *BarStore
	src     Source
	cache   *ResponseCache
	symbols []string
	loc     *time.Location
	now     func() time.Time
	log     *slog.Logger

	populate singleflight.Group
}

// NewService wires a Service. src and cache may be nil; an empty symbols
// list means DefaultSymbols.
func NewService(store *Store, bars *BarStore, src Source, cache *ResponseCache, symbols []string, logger *slog.Logger) *Service {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	return &Service{
		store:   store,
		bars:    bars,
		src:     src,
		cache:   cache,
		symbols: symbols,
		loc:     MarketLocation(),
		now:     time.Now,
		log:     logger.With("component", "stocksvc"),
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Stocks lists the active stocks.
func (s *Service) Stocks(ctx context.Context) ([]domain.Stock, error) {
	return s.store.List(ctx, true)
}

// Stock returns the stored snapshot for symbol. An unknown symbol is fetched
// from the source when one is configured.
func (s *Service) Stock(ctx context.Context, symbol string) (domain.Stock, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.Stock{}, err
	}
	st, err := s.store.Get(ctx, symbol)
	if errors.Is(err, ErrNotFound) && s.src != nil {
		return s.UpdateSymbol(ctx, symbol)
	}
	return st, err
}

// TopGainers returns up to limit stocks, highest change first.
func (s *Service) TopGainers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return s.store.TopGainers(ctx, limit)
}

// TopLosers returns up to limit stocks, lowest change first.
func (s *Service) TopLosers(ctx context.Context, limit int) ([]domain.Stock, error) {
	return s.store.TopLosers(ctx, limit)
}

// MarketMovers returns the top MoversLimit gainers and losers, from the
// response cache when present.
func (s *Service) MarketMovers(ctx context.Context) (domain.MarketMovers, error) {
	var m domain.MarketMovers
	if s.cache.Get(ctx, moversCacheKey, &m) {
		return m, nil
	}
	m, err := s.store.Movers(ctx, MoversLimit)
	if err != nil {
		return domain.MarketMovers{}, err
	}
	if err := s.cache.Set(ctx, moversCacheKey, m); err != nil {
		s.log.Warn("caching market movers", "error", err)
	}
	return m, nil
}

// Historical returns the daily closes for symbol over period. Missing bars
// are backfilled from the source once before giving up.
func (s *Service) Historical(ctx context.Context, symbol string, period domain.Period) ([]domain.HistoricalPoint, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pts, err := s.bars.Series(ctx, symbol, period, now)
	if err != nil || len(pts) > 0 || s.src == nil {
		return pts, err
	}

	if err := s.backfill(ctx, []string{symbol}, now); err != nil {
		s.log.Warn("backfilling bars", "symbol", symbol, "error", err)
		return pts, nil
	}
	return s.bars.Series(ctx, symbol, period, now)
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

// UpdateSymbol refreshes one symbol from the source and returns the stored
// row.
func (s *Service) UpdateSymbol(ctx context.Context, symbol string) (domain.Stock, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return domain.Stock{}, err
	}
	if s.src == nil {
		return domain.Stock{}, ErrNoSource
	}
	quotes, err := s.src.Quotes(ctx, []string{symbol})
	if err != nil {
		return domain.Stock{}, err
	}
	if len(quotes) == 0 {
		return domain.Stock{}, ErrNotFound
	}
	if err := s.store.Upsert(ctx, quotes...); err != nil {
		return domain.Stock{}, err
	}
	if err := s.cache.Clear(ctx); err != nil {
		s.log.Warn("clearing response cache", "error", err)
	}
	return s.store.Get(ctx, symbol)
}

// Populate refreshes the first limit configured symbols (all when limit <= 0)
// and backfills a year of bars for them. It does nothing when the stored data
// is already dated today in US/Eastern. Concurrent calls share one run, which
// keeps going when the caller that started it gives up.
func (s *Service) Populate(ctx context.Context, limit int) (PopulateResult, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.populate.DoChan("populate", func() (any, error) {
		return s.doPopulate(shared, limit)
	})
	select {
	case <-ctx.Done():
		return PopulateResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return PopulateResult{}, r.Err
		}
		return r.Val.(PopulateResult), nil
	}
}

func (s *Service) doPopulate(ctx context.Context, limit int) (PopulateResult, error) {
	now := s.now()
	latest, err := s.store.LatestUpdate(ctx)
	if err != nil {
		return PopulateResult{}, fmt.Errorf("reading latest update: %w", err)
	}
	if !latest.IsZero() && latest.Format("2006-01-02") == now.In(s.loc).Format("2006-01-02") {
		s.log.Info("stock data already up to date for today")
		return s.result(ctx, 0, false, "Stock data already up to date for today.")
	}
	if s.src == nil {
		return PopulateResult{}, ErrNoSource
	}

	symbols := s.symbols
	if limit > 0 && limit < len(symbols) {
		symbols = symbols[:limit]
	}
	s.log.Info("populating stocks", "symbols", len(symbols))

	quotes, err := s.src.Quotes(ctx, symbols)
	if err != nil {
		return PopulateResult{}, fmt.Errorf("fetching quotes: %w", err)
	}
	if err := s.store.Upsert(ctx, quotes...); err != nil {
		return PopulateResult{}, err
	}
	if err := s.backfill(ctx, symbols, now); err != nil {
		s.log.Warn("backfilling bars", "error", err)
	}
	if err := s.cache.Clear(ctx); err != nil {
		s.log.Warn("clearing response cache", "error", err)
	}

	return s.result(ctx, len(quotes), true, fmt.Sprintf("Stocks populated successfully! Added/updated %d stocks.", len(quotes)))
}

func (s *Service) result(ctx context.Context, n int, updated bool, msg string) (PopulateResult, error) {
	all, err := s.store.List(ctx, false)
	if err != nil {
		return PopulateResult{}, err
	}
	return PopulateResult{
		Message:      fmt.Sprintf("%s Total stocks in database: %d", msg, len(all)),
		Updated:      updated,
		SuccessCount: n,
		TotalCount:   len(all),
		Stocks:       all,
	}, nil
}

// backfill stores one year of daily bars for symbols.
func (s *Service) backfill(ctx context.Context, symbols []string, now time.Time) error {
	bars, err := s.src.Bars(ctx, symbols, now.AddDate(-1, 0, 0), now)
	if err != nil {
		return err
	}
	return s.bars.WriteBars(ctx, bars)
}
