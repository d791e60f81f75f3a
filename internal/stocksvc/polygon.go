package stocksvc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	polygonrest "github.com/polygon-io/client-go/rest"
	rmodels "github.com/polygon-io/client-go/rest/models"

	"stockdash/internal/domain"
	"stockdash/internal/util"
)

var _ Source = (*PolygonSource)(nil)

// PolygonSource reads daily aggregates from the Polygon REST API. It is used
// when no Alpaca credentials are configured.
type PolygonSource struct {
	rest    *polygonrest.Client
	limiter *util.RateLimiter
	loc     *time.Location
	log     *slog.Logger
}

// NewPolygonSource creates a PolygonSource. The free tier allows 5 requests
// per minute; perMinute <= 0 disables limiting.
func NewPolygonSource(apiKey string, perMinute int, logger *slog.Logger) *PolygonSource {
	return &PolygonSource{
		rest:    polygonrest.NewWithClient(apiKey, &http.Client{Timeout: 10 * time.Second}),
		limiter: util.NewRateLimiter(perMinute, 1),
		loc:     MarketLocation(),
		log:     logger.With("source", "polygon"),
	}
}

// Quotes derives each snapshot from the last two daily aggregates.
func (p *PolygonSource) Quotes(ctx context.Context, symbols []string) ([]domain.Stock, error) {
	end := time.Now()
	bars, err := p.Bars(ctx, symbols, end.Add(-quoteLookback), end)
	if err != nil {
		return nil, err
	}
	return quotesFromBars(symbols, bars, p.loc, p.log), nil
}

// Bars issues one ListAggs call per symbol. A symbol that fails is logged and
// skipped; the call fails only when every symbol does.
func (p *PolygonSource) Bars(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error) {
	var (
		bars    []Bar
		lastErr error
		failed  int
	)
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		got, err := p.symbolBars(ctx, sym, start, end)
		if err != nil {
			p.log.Warn("fetching aggregates", "symbol", sym, "error", err)
			lastErr = err
			failed++
			continue
		}
		bars = append(bars, got...)
	}
	if len(symbols) > 0 && failed == len(symbols) {
		return nil, fmt.Errorf("ListAggs: %w", lastErr)
	}
	p.log.Debug("fetched bars", "symbols", len(symbols), "bars", len(bars))
	return bars, nil
}

func (p *PolygonSource) symbolBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	params := &rmodels.ListAggsParams{
		Ticker:     symbol,
		Timespan:   rmodels.Day,
		Multiplier: 1,
		From:       rmodels.Millis(start),
		To:         rmodels.Millis(end),
	}
	limit := 50000
	asc := rmodels.Asc
	adj := true
	params.Limit = &limit
	params.Order = &asc
	params.Adjusted = &adj

	var bars []Bar
	iter := p.rest.ListAggs(ctx, params)
	for iter.Next() {
		bars = append(bars, aggToBar(symbol, iter.Item()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return bars, nil
}

func aggToBar(symbol string, a rmodels.Agg) Bar {
	return Bar{
		Symbol:     symbol,
		Timestamp:  time.Time(a.Timestamp).UTC(),
		Open:       a.Open,
		High:       a.High,
		Low:        a.Low,
		Close:      a.Close,
		Volume:     int64(a.Volume),
		TradeCount: a.Transactions,
		VWAP:       a.VWAP,
	}
}
