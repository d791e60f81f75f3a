package stocksvc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"stockdash/internal/domain"
	"stockdash/internal/util"
)

// Source supplies market data for populate and bar backfill.
type Source interface {
	// Quotes returns a snapshot for each symbol that has data. Symbols with
	// no data are left out.
	Quotes(ctx context.Context, symbols []string) ([]domain.Stock, error)

	// Bars returns daily bars for the symbols within [start, end].
	Bars(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error)
}

// quoteLookback covers at least two sessions across long weekends.
const quoteLookback = 10 * 24 * time.Hour

var _ Source = (*AlpacaSource)(nil)

// AlpacaSource reads daily bars from the Alpaca market-data API.
type AlpacaSource struct {
	client  *marketdata.Client
	feed    marketdata.Feed
	limiter *util.RateLimiter
	loc     *time.Location
	log     *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource. dataURL may be empty for the
// default endpoint. Requests are limited to perMinute per minute.
func NewAlpacaSource(apiKey, apiSecret, dataURL, feed string, perMinute int, logger *slog.Logger) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaSource{
		client:  marketdata.NewClient(opts),
		feed:    marketdata.Feed(feed),
		limiter: util.NewRateLimiter(perMinute, 5),
		loc:     MarketLocation(),
		log:     logger.With("source", "alpaca"),
	}
}

// Quotes derives each snapshot from the last two daily closes.
func (a *AlpacaSource) Quotes(ctx context.Context, symbols []string) ([]domain.Stock, error) {
	end := time.Now()
	bars, err := a.Bars(ctx, symbols, end.Add(-quoteLookback), end)
	if err != nil {
		return nil, err
	}
	return quotesFromBars(symbols, bars, a.loc, a.log), nil
}

// Bars fetches daily bars for all symbols in one GetMultiBars call.
func (a *AlpacaSource) Bars(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	multiBars, err := a.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      a.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	a.log.Debug("fetched bars", "symbols", len(symbols), "bars", len(bars))
	return bars, nil
}

// quotesFromBars groups bars by symbol and builds one snapshot per symbol
// that has data, in the order of symbols.
func quotesFromBars(symbols []string, bars []Bar, loc *time.Location, log *slog.Logger) []domain.Stock {
	bySymbol := make(map[string][]Bar)
	for _, b := range bars {
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
	}
	var out []domain.Stock
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		st, ok := quoteFromBars(sym, bySymbol[sym], loc)
		if !ok {
			log.Warn("no bars for symbol", "symbol", sym)
			continue
		}
		out = append(out, st)
	}
	return out
}

// quoteFromBars builds a snapshot from a symbol's bars (oldest first).
// Change is measured against the previous close, or against the session open
// when only one bar exists. Market cap is approximated as close × volume.
func quoteFromBars(symbol string, bars []Bar, loc *time.Location) (domain.Stock, bool) {
	if len(bars) == 0 {
		return domain.Stock{}, false
	}
	last := bars[len(bars)-1]
	prev := last.Open
	if len(bars) > 1 {
		prev = bars[len(bars)-2].Close
	}
	change := 0.0
	if prev != 0 {
		change = (last.Close - prev) / prev * 100
	}
	return domain.Stock{
		Symbol:        symbol,
		Name:          symbol,
		CurrentPrice:  last.Close,
		ChangePercent: change,
		Volume:        last.Volume,
		MarketCap:     last.Close * float64(last.Volume),
		IsActive:      true,
		LastUpdated:   domain.Timestamp{Time: sessionDate(last.Timestamp, loc)},
	}, true
}
