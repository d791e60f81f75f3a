package dashboard

import (
	"slices"
	"strings"

	"stockdash/internal/domain"
)

// SortMode orders the all-stocks table. Market movers are never re-sorted;
// they keep the order the service returned.
const (
	SortSymbol    = 0 // symbol A→Z (default)
	SortChange    = 1 // change% desc
	SortVolume    = 2 // volume desc
	SortMarketCap = 3 // market cap desc
	SortModeCount = 4
)

// SortModeLabel returns a short label for the given sort mode.
func SortModeLabel(mode int) string {
	switch mode {
	case SortSymbol:
		return "SYMBOL"
	case SortChange:
		return "CHG%"
	case SortVolume:
		return "VOL"
	case SortMarketCap:
		return "MCAP"
	default:
		return "?"
	}
}

// SortStocks returns a sorted copy of stocks. Ties fall back to symbol so
// the order is stable across refreshes.
func SortStocks(stocks []domain.Stock, mode int) []domain.Stock {
	out := slices.Clone(stocks)
	slices.SortStableFunc(out, func(a, b domain.Stock) int {
		switch mode {
		case SortChange:
			if c := cmpDesc(a.ChangePercent, b.ChangePercent); c != 0 {
				return c
			}
		case SortVolume:
			if c := cmpDesc(a.Volume, b.Volume); c != 0 {
				return c
			}
		case SortMarketCap:
			if c := cmpDesc(a.MarketCap, b.MarketCap); c != 0 {
				return c
			}
		}
		return strings.Compare(a.Symbol, b.Symbol)
	})
	return out
}

func cmpDesc[T int64 | float64](a, b T) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}

// FilterActive drops inactive stocks.
func FilterActive(stocks []domain.Stock) []domain.Stock {
	out := make([]domain.Stock, 0, len(stocks))
	for _, s := range stocks {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out
}
