package stocksvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"stockdash/internal/domain"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// BarStore keeps daily bars in parquet files, one per symbol and year:
//
//	<DataDir>/us/daily/<SYMBOL>/<YYYY>.parquet
type BarStore struct {
	DataDir string
	loc     *time.Location
}

// NewBarStore creates a BarStore rooted at dataDir. Bar dates are taken in
// the US market time zone.
func NewBarStore(dataDir string) *BarStore {
	return &BarStore{DataDir: dataDir, loc: MarketLocation()}
}

// BarRecord is the parquet schema for daily bars.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// WriteBars merges bars into the per-symbol, per-year files. A bar already on
// disk with the same timestamp is replaced.
func (s *BarStore) WriteBars(_ context.Context, bars []Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		sym := strings.ToUpper(b.Symbol)
		k := key{symbol: sym, year: b.Timestamp.In(s.loc).Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     sym,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)
		existing, err := readBarFile(path)
		if err != nil {
			return err
		}
		if err := writeBarFile(path, mergeBarRecords(existing, records)); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars returns the bars for symbol within [start, end], oldest first.
func (s *BarStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	var bars []Bar
	for year := start.In(s.loc).Year(); year <= end.In(s.loc).Year(); year++ {
		records, err := readBarFile(s.barPath(symbol, year))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// seriesSlack widens the read window so a period that ends on a weekend or
// holiday still finds its last session.
const seriesSlack = 14 * 24 * time.Hour

// Series returns the daily closes of symbol for period, oldest first. The
// window ends at the latest bar on or before now and spans period.Days()
// calendar days, so "1d" is the last session.
func (s *BarStore) Series(ctx context.Context, symbol string, period domain.Period, now time.Time) ([]domain.HistoricalPoint, error) {
	days := period.Days()
	if days == 0 {
		return nil, fmt.Errorf("unsupported period %q", period)
	}
	bars, err := s.ReadBars(ctx, symbol, now.AddDate(0, 0, -days).Add(-seriesSlack), now)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return []domain.HistoricalPoint{}, nil
	}

	anchor := bars[len(bars)-1].Timestamp
	from := anchor.AddDate(0, 0, -days)
	out := make([]domain.HistoricalPoint, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.After(from) {
			continue
		}
		out = append(out, domain.HistoricalPoint{
			Date:  domain.Timestamp{Time: sessionDate(b.Timestamp, s.loc)},
			Close: b.Close,
		})
	}
	return out, nil
}

func (s *BarStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "us", "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

// sessionDate maps a bar timestamp to midnight UTC of its market-local date.
func sessionDate(ts time.Time, loc *time.Location) time.Time {
	y, m, d := ts.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeBarFile(path string, records []BarRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readBarFile returns nil for a missing file.
func readBarFile(path string) ([]BarRecord, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

// mergeBarRecords deduplicates by timestamp, preferring incoming records,
// and sorts the result oldest first.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}
	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
