// Package domain defines the core record types shared by the gateway, the
// query cache, the view models, and the development stock service.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stock is an immutable snapshot of one instrument at fetch time.
type Stock struct {
	ID            int       `json:"id,omitempty"`
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	CurrentPrice  float64   `json:"current_price"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	MarketCap     float64   `json:"market_cap"`
	Sector        string    `json:"sector"`
	IsActive      bool      `json:"is_active"`
	LastUpdated   Timestamp `json:"last_updated"`
}

// MarketMovers holds the server-ranked gainers (change desc) and losers
// (change asc, most negative first). The client renders both in the order
// received.
type MarketMovers struct {
	Gainers []Stock `json:"gainers"`
	Losers  []Stock `json:"losers"`
}

// Empty reports whether both lists are empty.
func (m MarketMovers) Empty() bool {
	return len(m.Gainers) == 0 && len(m.Losers) == 0
}

// Validate checks that no symbol appears in both lists.
func (m MarketMovers) Validate() error {
	seen := make(map[string]bool, len(m.Gainers))
	for _, s := range m.Gainers {
		seen[s.Symbol] = true
	}
	for _, s := range m.Losers {
		if seen[s.Symbol] {
			return fmt.Errorf("symbol %s listed as both gainer and loser", s.Symbol)
		}
	}
	return nil
}

// HistoricalPoint is one trading day's close.
type HistoricalPoint struct {
	Date  Timestamp `json:"date"`
	Close float64   `json:"close"`
}

// ---------------------------------------------------------------------------
// Period
// ---------------------------------------------------------------------------

// Period is a historical look-back window.
type Period string

const (
	Period1D Period = "1d"
	Period5D Period = "5d"
	Period1M Period = "1mo"
	Period3M Period = "3mo"
	Period6M Period = "6mo"
	Period1Y Period = "1y"
)

// Periods lists the supported periods in display order.
var Periods = []Period{Period1D, Period5D, Period1M, Period3M, Period6M, Period1Y}

// DefaultPeriod is the period the historical view opens with.
const DefaultPeriod = Period1M

// ParsePeriod validates s against the supported set.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p, nil
	}
	return "", fmt.Errorf("unsupported period %q", s)
}

// Valid reports whether p is one of the supported periods.
func (p Period) Valid() bool {
	for _, v := range Periods {
		if p == v {
			return true
		}
	}
	return false
}

// Days returns the calendar look-back for the period.
func (p Period) Days() int {
	switch p {
	case Period1D:
		return 1
	case Period5D:
		return 5
	case Period1M:
		return 30
	case Period3M:
		return 91
	case Period6M:
		return 182
	case Period1Y:
		return 365
	default:
		return 0
	}
}

// Label returns a human-readable label ("1 Month").
func (p Period) Label() string {
	switch p {
	case Period1D:
		return "1 Day"
	case Period5D:
		return "5 Days"
	case Period1M:
		return "1 Month"
	case Period3M:
		return "3 Months"
	case Period6M:
		return "6 Months"
	case Period1Y:
		return "1 Year"
	default:
		return string(p)
	}
}

// ---------------------------------------------------------------------------
// Timestamp
// ---------------------------------------------------------------------------

// Timestamp accepts the timestamp shapes the stock service emits: RFC 3339,
// naive ISO 8601, and bare dates.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses s using the accepted layouts. Naive values are UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler. Null and "" leave the zero time.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON writes a bare date for midnight-UTC values, RFC 3339 otherwise.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	u := t.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return json.Marshal(u.Format("2006-01-02"))
	}
	return json.Marshal(t.Format(time.RFC3339))
}
