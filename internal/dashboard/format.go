package dashboard

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// magnitudes are checked largest first.
var magnitudes = []struct {
	suffix string
	scale  float64
}{
	{"T", 1e12},
	{"B", 1e9},
	{"M", 1e6},
	{"K", 1e3},
}

// nonFinite renders NaN and ±Inf the way fmt does.
func nonFinite(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v), true
	}
	return "", false
}

// fixed2 rounds half away from zero to two decimals.
func fixed2(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// FormatMagnitude renders n with the largest applicable T/B/M/K suffix and
// two decimals, e.g. 1500 → "1.50K", 2.3e9 → "2.30B". Values below 1e3 get no
// suffix. A value that rounds up to the next magnitude is promoted, so
// 999_999 is "1.00M" rather than "1000.00K".
func FormatMagnitude(n float64) string {
	if s, ok := nonFinite(n); ok {
		return s
	}
	abs := math.Abs(n)
	for i, m := range magnitudes {
		if abs < m.scale {
			continue
		}
		scaled := decimal.NewFromFloat(n / m.scale).Round(2)
		if i > 0 && scaled.Abs().GreaterThanOrEqual(decimal.NewFromInt(1000)) {
			up := magnitudes[i-1]
			return decimal.NewFromFloat(n/up.scale).StringFixed(2) + up.suffix
		}
		return scaled.StringFixed(2) + m.suffix
	}
	if r := decimal.NewFromFloat(n).Round(2); r.Abs().GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		return decimal.NewFromFloat(n/1e3).StringFixed(2) + "K"
	}
	return fixed2(n)
}

// FormatCurrency renders v as dollars with comma grouping: "$1,234.56".
func FormatCurrency(v float64) string {
	if s, ok := nonFinite(v); ok {
		return s
	}
	d := decimal.NewFromFloat(v).Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	return sign + "$" + groupFixed(d.StringFixed(2))
}

// groupFixed inserts thousands separators into the integer part of a
// fixed-point string.
func groupFixed(s string) string {
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return s
	}
	if frac == "" {
		return humanize.Comma(n)
	}
	return humanize.Comma(n) + "." + frac
}

// FormatPercent renders p (already in percent units) always signed:
// "+5.00%", "-3.00%". Zero is "+0.00%".
func FormatPercent(p float64) string {
	if s, ok := nonFinite(p); ok {
		return s
	}
	d := decimal.NewFromFloat(p).Round(2)
	if d.IsNegative() {
		return d.StringFixed(2) + "%"
	}
	return "+" + d.StringFixed(2) + "%"
}

// FormatTimestamp renders t in local time, or "-" for the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 2, 2006 3:04 PM")
}

// FormatDate renders the calendar date of t, or "-" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Jan 2, 2006")
}

// FormatVolume renders a share count with comma grouping.
func FormatVolume(v int64) string {
	return humanize.Comma(v)
}

// FormatMarketCap renders a market capitalisation as "$" plus magnitude, or
// "-" when unknown.
func FormatMarketCap(v float64) string {
	if s, ok := nonFinite(v); ok {
		return s
	}
	if v <= 0 {
		return "-"
	}
	return "$" + FormatMagnitude(v)
}

// FormatAge renders how long ago t was relative to now, e.g. "2 minutes ago".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
