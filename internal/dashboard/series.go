package dashboard

import (
	"math"
	"strings"

	"stockdash/internal/domain"
)

// SeriesStats summarises a historical close series for display.
type SeriesStats struct {
	Points  int
	Open    float64 // first close
	Close   float64 // last close
	High    float64
	Low     float64
	Change  float64 // percent change first→last close
	MaxGain float64 // best buy-then-sell return over the series, as a fraction
	MaxLoss float64 // worst buy-then-sell drawdown over the series, as a fraction
}

// SummarizeSeries computes SeriesStats over points, which must already be in
// chronological order. An empty series yields the zero value.
func SummarizeSeries(points []domain.HistoricalPoint) SeriesStats {
	var s SeriesStats
	if len(points) == 0 {
		return s
	}

	s.Points = len(points)
	s.Open = points[0].Close
	s.Close = points[len(points)-1].Close
	s.High = -math.MaxFloat64
	s.Low = math.MaxFloat64
	minClose := math.MaxFloat64
	maxClose := 0.0

	for _, p := range points {
		c := p.Close
		if c > s.High {
			s.High = c
		}
		if c < s.Low {
			s.Low = c
		}

		// Max gain: buy at lowest seen so far, sell now.
		if c < minClose {
			minClose = c
		}
		if minClose > 0 {
			if g := (c - minClose) / minClose; g > s.MaxGain {
				s.MaxGain = g
			}
		}
		// Max loss: buy at highest seen so far, sell now.
		if c > maxClose {
			maxClose = c
		}
		if c > 0 {
			if l := (maxClose - c) / c; l > s.MaxLoss {
				s.MaxLoss = l
			}
		}
	}

	if s.Open != 0 {
		s.Change = (s.Close - s.Open) / s.Open * 100
	}
	return s
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Sparkline plots closes as a single line of block characters, resampled to
// at most width columns.
func Sparkline(points []domain.HistoricalPoint, width int) string {
	if len(points) == 0 || width <= 0 {
		return ""
	}
	cols := len(points)
	if cols > width {
		cols = width
	}

	st := SummarizeSeries(points)
	span := st.High - st.Low

	var b strings.Builder
	for i := 0; i < cols; i++ {
		// Last point of each bucket so the final column is the latest close.
		idx := (i+1)*len(points)/cols - 1
		level := 0
		if span > 0 {
			level = int((points[idx].Close - st.Low) / span * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[level])
	}
	return b.String()
}
