package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"stockdash/internal/query"
	"stockdash/pkg/stockdash"
)

// Populator asks the service to ingest fresh stock data.
type Populator interface {
	TriggerPopulate(ctx context.Context, limit int) (stockdash.Ack, error)
}

// Actions implements the dashboard's "Update Data" button.
type Actions struct {
	pop    Populator
	cache  *query.Cache
	movers *MoversModel
	logger *slog.Logger

	group    singleflight.Group
	updating atomic.Bool
}

// NewActions wires the update action. movers may be nil, in which case the
// invalidated entry is refetched on its next Refresh.
func NewActions(pop Populator, cache *query.Cache, movers *MoversModel, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{pop: pop, cache: cache, movers: movers, logger: logger}
}

// Updating reports whether a populate is in flight.
func (a *Actions) Updating() bool { return a.updating.Load() }

// UpdateData triggers a populate. Only after it succeeds is the movers entry
// invalidated and refreshed. Concurrent calls share one populate.
func (a *Actions) UpdateData(ctx context.Context, limit int) (stockdash.Ack, error) {
	v, err, shared := a.group.Do("populate", func() (any, error) {
		a.updating.Store(true)
		defer a.updating.Store(false)

		a.logger.Info("populate requested", "limit", limit)
		ack, err := a.pop.TriggerPopulate(ctx, limit)
		if err != nil {
			a.logger.Error("populate failed", "error", err)
			return nil, err
		}

		n := a.cache.Invalidate(func(k query.Key) bool { return k == MoversKey })
		a.logger.Info("populate complete", "invalidated", n)
		if a.movers != nil {
			a.movers.Refresh()
		}
		return ack, nil
	})
	if shared {
		a.logger.Debug("populate joined in-flight request")
	}
	if err != nil {
		return nil, err
	}
	return v.(stockdash.Ack), nil
}

// PopulateSummary is the readable part of a populate acknowledgment.
type PopulateSummary struct {
	Message      string `json:"message"`
	SuccessCount int    `json:"success_count"`
	TotalCount   int    `json:"total_count"`
}

// SummarizeAck extracts a PopulateSummary from ack when it has one. The ack
// is otherwise opaque.
func SummarizeAck(ack stockdash.Ack) (PopulateSummary, bool) {
	var s PopulateSummary
	if err := json.Unmarshal(ack, &s); err != nil || s.Message == "" {
		return PopulateSummary{}, false
	}
	return s, true
}
