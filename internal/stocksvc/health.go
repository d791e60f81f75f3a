package stocksvc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported for the stock API.
const HealthService = "stockdash.StockService"

// Health publishes store reachability over the standard gRPC health protocol.
type Health struct {
	srv   *health.Server
	store *Store
	log   *slog.Logger
}

// NewHealth creates a Health reporting NOT_SERVING until the first check.
func NewHealth(store *Store, logger *slog.Logger) *Health {
	h := &Health{srv: health.NewServer(), store: store, log: logger.With("component", "health")}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// RegisterGRPC registers the health service on the given gRPC server.
func (h *Health) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// Check pings the store once and publishes the result.
func (h *Health) Check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(HealthService, status)
}

// Run checks every interval until ctx is done, then marks everything as
// shutting down.
func (h *Health) Run(ctx context.Context, interval time.Duration) error {
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
