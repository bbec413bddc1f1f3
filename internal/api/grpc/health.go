// Package grpc serves the gRPC health protocol for Tidemark, reporting the
// health of the write alias as seen by the index engine.
package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "tidemark.Lifecycle"

// HealthReporter polls the engine health of an index or alias and mirrors it
// into a gRPC health server. Green and yellow serve; red or an engine failure
// does not.
type HealthReporter struct {
	client   engine.Client
	index    string
	interval time.Duration
	server   *health.Server
	logger   *slog.Logger
	last     types.HealthStatus
}

// NewHealthReporter creates a reporter for index, which is usually the
// deflector alias. An interval of zero defaults to ten seconds.
func NewHealthReporter(client engine.Client, index string, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &HealthReporter{
		client:   client,
		index:    index,
		interval: interval,
		server:   health.NewServer(),
		logger:   logger.With("component", "grpc_health"),
		last:     -1,
	}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Server returns the health server to register on a grpc.Server.
func (r *HealthReporter) Server() *health.Server {
	return r.server
}

func (r *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
}

// Check polls the engine once and updates the served status.
func (r *HealthReporter) Check(ctx context.Context) types.HealthStatus {
	status, err := engine.CurrentHealth(ctx, r.client, r.index)
	if err != nil {
		r.logger.Warn("engine health check failed", "index", r.index, "error", err)
		status = types.HealthRed
	}
	if status != r.last {
		r.logger.Info("engine health changed", "index", r.index, "status", status.String())
		r.last = status
	}
	if status.AtLeast(types.HealthYellow) {
		r.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return status
}

// Run polls until ctx is done, then marks every service as shutting down.
func (r *HealthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return nil
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}
