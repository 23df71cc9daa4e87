package status

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "tierproxy"

// SyncHealth mirrors Healthy() into srv every interval until ctx is done,
// then marks the server as shutting down.
func (r *Reporter) SyncHealth(ctx context.Context, srv *health.Server, interval time.Duration, logger *slog.Logger) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if r.Healthy() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		if st == last {
			return
		}
		srv.SetServingStatus("", st)
		srv.SetServingStatus(ServiceName, st)
		logger.Info("grpc health status changed", "status", st.String())
		last = st
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
