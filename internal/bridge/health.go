package bridge

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReaderServiceName is the gRPC health service that tracks the reader.
// The empty service name tracks the same state.
const ReaderServiceName = "hotelkeys.bridge.Reader"

// HealthServer publishes reader connectivity over the standard gRPC health
// protocol, so process supervisors can probe the bridge without HTTP.
type HealthServer struct {
	health *health.Server
	grpc   *grpc.Server
	logger *zap.Logger
}

func NewHealthServer(conn *ConnectionManager, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthServer{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)

	conn.Watch(h.set)
	return h
}

func (h *HealthServer) set(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ReaderServiceName, status)
	h.logger.Debug("reader health updated", zap.String("status", status.String()))
}

// Check answers a health probe in-process.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve blocks serving gRPC on lis until Stop or ctx is done.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	h.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks everything NOT_SERVING and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.Stop()
}
