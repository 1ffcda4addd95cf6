package grpc

import (
	"context"

	health "google.golang.org/grpc/health/grpc_health_v1"
)

func (v *Server) Check(ctx context.Context, in *health.HealthCheckRequest) (*health.HealthCheckResponse, error) {
	return &health.HealthCheckResponse{
		Status: health.HealthCheckResponse_SERVING,
	}, nil
}

func (v *Server) Watch(in *health.HealthCheckRequest, stream health.Health_WatchServer) error {
	return stream.Send(&health.HealthCheckResponse{
		Status: health.HealthCheckResponse_SERVING,
	})
}
