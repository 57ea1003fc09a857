package server

import (
	"net"

	"github.com/sajjad-MoBe/corecache/internal/shared"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LeaderService is the health service name that is SERVING only on the leader
const LeaderService = "corecache.leader"

// HealthServer exposes the standard gRPC health protocol. The overall
// service is SERVING while the node runs.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *shared.Logger
}

// NewHealthServer creates a health server on listener
func NewHealthServer(listener net.Listener, logger *shared.Logger) *HealthServer {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(LeaderService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		grpc:     srv,
		health:   hs,
		listener: listener,
		logger:   logger.WithComponent("grpc"),
	}
}

// SetLeader flips the leader service status
func (h *HealthServer) SetLeader(isLeader bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if isLeader {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(LeaderService, status)
}

// Address returns the address the server listens on
func (h *HealthServer) Address() string {
	return h.listener.Addr().String()
}

// Start serves until Stop
func (h *HealthServer) Start() error {
	h.logger.Info("gRPC health service listening on %s", h.Address())
	if err := h.grpc.Serve(h.listener); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
