// Package health publishes the assistant's lifecycle state through the
// standard grpc.health.v1 service and queries it from the client side.
package health

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

// Reporter maps supervisor states onto the serving status of one named service
type Reporter struct {
	service string
	server  *health.Server
	logger  logging.Logger
}

func NewReporter(service string, logger logging.Logger) *Reporter {
	r := &Reporter{
		service: service,
		server:  health.NewServer(),
		logger:  logger,
	}
	r.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// ServingStatus is SERVING only while the assistant is running
func ServingStatus(state supervisor.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == supervisor.StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (r *Reporter) Update(state supervisor.State) {
	status := ServingStatus(state)
	r.server.SetServingStatus(r.service, status)
	r.logger.Debugf("Health status updated, service: %s, state: %s, status: %s", r.service, state, status)
}

// Follow applies every state change until the stream closes or ctx ends
func (r *Reporter) Follow(ctx context.Context, changes <-chan supervisor.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			r.Update(change.State)
		}
	}
}

// Register adds the health service to a gRPC server
func (r *Reporter) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, r.server)
}

// Shutdown reports NOT_SERVING for every service and ignores later updates
func (r *Reporter) Shutdown() {
	r.server.Shutdown()
}

// Server is a gRPC listener that only carries the health service
type Server struct {
	listener net.Listener
	grpc     *grpc.Server
	logger   logging.Logger
}

func NewServer(address string, reporter *Reporter, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewIOError("failed to listen for health checks", err).WithContext("address", address)
	}
	server := grpc.NewServer()
	reporter.Register(server)
	return &Server{listener: listener, grpc: server, logger: logger}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks until Stop is called
func (s *Server) Serve() error {
	s.logger.Infof("Serving gRPC health, address: %s", s.listener.Addr())
	if err := s.grpc.Serve(s.listener); err != nil {
		return errors.NewIOError("gRPC health server failed", err)
	}
	return nil
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
