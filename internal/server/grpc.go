package server

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer is a minimal gRPC endpoint carrying the standard health
// service, for load balancers and orchestration probes that speak gRPC
// health checking instead of HTTP.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	addr   string
}

// NewGRPCServer builds the server with health and reflection registered.
func NewGRPCServer(addr string) *GRPCServer {
	srv := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	reflection.Register(srv)

	return &GRPCServer{
		server: srv,
		health: healthServer,
		addr:   addr,
	}
}

// SetServing flips the reported health status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve blocks listening on the configured address.
func (s *GRPCServer) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.server.Serve(lis)
}

// GracefulStop drains in-flight RPCs and stops the server.
func (s *GRPCServer) GracefulStop() {
	s.server.GracefulStop()
}
