package devicerpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// DeviceService is what a device agent exposes to the control plane.
type DeviceService interface {
	GetIdentity(ctx context.Context) (*Identity, error)
	ListInterfaces(ctx context.Context) ([]Interface, error)
}

var deviceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetIdentity", Handler: getIdentityHandler},
		{MethodName: "ListInterfaces", Handler: listInterfacesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "silo/device/v1/device.proto",
}

func getIdentityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, _ any) (any, error) {
		id, err := srv.(DeviceService).GetIdentity(ctx)
		if err != nil {
			return nil, err
		}
		return identityToStruct(id)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: getIdentityMethod}, handler)
}

func listInterfacesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, _ any) (any, error) {
		ifaces, err := srv.(DeviceService).ListInterfaces(ctx)
		if err != nil {
			return nil, err
		}
		return interfacesToStruct(ifaces)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: listInterfacesMethod}, handler)
}

// healthService answers health checks and can report a fatal device condition,
// which the control plane treats as a terminal device error.
type healthService struct {
	*health.Server

	mu    sync.RWMutex
	fault string
}

func (h *healthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	h.mu.RLock()
	fault := h.fault
	h.mu.RUnlock()
	if fault != "" {
		return nil, status.Error(codes.FailedPrecondition, fault)
	}
	return h.Server.Check(ctx, req)
}

type Server struct {
	grpcServer *grpc.Server
	health     *healthService
	port       int
	listener   net.Listener
}

func NewServer(port int, svc DeviceService, tlsConfig TLSConfig) (*Server, error) {
	creds, err := tlsConfig.ServerCredentials()
	if err != nil {
		return nil, err
	}

	hs := &healthService{Server: health.NewServer()}
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	grpcServer := grpc.NewServer(grpc.Creds(creds))
	grpcServer.RegisterService(&deviceServiceDesc, svc)
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		port:       port,
	}, nil
}

// ReportFault makes every following probe fail with msg. An empty msg clears it.
func (s *Server) ReportFault(msg string) {
	s.health.mu.Lock()
	s.health.fault = msg
	s.health.mu.Unlock()
}

func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	slog.Info("Starting device RPC server", "address", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping device RPC server")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("Device RPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("Device RPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
