package devicerpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const DefaultPort = 7443

type Config struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

// GRPCClient dials device agents by tunnel address. Connections are cached per
// address and reconnect on their own.
type GRPCClient struct {
	port  int
	creds credentials.TransportCredentials

	mu    sync.Mutex
	conns map[netip.Addr]*grpc.ClientConn
}

func NewGRPCClient(cfg Config) (*GRPCClient, error) {
	creds, err := cfg.TLS.ClientCredentials()
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return &GRPCClient{
		port:  port,
		creds: creds,
		conns: make(map[netip.Addr]*grpc.ClientConn),
	}, nil
}

func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		errs = append(errs, conn.Close())
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

func (c *GRPCClient) conn(addr netip.Addr) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	target := net.JoinHostPort(addr.String(), strconv.Itoa(c.port))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create device client for %s: %w", target, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Probe runs a health check against the device agent.
func (c *GRPCClient) Probe(ctx context.Context, addr netip.Addr) (*ProbeResult, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return nil, fmt.Errorf("%w: agent status %s", ErrDeviceUnreachable, resp.GetStatus())
	}
	return &ProbeResult{Latency: time.Since(start)}, nil
}

func (c *GRPCClient) FetchIdentity(ctx context.Context, addr netip.Addr) (*Identity, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, getIdentityMethod, &emptypb.Empty{}, out); err != nil {
		return nil, classify(ctx, err)
	}
	return identityFromStruct(out), nil
}

func (c *GRPCClient) FetchInterfaces(ctx context.Context, addr netip.Addr) ([]Interface, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, listInterfacesMethod, &emptypb.Empty{}, out); err != nil {
		return nil, classify(ctx, err)
	}
	return interfacesFromStruct(out), nil
}

// classify maps a gRPC failure onto the retry/terminal split callers act on.
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrDeviceUnreachable, st.Message())
	default:
		return fmt.Errorf("%w: %s", ErrDeviceError, st.Message())
	}
}

func identityFromStruct(s *structpb.Struct) *Identity {
	f := s.GetFields()
	return &Identity{
		Hostname:        f["hostname"].GetStringValue(),
		Model:           f["model"].GetStringValue(),
		FirmwareVersion: f["firmware_version"].GetStringValue(),
		SerialNumber:    f["serial_number"].GetStringValue(),
	}
}

func identityToStruct(id *Identity) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"hostname":         id.Hostname,
		"model":            id.Model,
		"firmware_version": id.FirmwareVersion,
		"serial_number":    id.SerialNumber,
	})
}

func interfacesFromStruct(s *structpb.Struct) []Interface {
	values := s.GetFields()["interfaces"].GetListValue().GetValues()
	result := make([]Interface, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		result = append(result, Interface{
			Name:       f["name"].GetStringValue(),
			Type:       f["type"].GetStringValue(),
			MacAddress: f["mac_address"].GetStringValue(),
			Running:    f["running"].GetBoolValue(),
			Disabled:   f["disabled"].GetBoolValue(),
			Comment:    f["comment"].GetStringValue(),
		})
	}
	return result
}

func interfacesToStruct(ifaces []Interface) (*structpb.Struct, error) {
	list := make([]any, 0, len(ifaces))
	for _, i := range ifaces {
		list = append(list, map[string]any{
			"name":        i.Name,
			"type":        i.Type,
			"mac_address": i.MacAddress,
			"running":     i.Running,
			"disabled":    i.Disabled,
			"comment":     i.Comment,
		})
	}
	return structpb.NewStruct(map[string]any{"interfaces": list})
}
