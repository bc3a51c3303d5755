package devicerpc

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type fakeDevice struct {
	identity *Identity
	ifaces   []Interface
	err      error
}

func (f *fakeDevice) GetIdentity(_ context.Context) (*Identity, error) {
	return f.identity, f.err
}

func (f *fakeDevice) ListInterfaces(_ context.Context) ([]Interface, error) {
	return f.ifaces, f.err
}

func startDevice(t *testing.T, svc DeviceService) (*Server, *GRPCClient) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := NewServer(0, svc, TLSConfig{})
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })

	client, err := NewGRPCClient(Config{Port: lis.Addr().(*net.TCPAddr).Port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func probeCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProbe_ServingDevice(t *testing.T) {
	_, client := startDevice(t, &fakeDevice{})

	result, err := client.Probe(probeCtx(t), loopback)
	require.NoError(t, err)
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestProbe_NotServingIsRetryable(t *testing.T) {
	srv, client := startDevice(t, &fakeDevice{})
	srv.SetServing(false)

	_, err := client.Probe(probeCtx(t), loopback)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
}

func TestProbe_ReportedFaultIsTerminal(t *testing.T) {
	srv, client := startDevice(t, &fakeDevice{})
	srv.ReportFault("wireguard interface failed to come up")

	_, err := client.Probe(probeCtx(t), loopback)
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.Contains(t, err.Error(), "wireguard interface failed to come up")

	srv.ReportFault("")
	_, err = client.Probe(probeCtx(t), loopback)
	assert.NoError(t, err)
}

func TestProbe_NothingListening(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	client, err := NewGRPCClient(Config{Port: port})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = client.Probe(ctx, loopback)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
}

func TestProbe_CancelledContext(t *testing.T) {
	_, client := startDevice(t, &fakeDevice{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Probe(ctx, loopback)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDeviceUnreachable)
}

func TestFetchIdentityAndInterfaces(t *testing.T) {
	device := &fakeDevice{
		identity: &Identity{Hostname: "edge-01", Model: "RB5009", FirmwareVersion: "7.14.2", SerialNumber: "HF90A1"},
		ifaces: []Interface{
			{Name: "ether1", Type: "ether", MacAddress: "48:A9:8A:00:00:01", Running: true},
			{Name: "wg-531ddd0e", Type: "wg", Running: true, Comment: "silo overlay"},
			{Name: "ether8", Type: "ether", Disabled: true},
		},
	}
	_, client := startDevice(t, device)

	id, err := client.FetchIdentity(probeCtx(t), loopback)
	require.NoError(t, err)
	assert.Equal(t, device.identity, id)

	ifaces, err := client.FetchInterfaces(probeCtx(t), loopback)
	require.NoError(t, err)
	assert.Equal(t, device.ifaces, ifaces)
}

func TestFetchIdentity_DeviceError(t *testing.T) {
	_, client := startDevice(t, &fakeDevice{err: status.Error(codes.PermissionDenied, "api user lacks read policy")})

	_, err := client.FetchIdentity(probeCtx(t), loopback)
	assert.ErrorIs(t, err, ErrDeviceError)
	assert.Contains(t, err.Error(), "api user lacks read policy")
}

func TestParseClientAuth(t *testing.T) {
	for _, valid := range []string{"", "none", "request", "require"} {
		_, err := parseClientAuth(valid)
		assert.NoError(t, err, valid)
	}
	_, err := parseClientAuth("always")
	assert.Error(t, err)
}
