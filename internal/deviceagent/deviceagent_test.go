package deviceagent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testArtifact(deviceID uuid.UUID) *tunnel.Artifact {
	return &tunnel.Artifact{
		DeviceID:        deviceID,
		InterfaceName:   "wg-" + deviceID.String()[:8],
		PrivateKey:      "cHJpdmF0ZS1rZXk=",
		ClientIP:        netip.MustParseAddr("10.100.1.1"),
		SubnetBits:      16,
		ServerPublicKey: "c2VydmVyLWtleQ==",
		Endpoint:        "vpn.example.net:51820",
		ListenPort:      51820,
		AllowedIPs:      []netip.Prefix{netip.MustParsePrefix("10.100.0.0/16")},
		Keepalive:       25,
	}
}

// bootstrapServer answers 409 until notReady calls have been made.
func bootstrapServer(t *testing.T, deviceID uuid.UUID, token string, notReady int32) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	r := gin.New()
	r.GET("/api/v1/bootstrap/:device_id/config", func(c *gin.Context) {
		n := calls.Add(1)
		if c.GetHeader(bootstrapTokenHeader) != token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid bootstrap token"})
			return
		}
		if c.Query("format") != "json" || c.Param("device_id") != deviceID.String() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		if n <= notReady {
			c.JSON(http.StatusConflict, gin.H{"error": "not ready"})
			return
		}
		c.JSON(http.StatusOK, testArtifact(deviceID))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchRetriesUntilReady(t *testing.T) {
	deviceID := uuid.New()
	srv, calls := bootstrapServer(t, deviceID, "bt_good", 2)

	b := NewBootstrapper(BootstrapConfig{
		ServerURL:     srv.URL + "/",
		DeviceID:      deviceID,
		Token:         "bt_good",
		RetryInterval: time.Millisecond,
		MaxRetries:    5,
	}, srv.Client())

	artifact, err := b.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, netip.MustParseAddr("10.100.1.1"), artifact.ClientIP)
	assert.Equal(t, "vpn.example.net:51820", artifact.Endpoint)
}

func TestFetchRejectedTokenStops(t *testing.T) {
	deviceID := uuid.New()
	srv, calls := bootstrapServer(t, deviceID, "bt_good", 0)

	b := NewBootstrapper(BootstrapConfig{
		ServerURL:     srv.URL,
		DeviceID:      deviceID,
		Token:         "bt_wrong",
		RetryInterval: time.Millisecond,
		MaxRetries:    5,
	}, srv.Client())

	_, err := b.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrBootstrapRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	deviceID := uuid.New()
	srv, calls := bootstrapServer(t, deviceID, "bt_good", 100)

	b := NewBootstrapper(BootstrapConfig{
		ServerURL:     srv.URL,
		DeviceID:      deviceID,
		Token:         "bt_good",
		RetryInterval: time.Millisecond,
		MaxRetries:    2,
	}, srv.Client())

	_, err := b.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWriteArtifact(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wg")
	deviceID := uuid.New()
	a := testArtifact(deviceID)

	res, err := WriteArtifact(dir, a, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	conf, err := os.ReadFile(res.WGQuickPath)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "Address = 10.100.1.1/16")

	info, err := os.Stat(res.WGQuickPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	script, err := os.ReadFile(res.RouterOSPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "/interface wireguard add name="+a.InterfaceName)

	loaded, err := ReadResult(dir)
	require.NoError(t, err)
	assert.Equal(t, deviceID.String(), loaded.DeviceID)
	assert.Equal(t, []string{"10.100.0.0/16"}, loaded.AllowedIPs)
	assert.Equal(t, "2026-03-01T12:00:00Z", loaded.BootstrappedAt)
}

func TestHostService(t *testing.T) {
	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	s := NewHostService(IdentityConfig{Hostname: "edge-1", Model: "RB5009", FirmwareVersion: "7.14"})
	s.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagRunning | net.FlagLoopback},
			{Name: "ether1", HardwareAddr: mac, Flags: net.FlagUp | net.FlagRunning},
			{Name: "wg-1234abcd", Flags: net.FlagUp | net.FlagRunning},
			{Name: "ether2", HardwareAddr: mac},
		}, nil
	}

	id, err := s.GetIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "edge-1", id.Hostname)
	assert.Equal(t, "RB5009", id.Model)

	ifaces, err := s.ListInterfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 4)
	assert.Equal(t, "loopback", ifaces[0].Type)
	assert.Equal(t, "ether", ifaces[1].Type)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", ifaces[1].MacAddress)
	assert.Equal(t, "wireguard", ifaces[2].Type)
	assert.True(t, ifaces[3].Disabled)
	assert.False(t, ifaces[3].Running)
}
