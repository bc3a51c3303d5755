package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBootstrapper struct {
	mock.Mock
}

func (m *MockBootstrapper) BootstrapConfig(ctx context.Context, deviceID uuid.UUID, token string) (*tunnel.Artifact, error) {
	args := m.Called(ctx, deviceID, token)
	a, _ := args.Get(0).(*tunnel.Artifact)
	return a, args.Error(1)
}

func setupBootstrapRouter(h *BootstrapHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/bootstrap/:device_id/config", h.Config)
	return r
}

func bootstrapArtifact(deviceID uuid.UUID) *tunnel.Artifact {
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

func bootstrapRequest(deviceID uuid.UUID, token, format string) *http.Request {
	url := "/api/v1/bootstrap/" + deviceID.String() + "/config"
	if format != "" {
		url += "?format=" + format
	}
	req, _ := http.NewRequest("GET", url, nil)
	if token != "" {
		req.Header.Set(BootstrapTokenHeader, token)
	}
	return req
}

func TestBootstrapConfigFormats(t *testing.T) {
	deviceID := uuid.New()
	b := new(MockBootstrapper)
	b.On("BootstrapConfig", mock.Anything, deviceID, "bt_good").Return(bootstrapArtifact(deviceID), nil)
	r := setupBootstrapRouter(NewBootstrapHandler(b))

	t.Run("wg-quick by default", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, bootstrapRequest(deviceID, "bt_good", ""))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "[Interface]")
		assert.Contains(t, w.Body.String(), "Endpoint = vpn.example.net:51820")
	})

	t.Run("routeros", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, bootstrapRequest(deviceID, "bt_good", FormatRouterOS))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "/interface wireguard add name=wg-"+deviceID.String()[:8])
	})

	t.Run("json", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, bootstrapRequest(deviceID, "bt_good", FormatJSON))

		assert.Equal(t, http.StatusOK, w.Code)

		var artifact tunnel.Artifact
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
		assert.Equal(t, netip.MustParseAddr("10.100.1.1"), artifact.ClientIP)
		assert.Equal(t, 25, artifact.Keepalive)
	})
}

func TestBootstrapConfigRejects(t *testing.T) {
	deviceID := uuid.New()

	cases := []struct {
		name   string
		token  string
		format string
		err    error
		code   int
	}{
		{name: "missing token", code: http.StatusUnauthorized},
		{name: "unknown format", token: "bt_x", format: "yaml", code: http.StatusBadRequest},
		{name: "bad token", token: "bt_x", err: provisioning.ErrInvalidBootstrapToken, code: http.StatusUnauthorized},
		{name: "not allocated yet", token: "bt_x", err: provisioning.ErrArtifactNotReady, code: http.StatusConflict},
		{name: "store failure", token: "bt_x", err: assert.AnError, code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := new(MockBootstrapper)
			if tc.err != nil {
				b.On("BootstrapConfig", mock.Anything, deviceID, tc.token).Return(nil, tc.err)
			}
			r := setupBootstrapRouter(NewBootstrapHandler(b))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, bootstrapRequest(deviceID, tc.token, tc.format))

			assert.Equal(t, tc.code, w.Code)
			b.AssertExpectations(t)
		})
	}
}

func TestBootstrapConfigInvalidDeviceID(t *testing.T) {
	r := setupBootstrapRouter(NewBootstrapHandler(new(MockBootstrapper)))

	req, _ := http.NewRequest("GET", "/api/v1/bootstrap/nope/config", nil)
	req.Header.Set(BootstrapTokenHeader, "bt_x")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
