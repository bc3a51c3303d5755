package deviceagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"
)

const bootstrapTokenHeader = "X-Bootstrap-Token"

var ErrBootstrapRejected = errors.New("bootstrap token rejected")

type BootstrapConfig struct {
	ServerURL string
	DeviceID  uuid.UUID
	Token     string
	// RetryInterval paces retries while the server is still allocating the peer.
	RetryInterval time.Duration
	MaxRetries    uint64
}

// Bootstrapper fetches the device artifact from the control plane.
type Bootstrapper struct {
	cfg    BootstrapConfig
	client *http.Client
}

func NewBootstrapper(cfg BootstrapConfig, client *http.Client) *Bootstrapper {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 60
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bootstrapper{cfg: cfg, client: client}
}

// Fetch retries while the server answers 409 (peer not allocated yet) or is
// unreachable; a rejected token stops immediately.
func (b *Bootstrapper) Fetch(ctx context.Context) (*tunnel.Artifact, error) {
	backoff := retry.WithMaxRetries(b.cfg.MaxRetries, retry.NewConstant(b.cfg.RetryInterval))

	var artifact *tunnel.Artifact
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, retryable, err := b.fetchOnce(ctx)
		if err != nil {
			if retryable {
				slog.Info("Bootstrap config not ready, retrying", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		artifact = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func (b *Bootstrapper) fetchOnce(ctx context.Context) (*tunnel.Artifact, bool, error) {
	url := fmt.Sprintf("%s/api/v1/bootstrap/%s/config?format=json", strings.TrimRight(b.cfg.ServerURL, "/"), b.cfg.DeviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(bootstrapTokenHeader, b.cfg.Token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusConflict || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server not ready (HTTP %d): %s", resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, ErrBootstrapRejected
	default:
		return nil, false, fmt.Errorf("bootstrap failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var artifact tunnel.Artifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	return &artifact, false, nil
}

// Result is the summary written next to the rendered configs.
type Result struct {
	DeviceID       string   `yaml:"device_id"`
	Interface      string   `yaml:"interface"`
	ClientIP       string   `yaml:"client_ip"`
	Endpoint       string   `yaml:"endpoint"`
	AllowedIPs     []string `yaml:"allowed_ips"`
	WGQuickPath    string   `yaml:"wg_quick_path"`
	RouterOSPath   string   `yaml:"routeros_path"`
	BootstrappedAt string   `yaml:"bootstrapped_at"`
}

// WriteArtifact renders the artifact as wg-quick and RouterOS files plus a
// bootstrap.yaml summary. Private keys make every file owner-only.
func WriteArtifact(dir string, a *tunnel.Artifact, now time.Time) (*Result, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	res := &Result{
		DeviceID:       a.DeviceID.String(),
		Interface:      a.InterfaceName,
		ClientIP:       a.ClientIP.String(),
		Endpoint:       a.Endpoint,
		WGQuickPath:    filepath.Join(dir, a.InterfaceName+".conf"),
		RouterOSPath:   filepath.Join(dir, a.InterfaceName+".rsc"),
		BootstrappedAt: now.UTC().Format(time.RFC3339),
	}
	for _, p := range a.AllowedIPs {
		res.AllowedIPs = append(res.AllowedIPs, p.String())
	}

	if err := os.WriteFile(res.WGQuickPath, []byte(a.WGQuick()), 0600); err != nil {
		return nil, fmt.Errorf("failed to write wg-quick config: %w", err)
	}
	if err := os.WriteFile(res.RouterOSPath, []byte(a.RouterOS()), 0600); err != nil {
		return nil, fmt.Errorf("failed to write RouterOS script: %w", err)
	}

	content, err := yaml.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bootstrap result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bootstrap.yaml"), content, 0600); err != nil {
		return nil, fmt.Errorf("failed to write bootstrap result: %w", err)
	}
	return res, nil
}

// ReadResult loads a bootstrap.yaml written by WriteArtifact.
func ReadResult(dir string) (*Result, error) {
	content, err := os.ReadFile(filepath.Join(dir, "bootstrap.yaml"))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := yaml.Unmarshal(content, &res); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap result: %w", err)
	}
	return &res, nil
}
