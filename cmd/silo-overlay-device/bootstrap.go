package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-overlay/internal/deviceagent"
	"github.com/google/uuid"
)

func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	server := fs.String("server", "", "Server URL (e.g., https://overlay.example.net)")
	deviceID := fs.String("device-id", "", "Device ID returned by the provisioning request")
	token := fs.String("token", "", "Bootstrap token")
	outDir := fs.String("out-dir", "./wireguard", "Directory to write the tunnel configuration to")
	retryInterval := fs.Duration("retry-interval", 5*time.Second, "Wait between attempts while the server allocates the peer")
	maxRetries := fs.Uint64("max-retries", 60, "Attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}
	id, err := uuid.Parse(*deviceID)
	if err != nil {
		return fmt.Errorf("--device-id must be a UUID: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := deviceagent.NewBootstrapper(deviceagent.BootstrapConfig{
		ServerURL:     *server,
		DeviceID:      id,
		Token:         *token,
		RetryInterval: *retryInterval,
		MaxRetries:    *maxRetries,
	}, nil)

	artifact, err := b.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch bootstrap config: %w", err)
	}

	res, err := deviceagent.WriteArtifact(*outDir, artifact, time.Now())
	if err != nil {
		return err
	}

	fmt.Println("Bootstrap successful!")
	fmt.Printf("  Device ID: %s\n", res.DeviceID)
	fmt.Printf("  Interface: %s\n", res.Interface)
	fmt.Printf("  Client IP: %s\n", res.ClientIP)
	fmt.Printf("  wg-quick:  %s\n", res.WGQuickPath)
	fmt.Printf("  RouterOS:  %s\n", res.RouterOSPath)
	fmt.Println()
	fmt.Printf("Bring the tunnel up with: wg-quick up %s\n", res.WGQuickPath)

	return nil
}
