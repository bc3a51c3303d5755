package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-overlay/internal/api/http"
	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Overlay Server", "version", AppVersion)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := db.RunMigrations(config.DB.Url); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := db.InitDB(ctx, config.DB)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	tenantStore := tenancy.NewStore(pool)
	tenantManager := tenancy.NewManager(tenantStore, config.DB.Url)
	if err := tenantManager.MigrateAll(ctx); err != nil {
		slog.Error("Failed to migrate tenant namespaces", "error", err)
		os.Exit(1)
	}
	switcher := tenancy.NewSwitcher(tenantStore, tenancy.NewPgUnitOfWork(pool))

	var (
		applier    tunnel.PeerApplier
		stats      tunnel.StatsSource
		handshakes connectivity.HandshakeSource
	)
	if config.Tunnel.Kernel {
		kernel, err := tunnel.OpenKernel()
		if err != nil {
			slog.Error("Failed to open WireGuard control socket", "error", err)
			os.Exit(1)
		}
		defer kernel.Close()
		applier, stats, handshakes = kernel, kernel, kernel
	} else {
		slog.Warn("Kernel WireGuard disabled, peers are persisted but not applied")
	}

	tunnelStore := tunnel.NewPgStore()
	tunnelService, err := tunnel.NewService(config.Tunnel.Config, switcher, tunnelStore, ipam.NewPgStore(), ipam.NewAllocator(ipam.NewPgStore()), applier)
	if err != nil {
		slog.Error("Invalid tunnel configuration", "error", err)
		os.Exit(1)
	}

	deviceClient, err := devicerpc.NewGRPCClient(config.Device)
	if err != nil {
		slog.Error("Failed to create device RPC client", "error", err)
		os.Exit(1)
	}
	defer deviceClient.Close()

	archive, err := openArchive(config.Provisioning.ArchivePath)
	if err != nil {
		slog.Error("Failed to open provisioning archive", "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	deviceService := devices.NewService()
	hub := events.NewHub(config.Events.Buffer)
	verifier := connectivity.NewVerifier(
		config.Connectivity,
		deviceClient,
		handshakes,
		provisioning.NewRecorder(switcher, deviceService, tunnelService),
	)

	orchestrator := provisioning.NewOrchestrator(config.Provisioning.Config, provisioning.Dependencies{
		Scoper:     switcher,
		Devices:    deviceService,
		Tunnels:    tunnelService,
		Verifier:   verifier,
		Discoverer: deviceClient,
		Publisher:  hub,
		Archive:    archive,
	})
	orchestrator.Start()

	if stats != nil {
		refresher := tunnel.NewStatsRefresher(tenantStore, switcher, tunnelStore, stats, config.Tunnel.StatsRefresh)
		go refresher.Run(ctx)
	}

	services := &internalhttp.Services{
		Provisioner:  orchestrator,
		Bootstrapper: orchestrator,
		Events:       hub,
		Tenants:      tenantManager,
		Runs:         orchestrator,
		Pools:        tunnelService,
		Tokens:       auth.NewService(tenantStore, config.JWT),
		JWTSecret:    config.JWT.JWTSecret,
		AdminAPIKey:  config.Http.AdminAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key", "X-Bootstrap-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	stop()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orchestrator.Stop(ctx); err != nil {
			slog.Error("Provisioning shutdown error", "error", err)
		} else {
			slog.Info("Provisioning workers stopped")
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}

func openArchive(path string) (*provisioning.BoltArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return provisioning.OpenBoltArchive(path)
}
