package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devdeck/devdeck/internal/descriptor"
	"github.com/devdeck/devdeck/internal/devcontainer"
	"github.com/devdeck/devdeck/internal/events"
	"github.com/devdeck/devdeck/internal/httpapi"
	"github.com/devdeck/devdeck/internal/logbuf"
	"github.com/devdeck/devdeck/internal/orchestrator"
	"github.com/devdeck/devdeck/internal/procman"
	"github.com/devdeck/devdeck/internal/registry"
	"github.com/devdeck/devdeck/pkg/config"
	"github.com/devdeck/devdeck/pkg/logger"
)

// serveCmd runs the engine until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and its localhost HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides config, localhost only)")
	serveCmd.Flags().String("state-dir", "", "Registry state directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadEngineConfig()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if stateDir, _ := cmd.Flags().GetString("state-dir"); stateDir != "" {
		cfg.StateDir = stateDir
	}
	log := logger.New("devdeck", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := registry.NewStore(cfg.StateDir, cfg.PortRangeBase, cfg.PortRangeWidth, cfg.DebugPortRangeBase, log)
	if err != nil {
		log.Error("failed to open project registry", "error", err)
		os.Exit(1)
	}

	engineClient, err := devcontainer.NewEngineClient(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create container engine client", "error", err)
		os.Exit(1)
	}
	defer engineClient.Close()

	cache := devcontainer.NewStatusCache(engineClient, cfg.StatusCacheTTL)
	containers := devcontainer.NewSupervisor(cfg.DevcontainerBin, engineClient, cache, log)
	native := procman.NewSupervisor(log, cfg.StopGracePeriod)
	logs := logbuf.NewManager(cfg.LogBufferMax)
	hub := events.NewHub(log)

	orch := orchestrator.New(
		store,
		registry.FileConfigs{},
		native,
		containers,
		descriptor.NewGenerator(),
		logs,
		hub,
		devcontainer.BuildContainerName,
		log,
	)

	router := httpapi.NewRouter(log, orch, hub, httpapi.NewMemoryRateLimiter())
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine api starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if n := native.StopAll(); n > 0 {
			log.Info("stopping supervised services", "count", n)
		}
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
	return nil
}
