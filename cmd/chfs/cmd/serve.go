package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/chfs-io/chfs/internal/api"
	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/metrics"
	"github.com/chfs-io/chfs/internal/middleware"
	"github.com/chfs-io/chfs/internal/pathutil"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/rules"
	"github.com/chfs-io/chfs/internal/slogutil"
	"github.com/chfs-io/chfs/internal/storage"
	"github.com/chfs-io/chfs/internal/transfer"
	"github.com/chfs-io/chfs/internal/webdav"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chfs server",
		Long:  `Start the chfs file server using configuration from a YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Dynamic JSON stores live next to the config file.
	dataDir := filepath.Join(filepath.Dir(configFile), "data")
	manager := config.NewManager(configFile, dataDir)

	cfg, err := manager.Load()
	if err != nil {
		slog.Default().Error("failed to load config", "file", configFile, "err", err)
		return err
	}

	logger, leveler := slogutil.SetupLogRotation(cfg.Log)
	if debugMode {
		leveler.SetLevel(slog.LevelDebug)
	}
	slog.SetDefault(logger)

	logger.Info("Starting chfs server",
		"version", Version,
		"config", manager.ConfigFile(),
		"shares", len(cfg.Shares),
		"users", len(cfg.Users),
		"log_file", cfg.Log.File)

	manager.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if debugMode {
			return
		}
		if oldConfig != nil && oldConfig.Log.Level != newConfig.Log.Level {
			leveler.SetLevel(slogutil.ParseLevel(newConfig.Log.Level))
			logger.Info("Log level updated", "level", newConfig.Log.Level)
		}
	})

	for _, share := range cfg.Shares {
		if err := pathutil.CheckDirectoryWritable(share.Path); err != nil {
			logger.Error("share directory not usable", "share", share.Name, "err", err)
			return err
		}
	}

	getter := manager.GetConfigGetter()
	collector := metrics.NewCollector()
	quotaManager := quota.NewManager()
	gateway := storage.NewGateway(getter, quotaManager)
	evaluator := rules.NewEvaluator(getter)
	authService := auth.NewService(getter)

	transfers, err := transfer.NewStore(filepath.Join(dataDir, "direct_transfers"))
	if err != nil {
		logger.Error("failed to open direct transfer store", "err", err)
		return err
	}

	mux := http.NewServeMux()

	api.NewServer(&api.Config{Prefix: "/api"}, manager, gateway, evaluator, quotaManager, transfers, collector, mux)
	logger.Info("API server enabled", "prefix", "/api")

	if cfg.DAVEnabled() {
		mountPath := cfg.DAV.MountPath
		if mountPath == "" {
			mountPath = "/webdav"
		}
		davHandler := webdav.NewHandler(mountPath, getter, evaluator, quotaManager, collector)
		mux.Handle(mountPath, davHandler)
		mux.Handle(mountPath+"/", davHandler)
		logger.Info("WebDAV enabled", "mount", mountPath)
	} else {
		logger.Info("WebDAV disabled in configuration")
	}

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", collector.Handler())

	pipeline := middleware.NewPipeline(getter, authService, collector)
	manager.OnConfigChange(pipeline.OnConfigChange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New()
	if err := quotaManager.ScheduleRefresh(scheduler, getter); err != nil {
		logger.Error("failed to schedule quota refresh", "err", err)
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if hotReload && cfg.HotReloadEnabled() {
		watcher := config.NewWatcher(manager, time.Duration(cfg.HotReload.DebounceMs)*time.Millisecond, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("failed to start config watcher", "err", err)
			return err
		}
		defer watcher.Stop()
	}

	host := cfg.Server.Addr
	if bindHost != "" {
		host = bindHost
	}
	port := cfg.Server.Port
	if bindPort > 0 {
		port = bindPort
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:      pipeline.Wrap(mux),
		IdleTimeout:  time.Minute * 5,
		WriteTimeout: time.Minute * 30,
		ReadTimeout:  time.Minute * 5,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", server.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "err", err)
		return err
	}

	logger.Info("chfs server shut down gracefully")
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"version": Version,
	})
}
