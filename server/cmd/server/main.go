package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rotortrack/rotortrack/server/internal/alerts"
	"github.com/rotortrack/rotortrack/server/internal/api"
	"github.com/rotortrack/rotortrack/server/internal/auth"
	"github.com/rotortrack/rotortrack/server/internal/config"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
	"github.com/rotortrack/rotortrack/server/internal/store"
	"github.com/rotortrack/rotortrack/server/internal/store/memory"
	"github.com/rotortrack/rotortrack/server/internal/store/postgres"
	"github.com/rotortrack/rotortrack/server/internal/store/sqlite"
	"github.com/rotortrack/rotortrack/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file; empty uses defaults and ROTORTRACK_* env vars")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config when present")
	uiDir := flag.String("ui-dir", "", "serve static UI files from this directory; leave empty to disable")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	slog.Info("rotortrack-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"storage", cfg.Storage.Driver,
		"webhooks", len(cfg.Alerts.Webhooks),
		"log_level", cfg.Log.Level,
	)
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.Key() == "" {
		slog.Warn("auth mode is apikey but the key env var is empty; mutating routes are open",
			"key_env", cfg.Server.Auth.KeyEnv)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	builder := fleet.NewBuilder(st)

	// Alerts engine: fed after every write that changes a projection.
	alertEngine := alerts.New(cfg.Alerts)
	primeAlerts(ctx, builder, alertEngine)

	// Hot reload: log level and webhook targets only. Ports, auth and
	// storage need a restart.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				level.Set(next.Log.SlogLevel())
				alertEngine.SetWebhooks(next.Alerts.Webhooks)
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	apiKey := auth.APIKey(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	apiRoutes := api.New(st, builder, alertEngine)
	apiHandler := apiKey(apiRoutes)

	// Live fleet stream: full snapshot on connect, then events after writes.
	hub := ws.New(apiRoutes.FleetMessage)
	apiRoutes.SetPublisher(hub)
	go hub.Run(ctx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/metrics", apiHandler)
	httpMux.Handle("/ws/fleet", hub)

	// Optional: serve a pre-built UI from a local directory. Unknown paths
	// fall back to index.html.
	if *uiDir != "" {
		files := http.FileServer(http.Dir(*uiDir))
		httpMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := *uiDir + r.URL.Path
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, r, *uiDir+"/index.html")
				return
			}
			files.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", *uiDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("rotortrack-server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

// openStore opens the backend selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory store; data is lost on exit")
		return memory.New(), nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite store opened", "path", cfg.Path)
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// primeAlerts evaluates the stored fleet once so rotors already in alert at
// startup are tracked. Webhooks fire for them as on any first evaluation.
func primeAlerts(ctx context.Context, b *fleet.Builder, eng *alerts.Engine) {
	snaps, err := b.Snapshot(ctx)
	if err != nil {
		slog.Error("initial alert evaluation failed", "err", err)
		return
	}
	for _, s := range snaps {
		eng.Evaluate(ctx, s)
	}
	slog.Info("initial alert evaluation done", "buses", len(snaps), "firing", eng.FiringCount())
}
