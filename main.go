// Command chat-harvester schedules and runs live chat collection for many
// concurrent broadcasts. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the enabled roles: scheduler (catalog reconciliation, job
//     admission, lifecycle event handling), worker (stream ingestion),
//     cleanup (event row retention), and a YouTube metadata refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/catalog"
	"github.com/onnwee/chat-harvester/cleanup"
	"github.com/onnwee/chat-harvester/config"
	"github.com/onnwee/chat-harvester/db"
	"github.com/onnwee/chat-harvester/queue"
	"github.com/onnwee/chat-harvester/scheduler"
	"github.com/onnwee/chat-harvester/server"
	"github.com/onnwee/chat-harvester/stream"
	"github.com/onnwee/chat-harvester/telemetry"
	"github.com/onnwee/chat-harvester/worker"
	"github.com/onnwee/chat-harvester/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-harvester", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.ConnectDSN(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as the
	// fallback for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New(database, cfg.StallInterval)
	store := broadcast.NewStore(database)

	roles := os.Getenv("HARVESTER_ROLES")
	if roles == "" {
		roles = "scheduler,worker,cleanup"
	}
	slog.Info("starting roles", slog.String("roles", roles))

	var wg sync.WaitGroup

	if roleEnabled(roles, "scheduler") {
		if err := cfg.ValidateCatalogReady(); err != nil {
			slog.Error("scheduler role requires catalog credentials", slog.Any("err", err))
			os.Exit(1)
		}
		cat := &catalog.Client{APIKey: cfg.CatalogAPIKey, BaseURL: cfg.CatalogBaseURL, Org: cfg.CatalogOrg}
		sched := scheduler.New(cat, q, store, *cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scheduler stopped fatally", slog.Any("err", err))
				stop()
			}
		}()

		// Job lifecycle events and the broadcast change feed each hold a
		// dedicated LISTEN connection. Losing one for good means running
		// blind, so that shuts the process down.
		listener := &queue.Listener{DSN: cfg.DBDsn}
		go func() {
			if err := listener.Watch(ctx, func(ev queue.Event) { sched.HandleJobEvent(ctx, ev) }); err != nil && ctx.Err() == nil {
				slog.Error("job event listener died", slog.Any("err", err))
				stop()
			}
		}()
		feed := &broadcast.Feed{DSN: cfg.DBDsn}
		go func() {
			if err := feed.Watch(ctx, func(ch broadcast.Change) { sched.HandleBroadcastChange(ctx, ch) }); err != nil && ctx.Err() == nil {
				slog.Error("broadcast feed listener died", slog.Any("err", err))
				stop()
			}
		}()
	}

	if roleEnabled(roles, "worker") {
		if err := cfg.ValidateTwitchReady(); err != nil {
			slog.Error("worker role requires chat credentials", slog.Any("err", err))
			os.Exit(1)
		}
		client := &stream.TwitchClient{Username: cfg.TwitchBotUsername, OAuthToken: cfg.TwitchOAuthToken}
		w := worker.New(q, store, worker.NewActions(database), client, *cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("worker stopped fatally", slog.Any("err", err))
				stop()
			}
		}()
	}

	if roleEnabled(roles, "cleanup") {
		cleaner := &cleanup.Cleaner{DB: database, Store: store, Interval: cfg.CleanupInterval, Grace: cfg.CleanupGrace}
		go func() {
			_ = cleaner.Run(ctx) //nolint:errcheck // exits on ctx cancel
		}()
	}

	// Metadata refresher is optional; the catalog alone keeps rows usable.
	if roleEnabled(roles, "scheduler") && cfg.YouTubeAPIKey != "" {
		svc, err := youtubeapi.New(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			slog.Error("youtube service init failed", slog.Any("err", err))
			os.Exit(1)
		}
		refresher := &youtubeapi.Refresher{Service: svc, Store: store, Interval: cfg.ScheduleInterval}
		go func() {
			_ = refresher.Run(ctx) //nolint:errcheck // exits on ctx cancel
		}()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down, draining jobs", slog.Duration("timeout", cfg.ShutdownTimeout))

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("shutdown complete")
	case <-time.After(cfg.ShutdownTimeout):
		slog.Warn("shutdown timeout exceeded, exiting with jobs still in flight")
	}
}

func roleEnabled(roles, name string) bool {
	for _, r := range strings.Split(roles, ",") {
		if strings.TrimSpace(r) == name {
			return true
		}
	}
	return false
}
