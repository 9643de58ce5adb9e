package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arefin090/finnigram/internal/api"
	"github.com/Arefin090/finnigram/internal/bus"
	"github.com/Arefin090/finnigram/internal/cache"
	"github.com/Arefin090/finnigram/internal/config"
	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/presence"
	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/Arefin090/finnigram/internal/scheduler"
	"github.com/Arefin090/finnigram/internal/service"
	"github.com/Arefin090/finnigram/internal/session"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("finnigram stopped", "error", err)
		os.Exit(1)
	}
}

type storage interface {
	repo.MessageRepository
	repo.ConversationDirectory
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("finnigram starting",
		"addr", cfg.Server.Address,
		"instance", cfg.Hub.Instance,
		"bus", cfg.Bus.Driver,
		"redis", cfg.Redis.Enabled,
		"strict", cfg.Ledger.Strict,
	)

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The guard and registry run degraded until Redis answers.
			logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Address, "error", err)
		}
	}

	eventBus, err := openBus(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	var dir repo.ConversationDirectory = store
	registry := presence.Registry(presence.NewMemoryRegistry())
	guardOpts := session.Options{Secret: []byte(cfg.Auth.JWTSecret), Logger: logger}
	if rdb != nil {
		dir = cache.NewRedisDirectory(store, rdb, time.Minute, logger)
		registry = presence.NewRedisRegistry(rdb, 2*cfg.Hub.HeartbeatTimeout)
		guardOpts.Store = session.NewRedisStore(rdb)
	}

	guard := session.NewGuard(guardOpts)
	led := ledger.New(store, ledger.Options{
		Strict:          cfg.Ledger.Strict,
		AggregateWindow: cfg.Ledger.AggregateWindow,
		Logger:          logger,
	})
	// Messaging publishes on the hub channel through its own broadcaster so
	// the hub can depend on messaging for receipts.
	messaging := service.NewMessaging(store, dir, led,
		presence.NewBroadcaster(eventBus, cfg.Bus.Channel, cfg.Hub.Instance),
		service.Options{ContentMax: cfg.Server.ContentMax, Logger: logger},
	)
	reconciler := service.NewReconciler(store, led, messaging, cfg.Sync.MaxServerUpdates, logger)

	hub := presence.NewHub(presence.Options{
		Auth:             guard,
		Directory:        dir,
		Receipts:         messaging,
		Registry:         registry,
		Bus:              eventBus,
		Channel:          cfg.Bus.Channel,
		Instance:         cfg.Hub.Instance,
		HeartbeatTimeout: cfg.Hub.HeartbeatTimeout,
		PingInterval:     cfg.Hub.PingInterval,
		Metrics:          presence.NewMetrics(prometheus.DefaultRegisterer),
		Logger:           logger,
	})

	jobs, err := newJobs(cfg, led, hub, guard, logger)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Deps{
		Messaging:      messaging,
		Sync:           reconciler,
		Auth:           guard,
		Socket:         hub,
		Metrics:        promhttp.Handler(),
		Jobs:           jobs,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	for _, job := range jobs {
		g.Go(func() error {
			return job.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("finnigram shut down")
	return err
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage, func(), error) {
	if cfg.Database.PostgresURL == config.MemoryDatabase {
		logger.Warn("using in-memory storage; data is lost on exit")
		return repo.NewMemory(), func() {}, nil
	}
	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return repo.NewPostgresMessageRepo(db), func() { _ = db.Close() }, nil
}

func openBus(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusRedis:
		return bus.NewRedis(rdb, logger), nil
	case config.BusNats:
		return bus.DialNats(cfg.Bus.NatsURL, "finnigram-"+cfg.Hub.Instance, logger)
	default:
		return bus.NewMemory(), nil
	}
}

func newJobs(cfg *config.Config, led *ledger.Ledger, hub *presence.Hub, guard *session.Guard, logger *slog.Logger) ([]*scheduler.Scheduler, error) {
	specs := []struct {
		name     string
		interval time.Duration
		job      scheduler.Job
	}{
		{"ledger-prune", cfg.Ledger.CleanupInterval, func(ctx context.Context) error {
			n, err := led.Prune(ctx, cfg.Ledger.Retention)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("status events pruned", "count", n)
			}
			return nil
		}},
		{"presence-sweep", cfg.Hub.PingInterval, func(context.Context) error {
			if n := hub.Sweep(time.Now()); n > 0 {
				logger.Info("stale connections closed", "count", n)
			}
			return nil
		}},
		{"session-prune", cfg.Ledger.CleanupInterval, func(ctx context.Context) error {
			guard.PruneLocal(ctx)
			return nil
		}},
	}

	jobs := make([]*scheduler.Scheduler, 0, len(specs))
	for _, s := range specs {
		job, err := scheduler.New(s.name, s.interval, s.job, logger)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", s.name, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
