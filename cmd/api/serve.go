package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/config"
	"github.com/stowaway/service/internal/db"
	"github.com/stowaway/service/internal/download"
	"github.com/stowaway/service/internal/metrics"
	appMiddleware "github.com/stowaway/service/internal/middleware"
	"github.com/stowaway/service/internal/outbox"
	"github.com/stowaway/service/internal/replication"
	"github.com/stowaway/service/internal/transform"
	"github.com/stowaway/service/internal/tus"
	"github.com/stowaway/service/internal/upload"
	"github.com/stowaway/service/internal/vhost"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// openOutbox returns the Postgres outbox when DATABASE_URL is set and the
// filesystem one otherwise. The returned func releases the database pool.
func openOutbox(ctx context.Context, cfg *config.Config) (*outbox.Outbox, func(), error) {
	if cfg.DatabaseURL == "" {
		fs, err := outbox.NewFS(cfg.OutboxDir)
		if err != nil {
			return nil, nil, err
		}
		return outbox.New(fs), func() {}, nil
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return outbox.New(outbox.NewPostgres(pool)), pool.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	tenants, err := cfg.Tenants()
	if err != nil {
		return err
	}
	reg, err := vhost.NewRegistry(ctx, tenants, nil)
	if err != nil {
		return err
	}

	box, closeOutbox, err := openOutbox(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "outbox")
	}
	defer closeOutbox()
	pending, err := box.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load outbox")
	}

	if err := os.MkdirAll(cfg.LocalDir, 0o750); err != nil {
		return errors.Wrap(err, "create LOCAL_DIR")
	}
	store, err := cache.New(cfg.LocalDir,
		cache.WithCapacity(cfg.ResolveCacheSize(reg.AnyRemote())),
		cache.WithInterval(cfg.EvictionInterval),
		cache.WithPinned(box.Pinned),
	)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dir":      store.Root(),
		"capacity": store.Capacity(),
		"entries":  store.Len(),
		"used":     store.Used(),
	}).Info("cache ready")

	pool := transform.NewPool(cfg.PoolSize, cfg.PoolTimeout, transform.NewEngine(cfg.WorkingSize, store))
	defer pool.Close()

	retry := replication.ConstantBackoff(cfg.EvictionInterval / 3)
	if cfg.ReplicationBackoff == "exponential" {
		retry = replication.ExponentialBackoff(time.Second)
	}
	queue := replication.New(store, box, replication.Options{
		Workers:     cfg.ReplicationWorkers,
		MaxAttempts: cfg.ReplicationMaxAttempts,
		Backoff:     retry,
	})
	for _, e := range pending {
		vh := reg.Snapshot(e.Tenant)
		if vh.Remote == nil {
			log.WithFields(log.Fields{"tenant": e.Tenant, "path": e.Path}).Warn("outbox: tenant has no remote store, dropping marker")
			if err := box.Clear(ctx, e.Tenant, e.Path); err != nil {
				log.Errorf("outbox: %v", err)
			}
			continue
		}
		queue.Created(ctx, vh, e.Path)
	}
	if len(pending) > 0 {
		log.Infof("outbox: re-enqueued %d pending uploads", len(pending))
	}

	views := download.NewHandler(store, pool, cfg.RemoteTimeout, "")
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router(reg, store, queue, views, cfg),
		ReadTimeout: 15 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return views.Run(gctx) })
	g.Go(func() error {
		log.Infof("server listening on :%s (env=%s)", cfg.Port, cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func router(reg *vhost.Registry, store *cache.Store, queue *replication.Queue, views *download.Handler, cfg *config.Config) http.Handler {
	uploads := upload.NewHandler(store, queue, upload.NewFetcher(cfg.UserAgent, ""))
	resumable := tus.NewHandler(store, queue)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger)
	r.Use(appMiddleware.Exception)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Tenant(reg))

		r.HandleFunc("/upload", uploads.Upload)
		r.With(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		})).HandleFunc("/upload_url", uploads.UploadURL)
		r.With(appMiddleware.RequireSignature).Delete("/delete", uploads.Delete)
		r.Options("/delete", preflight)
		r.With(appMiddleware.RequireSignature).Post("/backup", uploads.Backup)
		r.Options("/backup", preflight)
		r.Handle("/tus/files", resumable)

		view := r.With(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			ExposedHeaders: []string{"Content-Length", "Content-Range"},
			MaxAge:         300,
		}))
		view.Get("/view/*", views.ServeHTTP)
		view.Head("/view/*", views.ServeHTTP)
		view.Options("/view/*", preflight)
	})
	return r
}

// preflight answers OPTIONS with the tenant's CORS headers only.
func preflight(w http.ResponseWriter, r *http.Request) {
	vhost.FromContext(r.Context()).SetCORS(w.Header())
	w.WriteHeader(http.StatusOK)
}
