package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keymint/internal/config"
	"keymint/internal/infrastructure"
	"keymint/internal/issuance"
	custommw "keymint/internal/middleware"
	"keymint/internal/registry"
	transport "keymint/internal/transport/http"
)

const (
	AppName = "licensed"
	Version = "1.0.0"
)

// Application wires together the registry store, the issuance service,
// and the HTTP surface.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	Router   *chi.Mux
	Server   *http.Server
	Store    *registry.Store
	Issuance *issuance.Service

	otel      *infrastructure.OTelProviders
	publisher *registry.Publisher
}

// NewApplication constructs the application from loaded configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.License.PrivateKey == "" {
		return nil, fmt.Errorf("license.private_key is required to run the server")
	}
	if cfg.Webhook.Secret == "" {
		return nil, fmt.Errorf("webhook.secret is required to run the server")
	}

	providers, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store := registry.NewStore(
		cfg.License.RegistryDir,
		cfg.License.PrivateKey,
		cfg.License.PublicKey,
		cfg.License.KeyID,
		logger,
	)

	var publisher *registry.Publisher
	if cfg.Publish.Bucket != "" {
		publisher, err = registry.NewPublisher(context.Background(),
			cfg.Publish.Bucket, cfg.Publish.Object, cfg.Publish.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create registry publisher: %w", err)
		}
	}

	plans, err := cfg.PlanMap()
	if err != nil {
		return nil, err
	}

	metrics, err := issuance.InitializeMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize issuance metrics: %w", err)
	}

	var svcPublisher issuance.RegistryPublisher
	if publisher != nil {
		svcPublisher = publisher
	}
	svc, err := issuance.NewService(issuance.Config{
		WebhookSecret:      cfg.Webhook.Secret,
		SignatureTolerance: cfg.Webhook.SignatureTolerance,
		PrivateKey:         cfg.License.PrivateKey,
		KeyID:              cfg.License.KeyID,
		VersionSalt:        cfg.Webhook.VersionSalt,
		Plans:              plans,
	}, store, svcPublisher, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create issuance service: %w", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Issuance:  svc,
		otel:      providers,
		publisher: publisher,
	}
	app.setupRouter()
	app.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        app.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return app, nil
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.Compress(5))
	if a.Config.Security.RateLimit.Enabled {
		r.Use(custommw.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}
	r.Use(custommw.Timeout(a.Config.Server.RequestTimeout, a.Logger))

	registryHandler := transport.NewRegistryHandler(a.Store, a.Logger)
	webhookHandler := transport.NewWebhookHandler(a.Issuance, a.Logger)
	healthHandler := transport.NewHealthHandler(a.Store, a.Logger)
	statusHandler := transport.NewStatusHandler(a.Store, a.Config.Security.StatusToken, a.Logger)

	// The public registry is fetched by every installed client, so it
	// is open to any origin but behind the strict per-IP window.
	r.Group(func(r chi.Router) {
		r.Use(custommw.CORS(custommw.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}))
		r.Use(custommw.NewSlidingWindowLimiter(custommw.StrictRateLimit(), a.Logger).Handler)
		r.Get("/registry/public.json", registryHandler.ServePublic)
	})

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Post("/webhook", webhookHandler.Handle)
		r.Get("/status", statusHandler.Status)
	})

	r.Group(func(r chi.Router) {
		r.Use(custommw.NewSlidingWindowLimiter(custommw.PermissiveRateLimit(), a.Logger).Handler)
		r.Get("/health", healthHandler.HealthCheck)
	})

	r.Method(http.MethodGet, "/metrics", a.otel.PrometheusHTTP)

	a.Router = r
}

// Start runs the HTTP server and the issuance write queue until the
// context is canceled or either fails.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("registry_dir", a.Config.License.RegistryDir),
		slog.Bool("publish_enabled", a.publisher != nil))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Issuance.Run(ctx)
	})

	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully shuts down the HTTP server and flushes metrics.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.otel != nil {
		if err := a.otel.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down metrics provider",
				slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing log file",
			slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted.
func (a *Application) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := a.Start(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// waitForReady polls the health endpoint until the server answers or
// the timeout elapses. Used by tests and the CLI's --wait flag.
func waitForReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	healthURL := baseURL + "/health"
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not become ready within %s", baseURL, timeout)
}
