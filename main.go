package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"ascend.software/storefront/handlers"
	"ascend.software/storefront/internal/auth"
	"ascend.software/storefront/internal/checkout"
	"ascend.software/storefront/internal/config"
	"ascend.software/storefront/internal/email"
	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/internal/paypal"
	"ascend.software/storefront/internal/ratelimit"
	"ascend.software/storefront/storage"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	_ = godotenv.Load()

	app := &cli.App{
		Name:    "storefront",
		Usage:   "PayPal checkout and license service",
		Version: version,
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "datastore",
						Usage:    "Datastore `URL` (postgres:// or sqlite://)",
						EnvVars:  []string{"SUPABASE_DB_URL", "SUPABASE_URL"},
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					return storage.Migrate(c.Context, c.String("datastore"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("Exiting", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.Version == "dev" {
		cfg.Version = version
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          cfg.Version,
		TracesSampleRate: 1.0,
	}); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatastoreURL, cfg.DatastoreServiceKey)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer store.Close()

	proxies, err := config.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	opts := handlers.Options{
		Storage: store,
		Gateway: paypal.NewClient(paypal.Config{
			ClientID:  cfg.PayPalClientID,
			SecretKey: cfg.PayPalSecretKey,
			BaseURL:   cfg.PayPalBaseURL,
		}),
		Verifier:       auth.NewVerifier(cfg.AuthJWTSecret),
		TrustedProxies: proxies,
		BrandName:      cfg.BrandName,
		Version:        cfg.Version,
	}

	// A nil *Mailer must not end up inside the interface.
	if mailer := email.NewMailer(cfg); mailer != nil {
		opts.Mailer = checkout.Mailer(mailer)
	}
	if cfg.RateLimitRequests > 0 {
		opts.Limiter = ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if !cfg.AuthEnabled() {
		logger.Warn("SUPABASE_JWT_SECRET not set, every request is anonymous")
	}

	server := handlers.NewHttpServer(opts)
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           sentryHandler.Handle(server),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Storefront API starting", map[string]interface{}{
			"version":       cfg.Version,
			"port":          cfg.Port,
			"email_enabled": cfg.EmailEnabled(),
			"auth_enabled":  cfg.AuthEnabled(),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
