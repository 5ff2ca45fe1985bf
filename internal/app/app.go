// Package app builds the document store, identity provider and metrics of a barter process
// from its configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/datastore"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/panyam/barter"
	"github.com/panyam/barter/internal/config"
	"github.com/panyam/barter/internal/metrics"
	"github.com/panyam/barter/providers/firebase"
	"github.com/panyam/barter/providers/local"
	"github.com/panyam/barter/stores/firestore"
	"github.com/panyam/barter/stores/fs"
	"github.com/panyam/barter/stores/gae"
	gormstore "github.com/panyam/barter/stores/gorm"
)

// App holds the long lived components shared by every session of a process
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *barter.DocStore
	Provider barter.AuthProvider
	Metrics  *metrics.Collector
	Registry *prometheus.Registry

	closers []func() error
}

// NewLogger returns a text logger at level (debug, info, warn, error)
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// New opens the configured backend and identity provider
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Metrics = metrics.NewCollector(a.Registry)

	backend, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = barter.NewDocStore(backend,
		barter.WithLogger(logger),
		barter.WithObserver(a.Metrics),
		barter.WithPollInterval(cfg.WatchPollInterval))

	if a.Provider, err = a.openProvider(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("barter initialized", "backend", cfg.Backend, "auth", cfg.AuthProvider)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (barter.DocumentBackend, error) {
	cfg := a.Config
	switch cfg.Backend {
	case config.BackendFS:
		if err := os.MkdirAll(cfg.StoragePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return fs.NewFSDocumentStore(cfg.StoragePath), nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.GCPProject, cfg.FirestoreEmulatorHost)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return firestore.NewDocumentStore(client, a.Logger), nil

	case config.BackendDatastore:
		client, err := datastore.NewClient(ctx, cfg.GCPProject)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to datastore: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gae.NewDocumentStore(client, cfg.DatastoreNamespace), nil

	case config.BackendGorm:
		db, err := gormstore.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return gormstore.NewDocumentStore(db)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (a *App) openProvider(ctx context.Context) (barter.AuthProvider, error) {
	cfg := a.Config
	switch cfg.AuthProvider {
	case config.AuthFirebase:
		return firebase.NewProvider(ctx, firebase.Config{
			APIKey:     cfg.FirebaseAPIKey,
			Endpoint:   cfg.FirebaseAuthEndpoint,
			RequestURI: cfg.BaseURL,
			Logger:     a.Logger,
		})
	case config.AuthLocal:
		return &local.Provider{
			Store:              a.Store,
			JWTSecretKey:       cfg.JWTSecret,
			Issuer:             cfg.JWTIssuer,
			IDTokenExpiry:      cfg.IDTokenTTL,
			RefreshTokenExpiry: cfg.RefreshTokenTTL,
			BcryptCost:         cfg.BcryptCost,
			Policy:             local.PasswordPolicy{MinPasswordLength: cfg.MinPasswordLength},
			EmailSender:        &local.ConsoleEmailSender{Logger: a.Logger},
			BaseURL:            strings.TrimSuffix(cfg.BaseURL, "/"),
			GoogleClientID:     cfg.GoogleClientID,
			Logger:             a.Logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
}

// NewIdentity creates an identity service over the shared provider
func (a *App) NewIdentity(opts ...barter.IdentityOption) *barter.IdentityService {
	opts = append([]barter.IdentityOption{
		barter.WithIdentityLogger(a.Logger),
		barter.WithIdentityObserver(a.Metrics),
	}, opts...)
	return barter.NewIdentityService(a.Provider, opts...)
}

// NewSession creates a session over a fresh identity service.  Start it before use.
func (a *App) NewSession(opts ...barter.IdentityOption) *barter.Session {
	return barter.NewSession(a.NewIdentity(opts...), a.Store, a.Logger)
}

// MetricsHandler serves the process metrics for Prometheus scrapes
func (a *App) MetricsHandler() http.Handler {
	return metrics.Handler(a.Registry)
}

// CredentialKey names this deployment's slot in a client credentials file
func (a *App) CredentialKey() string {
	if a.Config.AuthProvider == config.AuthFirebase {
		return "firebase:" + a.Config.GCPProject
	}
	return "local:" + a.Config.BaseURL
}

// Close releases backend connections
func (a *App) Close() error {
	if a.Store != nil {
		a.Store.Close()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
