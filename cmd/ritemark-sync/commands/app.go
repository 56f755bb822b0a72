// Package commands implements the ritemark-sync command line.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/jarmo-productory/ritemark-sync/cache"
	"github.com/jarmo-productory/ritemark-sync/config"
	"github.com/jarmo-productory/ritemark-sync/credential"
	"github.com/jarmo-productory/ritemark-sync/devicekey"
	"github.com/jarmo-productory/ritemark-sync/drive"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/observability"
	"github.com/jarmo-productory/ritemark-sync/remote"
	"github.com/jarmo-productory/ritemark-sync/settings"
	"github.com/jarmo-productory/ritemark-sync/storage"
)

// otelShutdownTimeout is the timeout for shutting down OpenTelemetry providers.
const otelShutdownTimeout = 5 * time.Second

// engine holds the wired components shared by the commands.
type engine struct {
	cfg         *config.Config
	otel        *observability.OTelProviders
	store       *storage.Store
	httpClient  *http.Client
	credentials *credential.Store
	remote      *remote.Client
	drive       *drive.Client
	files       *cache.FileCache
	settings    *settings.Synchronizer

	reauthRequired atomic.Bool
}

// openEngine loads configuration, unlocks the local database and wires the
// engine. Close must be called on success.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log.InitializeLogger(cfg.DebugLogging)

	providers, err := observability.InitializeOTel(ctx, observability.OTelConfig{
		ServiceName:    cfg.ServiceName,
		MetricsEnabled: cfg.MetricsEnabled,
		TracingEnabled: cfg.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	eng := &engine{cfg: cfg, otel: providers, httpClient: remote.NewHTTPClient()}

	if err := eng.openStorage(ctx); err != nil {
		eng.shutdownOTel()

		return nil, err
	}

	if err := eng.wire(ctx); err != nil {
		eng.Close()

		return nil, err
	}

	return eng, nil
}

func (e *engine) openStorage(ctx context.Context) error {
	params, err := e.cfg.StorageKDFParams()
	if err != nil {
		return err //nolint:wrapcheck // already annotated
	}

	seed, err := e.cfg.Seed(os.Stderr)
	if err != nil {
		return err //nolint:wrapcheck // already annotated
	}
	defer clear(seed)

	store, err := storage.Open(ctx, e.cfg.DataPath, seed, params)
	if err != nil {
		log.Error(ctx, err, "Failed to initialize storage", "data_path", e.cfg.DataPath)

		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	e.store = store

	return nil
}

func (e *engine) wire(ctx context.Context) error {
	key, err := devicekey.LoadOrCreate(ctx, e.store)
	if err != nil {
		return fmt.Errorf("failed to load device key: %w", err)
	}

	var renewers []credential.Renewer

	if e.cfg.BackendURL != "" {
		renewers = append(renewers, credential.NewBackendRenewal(e.cfg.BackendURL, e.httpClient))
	}

	if oauthConfig, err := e.cfg.OAuth2Config(); err == nil {
		renewers = append(renewers, credential.NewDirectRenewal(oauthConfig, e.httpClient))
	} else {
		log.Warn(ctx, "Direct renewal disabled", "error", err)
	}

	e.credentials = credential.New(e.store, key, renewers, credential.Options{LeadTime: e.cfg.RenewalLeadTime})
	if err := e.credentials.Start(ctx); err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	opts := e.cfg.RemoteOptions()
	opts.HTTPClient = e.httpClient

	e.remote = remote.New(e.credentials, remote.ReauthenticatorFunc(e.requestReauthentication), opts)
	e.drive = drive.New(e.remote, e.cfg.DriveAPIBase)
	e.files = cache.New(e.store)
	e.settings = settings.New(e.store, key, settings.NewDriveRemote(e.drive), e.credentials, settings.Options{
		Interval: e.cfg.SettingsSyncInterval,
	})

	return nil
}

func (e *engine) requestReauthentication(ctx context.Context, cause error) {
	if e.reauthRequired.CompareAndSwap(false, true) {
		log.Warn(ctx, "Sign-in required, run `ritemark-sync login`", "error", cause)
	}
}

// Close stops background work and releases the database.
func (e *engine) Close() {
	if e.settings != nil {
		e.settings.Close()
	}

	if e.credentials != nil {
		e.credentials.Stop()
	}

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Error(context.Background(), err, "Failed to close storage")
		}
	}

	e.shutdownOTel()
}

func (e *engine) shutdownOTel() {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()

	if err := e.otel.Shutdown(ctx); err != nil {
		log.Error(ctx, err, "Failed to shutdown OpenTelemetry providers")
	}
}
