package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jarmo-productory/ritemark-sync/credential"
	"github.com/jarmo-productory/ritemark-sync/document"
	"github.com/jarmo-productory/ritemark-sync/health"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/observability"
	"github.com/jarmo-productory/ritemark-sync/scheduler"
	"github.com/jarmo-productory/ritemark-sync/watch"
)

const (
	serverReadTimeout       = 15 * time.Second
	serverWriteTimeout      = 15 * time.Second
	serverIdleTimeout       = 30 * time.Second
	gracefulShutdownTimeout = 15 * time.Second
)

// statusReport is the /status response.
type statusReport struct {
	Credentials    credential.Status `json:"credentials"`
	ReauthRequired bool              `json:"reauth_required"`
	NetworkOnline  bool              `json:"network_online"`
	Document       documentStatus    `json:"document"`
	Settings       settingsStatus    `json:"settings"`
}

type documentStatus struct {
	RemoteID string                `json:"remote_id,omitempty"`
	Name     string                `json:"name"`
	Pending  bool                  `json:"pending"`
	Save     scheduler.StatusEvent `json:"save"`
}

type settingsStatus struct {
	LastSyncTime time.Time `json:"lastSyncTime,omitzero"`
	IsSyncing    bool      `json:"isSyncing"`
}

func (e *engine) statusServer(session *document.Session, monitor *watch.NetworkMonitor) *http.Server {
	manager := health.NewManager(e.cfg.ServiceName)
	manager.AddChecker(health.NewStorageChecker(e.store))
	manager.AddChecker(health.NewCredentialChecker(e.credentials))
	manager.AddChecker(health.NewSyncChecker(e.settings, monitor, e.cfg.SettingsSyncInterval))

	healthHandler := health.NewHTTPHandler(manager)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", healthHandler.LivenessHandler)
	mux.HandleFunc("GET /health/ready", healthHandler.ReadinessHandler)

	if e.otel.PrometheusHTTP != nil {
		mux.Handle("GET /metrics", e.otel.PrometheusHTTP)
	}

	mux.HandleFunc("GET /status", func(writer http.ResponseWriter, request *http.Request) {
		report := statusReport{
			Credentials:    e.credentials.Status(),
			ReauthRequired: e.reauthRequired.Load(),
			NetworkOnline:  monitor.Online(),
			Document: documentStatus{
				RemoteID: session.RemoteID(),
				Name:     session.Name(),
				Pending:  session.HasPendingChanges(),
				Save:     session.Status(),
			},
			Settings: settingsStatus{
				LastSyncTime: e.settings.LastSyncTime(),
				IsSyncing:    e.settings.IsSyncing(),
			},
		}

		writer.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(writer).Encode(report); err != nil {
			log.Error(request.Context(), err, "Failed to encode status response")
		}
	})

	// Order: CorrelationID -> Logging -> Metrics -> Tracing -> mux
	handler := log.CorrelationIDMiddleware(
		log.LoggingMiddleware(
			observability.MetricsMiddleware(
				observability.TracingMiddleware(mux),
			),
		),
	)

	return &http.Server{
		Addr:         e.cfg.StatusAddr,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
}

// serve runs server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server) error {
	errs := make(chan error, 1)

	go func() {
		log.Info(ctx, "Status server starting", "address", server.Addr)

		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}

	return nil
}
