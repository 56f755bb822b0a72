// Package health reports liveness and readiness of the sync engine.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jarmo-productory/ritemark-sync/credential"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/storage"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"

	// storageTestTTL bounds the lifetime of probe keys left behind by a crash.
	storageTestTTL = 5 * time.Second

	// staleSyncFactor is how many sync intervals may pass before settings
	// are considered stale.
	staleSyncFactor = 3
)

// Check represents a single health check.
type Check struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response.
type Response struct {
	Status  Status           `json:"status"`
	Version string           `json:"version,omitempty"`
	Checks  map[string]Check `json:"checks"`
	Summary map[string]int   `json:"summary"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Check(ctx context.Context) Check
	Name() string
}

// Manager manages and executes health checks.
type Manager struct {
	checkers []Checker
	version  string
}

// NewManager creates a new health manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// AddChecker adds a health checker.
func (m *Manager) AddChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// CheckLiveness reports that the process is running.
func (m *Manager) CheckLiveness(_ context.Context) Response {
	return Response{
		Status:  StatusHealthy,
		Version: m.version,
		Checks: map[string]Check{
			"process": {
				Name:        "process",
				Status:      StatusHealthy,
				Message:     "Process is responding",
				LastChecked: time.Now(),
			},
		},
		Summary: map[string]int{"healthy": 1, "unhealthy": 0, "degraded": 0},
	}
}

// CheckReadiness runs every registered checker.
func (m *Manager) CheckReadiness(ctx context.Context) Response {
	checks := make(map[string]Check, len(m.checkers))
	summary := map[string]int{"healthy": 0, "unhealthy": 0, "degraded": 0}

	for _, checker := range m.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Duration = time.Since(start)
		checks[check.Name] = check

		summary[string(check.Status)]++
	}

	overall := StatusHealthy
	if summary["unhealthy"] > 0 {
		overall = StatusUnhealthy
	} else if summary["degraded"] > 0 {
		overall = StatusDegraded
	}

	return Response{
		Status:  overall,
		Version: m.version,
		Checks:  checks,
		Summary: summary,
	}
}

// StorageChecker round-trips a probe key through the local database.
type StorageChecker struct {
	store *storage.Store
}

// NewStorageChecker creates a new storage health checker.
func NewStorageChecker(store *storage.Store) *StorageChecker {
	return &StorageChecker{store: store}
}

// Name returns the checker name.
func (sc *StorageChecker) Name() string {
	return "storage"
}

// Check performs the storage health check.
func (sc *StorageChecker) Check(ctx context.Context) Check {
	check := Check{Name: sc.Name(), LastChecked: time.Now()}

	testKey := "health:check:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	testValue := "health-check-value"

	if err := sc.store.Set(ctx, testKey, testValue, storageTestTTL); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to write to storage: " + err.Error()

		return check
	}

	var retrieved string
	if err := sc.store.Get(ctx, testKey, &retrieved); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to read from storage: " + err.Error()

		return check
	}

	if retrieved != testValue {
		check.Status = StatusUnhealthy
		check.Error = "Storage returned incorrect value"

		return check
	}

	if err := sc.store.Delete(ctx, testKey); err != nil {
		log.Warn(ctx, "Failed to clean up health check key", "cache_key", testKey, "error", err.Error())
	}

	check.Status = StatusHealthy
	check.Message = "Storage is accessible and functioning"

	return check
}

// CredentialStatus is satisfied by *credential.Store.
type CredentialStatus interface {
	Status() credential.Status
}

// CredentialChecker reports whether the device is signed in. An expired
// access secret is healthy because it is renewed on demand.
type CredentialChecker struct {
	credentials CredentialStatus
}

// NewCredentialChecker creates a credential health checker.
func NewCredentialChecker(credentials CredentialStatus) *CredentialChecker {
	return &CredentialChecker{credentials: credentials}
}

// Name returns the checker name.
func (cc *CredentialChecker) Name() string {
	return "credentials"
}

// Check performs the credential health check.
func (cc *CredentialChecker) Check(_ context.Context) Check {
	check := Check{Name: cc.Name(), LastChecked: time.Now(), Metadata: map[string]string{}}
	status := cc.credentials.Status()

	if status.UserID == "" {
		check.Status = StatusDegraded
		check.Message = "Not signed in - run the login command"
		check.Metadata["signed_in"] = "false"

		return check
	}

	check.Status = StatusHealthy
	check.Metadata["signed_in"] = "true"
	check.Metadata["token_valid"] = strconv.FormatBool(status.HasAccess)

	if status.HasAccess {
		check.Message = "Access secret is valid"
		check.Metadata["token_expiry"] = status.Expiry.Format(time.RFC3339)
	} else {
		check.Message = "Access secret will be renewed on demand"
	}

	return check
}

// SyncStatus is satisfied by *settings.Synchronizer.
type SyncStatus interface {
	LastSyncTime() time.Time
	IsSyncing() bool
}

// Connectivity is satisfied by *watch.NetworkMonitor.
type Connectivity interface {
	Online() bool
}

// SyncChecker degrades when settings have not been reconciled for several
// intervals or the network is down.
type SyncChecker struct {
	sync     SyncStatus
	network  Connectivity
	interval time.Duration
	now      func() time.Time
}

// NewSyncChecker creates a sync health checker. network may be nil.
func NewSyncChecker(sync SyncStatus, network Connectivity, interval time.Duration) *SyncChecker {
	return &SyncChecker{sync: sync, network: network, interval: interval, now: time.Now}
}

// Name returns the checker name.
func (sc *SyncChecker) Name() string {
	return "settings_sync"
}

// Check performs the sync health check.
func (sc *SyncChecker) Check(_ context.Context) Check {
	check := Check{Name: sc.Name(), LastChecked: sc.now(), Metadata: map[string]string{}}
	last := sc.sync.LastSyncTime()

	check.Metadata["is_syncing"] = strconv.FormatBool(sc.sync.IsSyncing())

	if !last.IsZero() {
		check.Metadata["last_sync"] = last.Format(time.RFC3339)
	}

	switch {
	case sc.network != nil && !sc.network.Online():
		check.Status = StatusDegraded
		check.Message = "Network unreachable - changes are kept locally"
	case sc.interval > 0 && !last.IsZero() && sc.now().Sub(last) > staleSyncFactor*sc.interval:
		check.Status = StatusDegraded
		check.Message = "Settings have not been reconciled recently"
	default:
		check.Status = StatusHealthy
		check.Message = "Settings sync is current"
	}

	return check
}

// HTTPHandler serves the health endpoints.
type HTTPHandler struct {
	manager *Manager
}

// NewHTTPHandler creates a new HTTP handler for health checks.
func NewHTTPHandler(manager *Manager) *HTTPHandler {
	return &HTTPHandler{manager: manager}
}

// LivenessHandler handles liveness probe requests.
func (h *HTTPHandler) LivenessHandler(writer http.ResponseWriter, request *http.Request) {
	writeResponse(request.Context(), writer, http.StatusOK, h.manager.CheckLiveness(request.Context()))
}

// ReadinessHandler returns 200 only when every check is healthy.
func (h *HTTPHandler) ReadinessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	response := h.manager.CheckReadiness(ctx)

	statusCode := http.StatusServiceUnavailable
	if response.Status == StatusHealthy {
		statusCode = http.StatusOK
	}

	writeResponse(ctx, writer, statusCode, response)

	log.Debug(ctx, "Readiness check completed",
		"status", string(response.Status),
		"status_code", statusCode,
		"healthy_checks", response.Summary["healthy"],
		"unhealthy_checks", response.Summary["unhealthy"],
		"degraded_checks", response.Summary["degraded"],
	)
}

func writeResponse(ctx context.Context, writer http.ResponseWriter, statusCode int, response Response) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error(ctx, err, "Failed to encode health response")
	}
}
