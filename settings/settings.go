// Package settings keeps user preferences consistent between this device's
// local database and an encrypted copy in the remote store, using whole
// record last-write-wins on the record timestamp.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarmo-productory/ritemark-sync/devicekey"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/storage"
	"github.com/jarmo-productory/ritemark-sync/tracing"
)

// LocalKey is the singleton key of the local settings record.
const LocalKey = "settings:current"

// DefaultInterval is the auto sync period.
const DefaultInterval = 30 * time.Second

// Record is the local settings record. Timestamp is milliseconds since epoch.
type Record struct {
	UserID      string      `json:"userId"`
	Preferences Preferences `json:"preferences"`
	Timestamp   int64       `json:"timestamp"`
	Version     int         `json:"version"`
}

// Outcome describes what a reconciliation did.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoop       Outcome = "noop"
	OutcomeUploaded   Outcome = "uploaded"
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeUnchanged  Outcome = "unchanged"
)

// Identity supplies the signed-in user id.
type Identity interface {
	UserID() string
}

// Options configure a Synchronizer.
type Options struct {
	Interval time.Duration
}

// Synchronizer reconciles the local and remote settings records.
type Synchronizer struct {
	db       *storage.Store
	key      *devicekey.Key
	remote   Remote
	identity Identity
	interval time.Duration
	now      func() time.Time

	syncing    atomic.Bool
	background sync.WaitGroup

	// recordMu serializes everything that reads a record and then writes
	// one, so a reconcile never acts on a local record a save has replaced.
	recordMu sync.Mutex

	mu       sync.Mutex
	lastSync time.Time
	stopAuto context.CancelFunc
	autoDone chan struct{}
}

// New returns a Synchronizer.
func New(db *storage.Store, key *devicekey.Key, remote Remote, identity Identity, opts Options) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	return &Synchronizer{
		db:       db,
		key:      key,
		remote:   remote,
		identity: identity,
		interval: opts.Interval,
		now:      time.Now,
	}
}

func (s *Synchronizer) readLocal(ctx context.Context) (*Record, error) {
	var record Record

	err := s.db.Get(ctx, LocalKey, &record)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil //nolint:nilnil // no local settings yet
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read local settings: %w", err)
	}

	return &record, nil
}

func (s *Synchronizer) writeLocal(ctx context.Context, record *Record) error {
	if err := s.db.Set(ctx, LocalKey, record, 0); err != nil {
		return fmt.Errorf("failed to write local settings: %w", err)
	}

	return nil
}

func (s *Synchronizer) upload(ctx context.Context, record *Record) error {
	if record.UserID == "" && s.identity != nil {
		record.UserID = s.identity.UserID()
	}

	env, err := Seal(s.key, record)
	if err != nil {
		return err
	}

	if err := s.remote.Put(ctx, env); err != nil {
		return fmt.Errorf("failed to upload settings: %w", err)
	}

	return nil
}

// SaveSettings stamps prefs with the current time, stores them locally and
// uploads them. The local write survives an upload failure; the next sync
// retries it.
func (s *Synchronizer) SaveSettings(ctx context.Context, prefs Preferences) (*Record, error) {
	ctx, span := tracing.StartSpan(ctx, "settings.save")
	defer span.End()

	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	local, err := s.readLocal(ctx)
	if err != nil {
		return nil, err
	}

	record := &Record{
		Preferences: prefs,
		Timestamp:   s.now().UnixMilli(),
		Version:     CurrentVersion,
	}

	if s.identity != nil {
		record.UserID = s.identity.UserID()
	}

	// Keep timestamps strictly increasing so a save always wins over the
	// record it replaces.
	if local != nil && record.Timestamp <= local.Timestamp {
		record.Timestamp = local.Timestamp + 1
	}

	if err := s.writeLocal(ctx, record); err != nil {
		return nil, err
	}

	if err := s.upload(ctx, record); err != nil {
		tracing.SetError(ctx, err)

		return record, err
	}

	return record, nil
}

// LoadSettings returns the local record when present and reconciles in the
// background. Without a local record it fetches the remote one. A nil record
// with a nil error means the user has no settings anywhere.
func (s *Synchronizer) LoadSettings(ctx context.Context) (*Record, error) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	local, err := s.readLocal(ctx)
	if err != nil {
		return nil, err
	}

	if local != nil {
		s.Trigger(ctx, "load")

		return local, nil
	}

	env, err := s.remote.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}

	if env == nil {
		return nil, nil //nolint:nilnil // first-time user
	}

	record, err := s.open(ctx, env)
	if err != nil || record == nil {
		return nil, err
	}

	if err := s.writeLocal(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// open decrypts env. A foreign-key envelope is deleted remotely and reported
// as absent; other failures are reported and returned.
func (s *Synchronizer) open(ctx context.Context, env *Envelope) (*Record, error) {
	record, err := Open(s.key, env)
	if err == nil {
		return record, nil
	}

	if errors.Is(err, ErrForeignKey) {
		log.Warn(ctx, "Remote settings sealed by another device key, discarding", "key_id", env.KeyID)
		metrics.RecordCounter(ctx, "settings_decrypt_failures_total", 1, "reason", "foreign_key")

		if err := s.remote.Delete(ctx); err != nil {
			return nil, fmt.Errorf("failed to delete unreadable settings: %w", err)
		}

		return nil, nil //nolint:nilnil // treated as first-time user
	}

	log.Error(ctx, err, "Failed to decrypt remote settings", "key_id", env.KeyID)
	metrics.RecordCounter(ctx, "settings_decrypt_failures_total", 1, "reason", "corrupt")

	return nil, err
}

// SyncSettings reconciles once. A call made while another is running returns
// OutcomeSkipped without touching either side.
func (s *Synchronizer) SyncSettings(ctx context.Context) (Outcome, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return OutcomeSkipped, nil
	}
	defer s.syncing.Store(false)

	ctx, span := tracing.StartSpan(ctx, "settings.sync")
	defer span.End()

	start := time.Now()

	outcome, err := s.reconcile(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		metrics.RecordCounter(ctx, "settings_syncs_total", 1, "outcome", "error")

		return outcome, err
	}

	s.mu.Lock()
	s.lastSync = s.now()
	s.mu.Unlock()

	metrics.RecordCounter(ctx, "settings_syncs_total", 1, "outcome", string(outcome))
	metrics.RecordDuration(ctx, "settings_sync_duration_ms", start)
	tracing.SetAttributes(ctx, "outcome", string(outcome))
	log.Debug(ctx, "Settings reconciled", "outcome", outcome)

	return outcome, nil
}

func (s *Synchronizer) reconcile(ctx context.Context) (Outcome, error) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	local, err := s.readLocal(ctx)
	if err != nil {
		return "", err
	}

	env, err := s.remote.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch settings: %w", err)
	}

	// The clear timestamp decides the winner; only a winning remote copy is
	// decrypted.
	if env != nil && (local == nil || env.Timestamp > local.Timestamp) {
		remote, err := s.open(ctx, env)
		if err != nil {
			return "", err
		}

		if remote != nil {
			if err := s.writeLocal(ctx, remote); err != nil {
				return "", err
			}

			return OutcomeDownloaded, nil
		}

		env = nil
	}

	switch {
	case local == nil:
		return OutcomeNoop, nil
	case env != nil && env.Timestamp == local.Timestamp:
		return OutcomeUnchanged, nil
	}

	if err := s.upload(ctx, local); err != nil {
		return "", err
	}

	return OutcomeUploaded, nil
}

// DeleteSettings removes both copies.
func (s *Synchronizer) DeleteSettings(ctx context.Context) error {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if err := s.db.Delete(ctx, LocalKey); err != nil {
		return fmt.Errorf("failed to delete local settings: %w", err)
	}

	if err := s.remote.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete remote settings: %w", err)
	}

	log.Info(ctx, "Settings deleted")

	return nil
}

// Trigger starts a background reconciliation, for example after the network
// comes back.
func (s *Synchronizer) Trigger(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)

	s.background.Add(1)

	go func() {
		defer s.background.Done()

		if _, err := s.SyncSettings(ctx); err != nil {
			log.Error(ctx, err, "Background settings sync failed", "reason", reason)
		}
	}()
}

// StartAutoSync reconciles every interval until StopAutoSync or ctx ends.
// Starting twice is a no-op.
func (s *Synchronizer) StartAutoSync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopAuto != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopAuto = cancel
	s.autoDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SyncSettings(ctx); err != nil && ctx.Err() == nil {
					log.Error(ctx, err, "Periodic settings sync failed")
				}
			}
		}
	}()

	log.Info(ctx, "Settings auto sync started", "interval", s.interval)
}

// StopAutoSync stops the periodic loop and waits for it to exit.
func (s *Synchronizer) StopAutoSync() {
	s.mu.Lock()
	cancel, done := s.stopAuto, s.autoDone
	s.stopAuto, s.autoDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Close stops auto sync and waits for background reconciliations.
func (s *Synchronizer) Close() {
	s.StopAutoSync()
	s.background.Wait()
}

// LastSyncTime returns when the last successful reconciliation finished.
func (s *Synchronizer) LastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSync
}

// IsSyncing reports whether a reconciliation is running.
func (s *Synchronizer) IsSyncing() bool {
	return s.syncing.Load()
}
