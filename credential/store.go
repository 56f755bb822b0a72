// Package credential keeps the short-lived access secret in memory and the
// long-lived renewal secret encrypted in the local database, renewing the
// former proactively before it expires.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jarmo-productory/ritemark-sync/devicekey"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/storage"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
	"github.com/jarmo-productory/ritemark-sync/tracing"
)

// RecordKey is the singleton key of the persisted credential record.
const RecordKey = "credential:renewal"

const (
	// DefaultLeadTime is how long before expiry the proactive renewal fires.
	DefaultLeadTime = 5 * time.Minute

	// DefaultMinDelay bounds how soon a proactive renewal may be scheduled.
	DefaultMinDelay = 30 * time.Second

	defaultLifetime = time.Hour
	expirySkew      = 10 * time.Second
)

var (
	// ErrRenewalFailed is returned when every renewal strategy was rejected.
	ErrRenewalFailed = errors.New("credential renewal failed")

	// ErrNotSignedIn is returned when no credentials were ever stored.
	ErrNotSignedIn = errors.New("not signed in")
)

// Record is the persisted credential. The access secret is never part of it.
type Record struct {
	UserID     string    `json:"user_id"`
	Ciphertext []byte    `json:"ciphertext,omitempty"`
	IV         []byte    `json:"iv,omitempty"`
	KeyID      string    `json:"key_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Options configure a Store.
type Options struct {
	LeadTime time.Duration
	MinDelay time.Duration
}

// Status is a point-in-time view for health and status reporting.
type Status struct {
	UserID    string    `json:"user_id,omitempty"`
	HasAccess bool      `json:"has_access"`
	Expiry    time.Time `json:"expiry,omitzero"`
}

// Store owns the credential lifecycle.
type Store struct {
	db       *storage.Store
	key      *devicekey.Key
	renewers []Renewer
	leadTime time.Duration
	minDelay time.Duration
	now      func() time.Time

	group   singleflight.Group
	pending sync.WaitGroup

	// recordMu orders writes and deletes of the persisted record; recordSeq
	// lets a background delete notice it was overtaken.
	recordMu  sync.Mutex
	recordSeq uint64

	mu           sync.Mutex
	accessSecret string
	expiry       time.Time
	userID       string
	timer        *time.Timer
	generation   uint64
	ctx          context.Context //nolint:containedctx // parent of timer-driven renewals
	cancel       context.CancelFunc
}

// New returns a store. Renewers are tried in order.
func New(db *storage.Store, key *devicekey.Key, renewers []Renewer, opts Options) *Store {
	if opts.LeadTime <= 0 {
		opts.LeadTime = DefaultLeadTime
	}

	if opts.MinDelay <= 0 {
		opts.MinDelay = DefaultMinDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		db:       db,
		key:      key,
		renewers: renewers,
		leadTime: opts.LeadTime,
		minDelay: opts.MinDelay,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start loads the persisted user id. Timer-driven renewals inherit ctx's
// values but not its cancellation; Stop ends them.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	record, err := s.loadRecord(ctx)
	if errors.Is(err, ErrNotSignedIn) {
		log.Info(ctx, "No stored credentials")

		return nil
	}

	if err != nil {
		return err
	}

	s.mu.Lock()
	s.userID = record.UserID
	s.mu.Unlock()

	log.Info(ctx, "Loaded stored credentials", "user_id", record.UserID, "has_renewal", len(record.Ciphertext) > 0)

	return nil
}

// Stop cancels the proactive timer and waits for background deletes.
func (s *Store) Stop() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.cancel()
	s.mu.Unlock()

	s.pending.Wait()
}

// AccessSecret returns the in-memory access secret when it is still valid.
// Otherwise it attempts one renewal. A network or timeout classified error
// means the issuer could not be reached and the stored credentials were kept;
// any other error means the user must sign in again.
func (s *Store) AccessSecret(ctx context.Context) (string, error) {
	if secret, ok := s.validSecret(); ok {
		return secret, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return "", err
	}

	if secret, ok := s.validSecret(); ok {
		return secret, nil
	}

	return "", ErrInvalidToken
}

func (s *Store) validSecret() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessSecret == "" || !s.now().Add(expirySkew).Before(s.expiry) {
		return "", false
	}

	return s.accessSecret, true
}

// Invalidate drops the in-memory access secret, e.g. after the remote store
// rejected it.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.accessSecret = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

// UserID returns the signed-in user's stable id.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}

// Status reports the current credential state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		UserID:    s.userID,
		HasAccess: s.accessSecret != "" && s.now().Before(s.expiry),
		Expiry:    s.expiry,
	}
}

// StoreCredentials keeps token's access secret in memory, persists its
// renewal secret encrypted (an existing one is kept when token has none) and
// reschedules the proactive renewal.
func (s *Store) StoreCredentials(ctx context.Context, token *oauth2.Token, userID string) error {
	if token == nil || token.AccessToken == "" {
		return ErrInvalidToken
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = s.now().Add(defaultLifetime)
	}

	var record Record

	s.recordMu.Lock()
	s.recordSeq++

	err := s.db.Modify(ctx, RecordKey, &record, func(bool) (bool, error) {
		if userID != "" {
			record.UserID = userID
		}

		if token.RefreshToken != "" {
			secret := []byte(token.RefreshToken)
			defer clear(secret)

			ciphertext, iv, err := s.key.Encrypt(secret, []byte(RecordKey))
			if err != nil {
				return false, fmt.Errorf("failed to encrypt renewal secret: %w", err)
			}

			record.Ciphertext = ciphertext
			record.IV = iv
			record.KeyID = s.key.ID()
		}

		record.UpdatedAt = s.now().UTC()

		return true, nil
	})
	s.recordMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	s.mu.Lock()
	s.accessSecret = token.AccessToken
	s.expiry = expiry
	s.userID = record.UserID
	delay := s.scheduleLocked()
	s.mu.Unlock()

	log.Info(ctx, "Stored credentials",
		"user_id", record.UserID,
		"token_expiry", expiry.Format(time.RFC3339),
		"has_renewal", len(record.Ciphertext) > 0,
		"renewal_in", delay.String(),
	)

	return nil
}

// Clear zeroes in-memory state and cancels the timer immediately; the
// persisted record is deleted in the background unless credentials are
// stored again first.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.accessSecret = ""
	s.expiry = time.Time{}
	s.userID = ""
	s.stopTimerLocked()
	s.mu.Unlock()

	s.recordMu.Lock()
	s.recordSeq++
	seq := s.recordSeq
	s.recordMu.Unlock()

	s.pending.Add(1)

	go func() {
		defer s.pending.Done()

		s.recordMu.Lock()
		defer s.recordMu.Unlock()

		if s.recordSeq != seq {
			log.Debug(ctx, "Stored credentials replaced before delete")

			return
		}

		if err := s.db.Delete(context.WithoutCancel(ctx), RecordKey); err != nil {
			log.Warn(ctx, "Failed to delete stored credentials", "error", err)
		}
	}()
}

// Refresh renews the access secret. Concurrent callers share one renewal.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})

	return err //nolint:wrapcheck // already wrapped by refresh
}

func (s *Store) refresh(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "credential.refresh")
	defer span.End()

	start := time.Now()

	record, err := s.loadRecord(ctx)
	if err != nil {
		tracing.SetError(ctx, err)

		return err
	}

	var (
		errs      []error
		transient bool
	)

	for _, renewer := range s.renewers {
		err := s.renewWith(ctx, renewer, record)
		if err == nil {
			tracing.SetOK(ctx)
			metrics.RecordCounter(ctx, "credential_renewals_total", 1, "renewal_method", renewer.Name(), "result", "success")
			metrics.RecordDuration(ctx, "credential_renewal_duration_ms", start, "renewal_method", renewer.Name())

			return nil
		}

		log.Debug(ctx, "Renewal strategy failed", "renewal_method", renewer.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", renewer.Name(), err))
		transient = transient || errors.Is(err, ErrRenewalUnavailable)
	}

	if transient {
		err = syncerr.Wrap(syncerr.KindNetwork, "credential.refresh", errors.Join(errs...))
		tracing.SetError(ctx, err)
		log.Warn(ctx, "Credential renewal deferred; stored credentials kept", "error", err)
		metrics.RecordCounter(ctx, "credential_renewals_total", 1, "renewal_method", "none", "result", "deferred")

		return err
	}

	s.Clear(ctx)

	err = fmt.Errorf("%w: %w", ErrRenewalFailed, errors.Join(errs...))
	tracing.SetError(ctx, err)
	log.Error(ctx, err, "Credential renewal failed; sign-in required")
	metrics.RecordCounter(ctx, "credential_renewals_total", 1, "renewal_method", "none", "result", "failed")

	return err
}

func (s *Store) renewWith(ctx context.Context, renewer Renewer, record *Record) error {
	grant := Grant{UserID: record.UserID}

	if renewer.RequiresSecret() {
		secret, err := s.decryptSecret(record)
		if err != nil {
			return err
		}

		grant.RenewalSecret = secret
		defer clear(secret)
	}

	token, err := renewer.Renew(ctx, grant)
	if err != nil {
		return err //nolint:wrapcheck // annotated by caller
	}

	// Issuers that do not rotate echo the old secret back; keep the stored copy.
	if token.RefreshToken != "" && token.RefreshToken == string(grant.RenewalSecret) {
		rotated := *token
		rotated.RefreshToken = ""
		token = &rotated
	}

	return s.StoreCredentials(ctx, token, record.UserID)
}

func (s *Store) decryptSecret(record *Record) ([]byte, error) {
	if len(record.Ciphertext) == 0 {
		return nil, ErrNoRenewalSecret
	}

	if record.KeyID != s.key.ID() {
		return nil, fmt.Errorf("%w: encrypted under key %s", ErrNoRenewalSecret, record.KeyID)
	}

	secret, err := s.key.Decrypt(record.Ciphertext, record.IV, []byte(RecordKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt renewal secret: %w", err)
	}

	return secret, nil
}

func (s *Store) loadRecord(ctx context.Context) (*Record, error) {
	var record Record

	err := s.db.Get(ctx, RecordKey, &record)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotSignedIn
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	return &record, nil
}

// scheduleLocked replaces the proactive timer. Callers hold s.mu.
func (s *Store) scheduleLocked() time.Duration {
	s.stopTimerLocked()

	delay := max(s.expiry.Sub(s.now())-s.leadTime, s.minDelay)
	generation := s.generation

	s.timer = time.AfterFunc(delay, func() { s.proactiveRenew(generation) })

	return delay
}

// stopTimerLocked cancels the timer; the generation bump stops a callback
// that is already running from acting. Callers hold s.mu.
func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.generation++
}

func (s *Store) proactiveRenew(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.ctx.Err() != nil {
		s.mu.Unlock()

		return
	}

	ctx := s.ctx
	s.mu.Unlock()

	log.Debug(ctx, "Proactive credential renewal")

	if err := s.Refresh(ctx); err != nil {
		log.Warn(ctx, "Proactive renewal failed", "error", err)
	}
}
