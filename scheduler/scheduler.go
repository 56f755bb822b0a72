// Package scheduler coalesces content-changed events into debounced,
// strictly sequential saves that never drop the latest content.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
	"github.com/jarmo-productory/ritemark-sync/tracing"
)

// DefaultDebounce is the quiet period before a save fires.
const DefaultDebounce = 3 * time.Second

// ErrSaveInProgress is returned by ExecuteSave while another save runs. The
// pending content is kept and handled when that save completes.
var ErrSaveInProgress = errors.New("save already in progress")

// SaveFunc writes content to the remote store.
type SaveFunc func(ctx context.Context, content string) error

// Status is the user-visible save indicator.
type Status string

// Save statuses.
const (
	StatusIdle    Status = "idle"
	StatusSaving  Status = "saving"
	StatusSaved   Status = "saved"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// StatusEvent describes a status transition.
type StatusEvent struct {
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Options configure a Scheduler.
type Options struct {
	Debounce time.Duration
	OnStatus func(StatusEvent)
}

// Scheduler owns the pending-save state of one document.
type Scheduler struct {
	save     SaveFunc
	debounce time.Duration
	onStatus func(StatusEvent)
	ctx      context.Context //nolint:containedctx // parent of timer-driven saves

	wg   sync.WaitGroup
	mu   sync.Mutex
	idle *sync.Cond

	pending    string
	hasPending bool
	inFlight   bool
	lastSave   time.Time
	timer      *time.Timer
	generation uint64
	destroyed  bool
	status     StatusEvent
}

// New returns a scheduler. Timer-driven saves run with ctx's values.
func New(ctx context.Context, save SaveFunc, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	s := &Scheduler{
		save:     save,
		debounce: opts.Debounce,
		onStatus: opts.OnStatus,
		ctx:      context.WithoutCancel(ctx),
		status:   StatusEvent{Status: StatusIdle, At: time.Now()},
	}
	s.idle = sync.NewCond(&s.mu)

	return s
}

// Schedule records content as the latest pending payload and restarts the
// debounce timer.
func (s *Scheduler) Schedule(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	s.pending = content
	s.hasPending = true

	s.stopTimerLocked()

	generation := s.generation
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(generation) })
}

func (s *Scheduler) fire(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.destroyed {
		s.mu.Unlock()

		return
	}

	s.timer = nil
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	if err := s.ExecuteSave(s.ctx); err != nil && !errors.Is(err, ErrSaveInProgress) {
		log.Debug(s.ctx, "Debounced save failed", "error", err)
	}
}

// ExecuteSave saves the pending content. It is a no-op when nothing is
// pending and returns ErrSaveInProgress while another save runs. A failed
// save restores its content unless newer content arrived meanwhile; newer
// content triggers a follow-up save once this one completes.
func (s *Scheduler) ExecuteSave(ctx context.Context) error {
	s.mu.Lock()

	if s.inFlight {
		s.mu.Unlock()
		metrics.RecordCounter(ctx, "saves_total", 1, "result", "in_progress")

		return ErrSaveInProgress
	}

	if !s.hasPending {
		s.mu.Unlock()

		return nil
	}

	content := s.pending
	s.pending = ""
	s.hasPending = false
	s.inFlight = true
	s.mu.Unlock()

	s.setStatus(StatusEvent{Status: StatusSaving})

	ctx, span := tracing.StartSpan(ctx, "scheduler.save")
	defer span.End()

	start := time.Now()
	err := s.save(ctx, content)

	s.mu.Lock()
	s.inFlight = false
	arrived := s.hasPending

	if err != nil && !arrived && !s.destroyed {
		s.pending = content
		s.hasPending = true
	}

	if err == nil {
		s.lastSave = time.Now()
	}

	followUp := arrived && !s.destroyed
	if followUp {
		s.wg.Add(1)
	}

	s.idle.Broadcast()
	s.mu.Unlock()

	metrics.RecordDuration(ctx, "save_duration_ms", start)

	if err != nil {
		tracing.SetError(ctx, err)
		metrics.RecordCounter(ctx, "saves_total", 1, "result", "failed")
		s.setStatus(failureStatus(err))
	} else {
		metrics.RecordCounter(ctx, "saves_total", 1, "result", "saved")
		s.setStatus(StatusEvent{Status: StatusSaved})
	}

	if followUp {
		go func() {
			defer s.wg.Done()

			if err := s.ExecuteSave(s.ctx); err != nil && !errors.Is(err, ErrSaveInProgress) {
				log.Debug(s.ctx, "Follow-up save failed", "error", err)
			}
		}()
	}

	return err
}

// ForceSave cancels the debounce timer and saves immediately.
func (s *Scheduler) ForceSave(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()

	return s.ExecuteSave(ctx)
}

// Flush saves until nothing is pending or a save fails, waiting out any
// save already in flight.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		err := s.ForceSave(ctx)

		switch {
		case errors.Is(err, ErrSaveInProgress):
			s.waitIdle()

			continue
		case err != nil:
			return err
		}

		s.Wait()

		if !s.HasPendingChanges() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // context error
		}
	}
}

func (s *Scheduler) waitIdle() {
	s.mu.Lock()
	for s.inFlight {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// HasPendingChanges reports whether content is waiting or being saved.
func (s *Scheduler) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hasPending || s.inFlight
}

// LastSaveTime returns when the last successful save completed.
func (s *Scheduler) LastSaveTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSave
}

// Status returns the latest status event.
func (s *Scheduler) Status() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Destroy cancels the timer and drops pending content. A save already in
// flight completes but triggers no follow-up.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed = true
	s.stopTimerLocked()
	s.pending = ""
	s.hasPending = false
}

// Wait blocks until timer-driven and follow-up saves have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.generation++
}

func (s *Scheduler) setStatus(event StatusEvent) {
	event.At = time.Now()

	s.mu.Lock()
	s.status = event
	s.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus(event)
	}
}

func failureStatus(err error) StatusEvent {
	switch {
	case syncerr.IsOffline(err):
		return StatusEvent{Status: StatusOffline, Message: "Offline; changes will be saved when the connection returns"}
	case errors.Is(err, syncerr.ErrUnauthenticated):
		return StatusEvent{Status: StatusError, Message: "Sign in again to keep saving"}
	default:
		return StatusEvent{Status: StatusError, Message: err.Error()}
	}
}
