// Package document wires an open document's edits through the local cache
// and save scheduler to the remote store.
package document

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarmo-productory/ritemark-sync/cache"
	"github.com/jarmo-productory/ritemark-sync/drive"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/scheduler"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
)

// LocalPrefix marks cache ids of documents not yet created remotely.
const LocalPrefix = "local:"

const defaultName = "Untitled.md"

// ErrClosed is returned for edits after Close.
var ErrClosed = errors.New("document session closed")

// Remote is the subset of the remote store a session writes to.
type Remote interface {
	Create(ctx context.Context, meta drive.File, content []byte) (*drive.File, error)
	UpdateContent(ctx context.Context, id, mimeType string, content []byte) (*drive.File, error)
}

// Options configure a Session.
type Options struct {
	// RemoteID is the remote file id; empty for a new document.
	RemoteID string
	// CacheID resumes a local-only cache entry; empty mints a new one.
	CacheID string
	// Path is the local file the session edits. It is attached to the cache
	// entry so Restore finds the document again after a restart.
	Path     string
	Name     string
	Parents  []string
	Debounce time.Duration
	OnStatus func(scheduler.StatusEvent)
}

// Session is one open document.
type Session struct {
	files   *cache.FileCache
	remote  Remote
	sched   *scheduler.Scheduler
	name    string
	parents []string
	path    string

	mu       sync.Mutex
	cacheID  string
	remoteID string
	attached bool
	closed   bool
}

// Open starts a session. Edits are saved after opts.Debounce of quiet.
func Open(ctx context.Context, files *cache.FileCache, remote Remote, opts Options) *Session {
	name := opts.Name
	if name == "" {
		name = defaultName
	}

	session := &Session{
		files:    files,
		remote:   remote,
		name:     name,
		parents:  opts.Parents,
		path:     opts.Path,
		remoteID: opts.RemoteID,
		cacheID:  opts.RemoteID,
	}

	if session.cacheID == "" {
		session.cacheID = opts.CacheID
	}

	if session.cacheID == "" {
		session.cacheID = LocalPrefix + uuid.NewString()
	}

	ctx = log.WithValues(ctx, "document", name)
	session.sched = scheduler.New(ctx, session.save, scheduler.Options{
		Debounce: opts.Debounce,
		OnStatus: opts.OnStatus,
	})

	return session
}

// OnContentChanged records an edit durably in the cache and schedules a save.
func (s *Session) OnContentChanged(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.files.Put(ctx, s.cacheID, s.name, content); err != nil {
		return fmt.Errorf("failed to cache edit: %w", err)
	}

	if s.path != "" && !s.attached {
		if err := s.files.Attach(ctx, s.cacheID, s.path); err != nil {
			return fmt.Errorf("failed to attach %s: %w", s.path, err)
		}

		s.attached = true
	}

	s.sched.Schedule(content)

	return nil
}

func (s *Session) save(ctx context.Context, content string) error {
	s.mu.Lock()
	remoteID := s.remoteID
	s.mu.Unlock()

	if remoteID == "" {
		created, err := s.remote.Create(ctx, drive.File{
			Name:     s.name,
			MimeType: drive.MarkdownMIME,
			Parents:  s.parents,
		}, []byte(content))
		if err != nil {
			return err //nolint:wrapcheck // classified by the remote layer
		}

		s.adopt(ctx, created.ID)
		remoteID = created.ID
	} else if _, err := s.remote.UpdateContent(ctx, remoteID, drive.MarkdownMIME, []byte(content)); err != nil {
		return err //nolint:wrapcheck // classified by the remote layer
	}

	if _, err := s.files.MarkSyncedIfContent(ctx, remoteID, content); err != nil {
		log.Warn(ctx, "Failed to mark cache entry synced", "file_id", remoteID, "error", err)
	}

	return nil
}

// adopt switches the session to its newly created remote identity.
func (s *Session) adopt(ctx context.Context, remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.cacheID
	s.remoteID = remoteID
	s.cacheID = remoteID

	if err := s.files.Move(ctx, previous, remoteID); err != nil {
		log.Warn(ctx, "Failed to re-key cache entry", "from", previous, "file_id", remoteID, "error", err)
	}

	log.Info(ctx, "Created remote document", "file_id", remoteID)
}

// ForceSave saves pending content now.
func (s *Session) ForceSave(ctx context.Context) error {
	return s.sched.ForceSave(ctx) //nolint:wrapcheck // scheduler sentinel errors pass through
}

// HasPendingChanges reports whether unsaved content exists.
func (s *Session) HasPendingChanges() bool {
	return s.sched.HasPendingChanges()
}

// Status returns the save indicator.
func (s *Session) Status() scheduler.StatusEvent {
	return s.sched.Status()
}

// RemoteID returns the remote file id, empty until first created.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteID
}

// Name returns the document name.
func (s *Session) Name() string {
	return s.name
}

// Close stops accepting edits, drains pending saves and tears the scheduler
// down. Content that could not be saved stays unsynced in the cache.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.sched.Flush(ctx)

	s.sched.Destroy()
	s.sched.Wait()

	if err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.name, err)
	}

	return nil
}

// Restore points opts at the cache entry of the document it names: the entry
// for opts.RemoteID when set, otherwise the newest entry attached to
// opts.Path. A local-only entry is resumed through opts.CacheID. It returns
// nil when the document has never been cached.
func Restore(ctx context.Context, files *cache.FileCache, opts *Options) (*cache.Entry, error) {
	var (
		entry *cache.Entry
		err   error
	)

	switch {
	case opts.RemoteID != "":
		entry, err = files.Get(ctx, opts.RemoteID)
	case opts.Path != "":
		entry, err = files.FindByPath(ctx, opts.Path)
	default:
		return nil, nil //nolint:nilnil // nothing to look up
	}

	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, nil //nolint:nilnil // never cached
	}

	if err != nil {
		return nil, fmt.Errorf("failed to restore document: %w", err)
	}

	if strings.HasPrefix(entry.FileID, LocalPrefix) {
		opts.CacheID = entry.FileID
	} else {
		opts.RemoteID = entry.FileID
	}

	if opts.Name == "" {
		opts.Name = entry.Name
	}

	return entry, nil
}

// Recover pushes every unsynced cache entry to the remote store, creating
// local-only documents. Entries whose id is in skip belong to an open session
// and are left to it. It stops early when the remote store is unreachable or
// credentials are missing.
func Recover(ctx context.Context, files *cache.FileCache, remote Remote, parents []string, skip ...string) (int, error) {
	entries, err := files.ListUnsynced(ctx)
	if err != nil {
		return 0, err //nolint:wrapcheck // already annotated
	}

	var (
		recovered int
		errs      []error
	)

	for _, entry := range entries {
		if slices.Contains(skip, entry.FileID) {
			continue
		}

		err := recoverEntry(ctx, files, remote, entry, parents)
		if err == nil {
			recovered++

			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", entry.FileID, err))

		if syncerr.IsOffline(err) || errors.Is(err, syncerr.ErrUnauthenticated) {
			break
		}
	}

	if recovered > 0 {
		log.Info(ctx, "Recovered unsynced documents", "count", recovered)
	}

	return recovered, errors.Join(errs...)
}

func recoverEntry(ctx context.Context, files *cache.FileCache, remote Remote, entry *cache.Entry, parents []string) error {
	content := []byte(entry.Content)

	if !strings.HasPrefix(entry.FileID, LocalPrefix) {
		if _, err := remote.UpdateContent(ctx, entry.FileID, drive.MarkdownMIME, content); err != nil {
			return err //nolint:wrapcheck // classified by the remote layer
		}

		_, err := files.MarkSyncedIfContent(ctx, entry.FileID, entry.Content)

		return err //nolint:wrapcheck // already classified
	}

	name := entry.Name
	if name == "" {
		name = defaultName
	}

	created, err := remote.Create(ctx, drive.File{Name: name, MimeType: drive.MarkdownMIME, Parents: parents}, content)
	if err != nil {
		return err //nolint:wrapcheck // classified by the remote layer
	}

	if err := files.Move(ctx, entry.FileID, created.ID); err != nil {
		return err //nolint:wrapcheck // already annotated
	}

	_, err = files.MarkSyncedIfContent(ctx, created.ID, entry.Content)

	return err //nolint:wrapcheck // already classified
}
