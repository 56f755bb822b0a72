// Package watch turns outside events into engine calls: edits to a file on
// disk become content-changed events, and a returning network becomes a
// settings sync trigger.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jarmo-productory/ritemark-sync/log"
)

// DefaultPollInterval backs up fsnotify on filesystems that drop events.
const DefaultPollInterval = 10 * time.Second

// ContentHandler receives the new content of a watched file.
type ContentHandler func(ctx context.Context, content string) error

// File reports content changes of one file.
type File struct {
	path     string
	handler  ContentHandler
	interval time.Duration

	mu   sync.Mutex
	last string
}

// NewFile watches path. baseline is the content already known, so an
// unchanged file produces no event at start.
func NewFile(path, baseline string, handler ContentHandler, interval time.Duration) *File {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &File{
		path:     filepath.Clean(path),
		handler:  handler,
		interval: interval,
		last:     baseline,
	}
}

// Path returns the watched path.
func (f *File) Path() string {
	return f.path
}

// Run watches until ctx is done. The parent directory is watched so editors
// that save by renaming a temporary file are still seen.
func (f *File) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	if err := f.Check(ctx); err != nil {
		log.Error(ctx, err, "Failed to read watched file", "file", f.path)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	log.Info(ctx, "Watching file", "file", f.path, "interval", f.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Check(ctx); err != nil {
				log.Error(ctx, err, "Failed to read watched file during polling", "file", f.path)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			f.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Error(ctx, err, "File watch error", "file", f.path)
		}
	}
}

func (f *File) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != f.path {
		return
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}

	log.Debug(ctx, "Watched file event", "event", event.Op.String(), "file", event.Name)

	if err := f.Check(ctx); err != nil {
		log.Error(ctx, err, "Failed to read watched file after event", "file", f.path)
	}
}

// Check reads the file and calls the handler when its content changed. A
// missing file is not an error; it is waiting to be created.
func (f *File) Check(ctx context.Context) error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)

	f.mu.Lock()
	if content == f.last {
		f.mu.Unlock()

		return nil
	}

	f.last = content
	f.mu.Unlock()

	return f.handler(ctx, content)
}
