// Package cache is the local object cache: one entry per file recording the
// latest local content and whether the remote store has confirmed it.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/metrics"
	"github.com/jarmo-productory/ritemark-sync/storage"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
)

// KeyPrefix namespaces cached file entries in the store.
const KeyPrefix = "file:"

// Entry is one cached document.
type Entry struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Synced    bool   `json:"synced"`
	// Path is the local file the entry was edited from, if any.
	Path string `json:"path,omitempty"`
}

// Time returns the entry timestamp as a time.Time.
func (e *Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// FileCache stores entries in the embedded database.
type FileCache struct {
	store *storage.Store
	now   func() time.Time
}

// New returns a cache over store.
func New(store *storage.Store) *FileCache {
	return &FileCache{store: store, now: time.Now}
}

func key(fileID string) string {
	return KeyPrefix + fileID
}

// Put records content as the latest unsynced local edit of fileID,
// replacing any previous content. A path attached earlier is kept.
func (c *FileCache) Put(ctx context.Context, fileID, name, content string) (*Entry, error) {
	var entry Entry

	err := c.store.Modify(ctx, key(fileID), &entry, func(bool) (bool, error) {
		entry.FileID = fileID
		entry.Name = name
		entry.Content = content
		entry.Timestamp = c.now().UnixMilli()
		entry.Synced = false

		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", fileID, err)
	}

	return &entry, nil
}

// Attach records path as the local file behind fileID's entry.
func (c *FileCache) Attach(ctx context.Context, fileID, path string) error {
	var entry Entry

	return c.store.Modify(ctx, key(fileID), &entry, func(found bool) (bool, error) {
		if !found {
			return false, syncerr.New(syncerr.KindNotFound, "cache.attach", "no cached entry for "+fileID)
		}

		if entry.Path == path {
			return false, nil
		}

		entry.Path = path

		return true, nil
	})
}

// FindByPath returns the most recently written entry attached to path. A
// missing entry is a NotFound error.
func (c *FileCache) FindByPath(ctx context.Context, path string) (*Entry, error) {
	entries, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	var newest *Entry

	for _, entry := range entries {
		if entry.Path == path && (newest == nil || entry.Timestamp > newest.Timestamp) {
			newest = entry
		}
	}

	if newest == nil {
		return nil, syncerr.New(syncerr.KindNotFound, "cache.findByPath", "no cached entry for "+path)
	}

	return newest, nil
}

// Get returns the entry for fileID. A missing entry is a NotFound error.
func (c *FileCache) Get(ctx context.Context, fileID string) (*Entry, error) {
	var entry Entry

	err := c.store.Get(ctx, key(fileID), &entry)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, syncerr.New(syncerr.KindNotFound, "cache.get", "no cached entry for "+fileID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileID, err)
	}

	return &entry, nil
}

// MarkSynced flags the entry for fileID as confirmed remotely.
func (c *FileCache) MarkSynced(ctx context.Context, fileID string) error {
	_, err := c.markSynced(ctx, fileID, nil)

	return err
}

// MarkSyncedIfContent flags the entry as synced only while it still holds
// content. It reports whether the flag was set; a newer local edit leaves
// the entry unsynced.
func (c *FileCache) MarkSyncedIfContent(ctx context.Context, fileID, content string) (bool, error) {
	return c.markSynced(ctx, fileID, &content)
}

func (c *FileCache) markSynced(ctx context.Context, fileID string, content *string) (bool, error) {
	var (
		entry   Entry
		updated bool
	)

	err := c.store.Modify(ctx, key(fileID), &entry, func(found bool) (bool, error) {
		updated = false

		if !found {
			return false, syncerr.New(syncerr.KindNotFound, "cache.markSynced", "no cached entry for "+fileID)
		}

		if content != nil && entry.Content != *content {
			return false, nil
		}

		entry.Synced = true
		updated = true

		return true, nil
	})
	if err != nil {
		return false, err
	}

	return updated, nil
}

// Move re-keys the entry for fromID under toID, used once a local-only
// document receives its remote identity.
func (c *FileCache) Move(ctx context.Context, fromID, toID string) error {
	entry, err := c.Get(ctx, fromID)
	if err != nil {
		return err
	}

	entry.FileID = toID

	if err := c.store.Set(ctx, key(toID), entry, 0); err != nil {
		return fmt.Errorf("failed to cache %s: %w", toID, err)
	}

	return c.Delete(ctx, fromID)
}

// ListUnsynced returns every entry not yet confirmed remotely, oldest first.
func (c *FileCache) ListUnsynced(ctx context.Context) ([]*Entry, error) {
	entries, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	unsynced := make([]*Entry, 0, len(entries))

	for _, entry := range entries {
		if !entry.Synced {
			unsynced = append(unsynced, entry)
		}
	}

	sortByTimestamp(unsynced)

	return unsynced, nil
}

// DeleteOld removes synced entries last written before cutoff. Unsynced
// entries are never removed. It returns the number deleted.
func (c *FileCache) DeleteOld(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := c.list(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, entry := range entries {
		if !entry.Synced || entry.Timestamp >= cutoff.UnixMilli() {
			continue
		}

		if err := c.Delete(ctx, entry.FileID); err != nil {
			return deleted, err
		}

		deleted++
	}

	if deleted > 0 {
		log.Debug(ctx, "Removed old cache entries", "count", deleted)
		metrics.RecordCounter(ctx, "cache_entries_evicted_total", int64(deleted))
	}

	return deleted, nil
}

// Delete removes the entry for fileID.
func (c *FileCache) Delete(ctx context.Context, fileID string) error {
	if err := c.store.Delete(ctx, key(fileID)); err != nil {
		return fmt.Errorf("failed to delete cached %s: %w", fileID, err)
	}

	return nil
}

func (c *FileCache) list(ctx context.Context) ([]*Entry, error) {
	keys, err := c.store.List(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}

	entries := make([]*Entry, 0, len(keys))

	for _, k := range keys {
		entry, err := c.Get(ctx, strings.TrimPrefix(k, KeyPrefix))
		if errors.Is(err, syncerr.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func sortByTimestamp(entries []*Entry) {
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
}
