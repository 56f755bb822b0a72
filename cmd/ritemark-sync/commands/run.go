package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jarmo-productory/ritemark-sync/document"
	"github.com/jarmo-productory/ritemark-sync/log"
	"github.com/jarmo-productory/ritemark-sync/scheduler"
	"github.com/jarmo-productory/ritemark-sync/watch"
)

const (
	// flushTimeout bounds the final save on shutdown.
	flushTimeout = 30 * time.Second

	// housekeepingInterval is how often old cache entries are evicted.
	housekeepingInterval = time.Hour
)

// RunCommand watches a markdown file and keeps it and the settings in sync.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Watch a markdown file and sync it to Drive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Markdown file to watch", Required: true},
			&cli.StringFlag{Name: "id", Usage: "Drive file id of an existing document"},
			&cli.StringFlag{Name: "name", Usage: "Document title for a new Drive file (defaults to the file name)"},
			&cli.StringSliceFlag{Name: "parent", Usage: "Drive folder id for new documents"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			name := cmd.String("name")
			if name == "" {
				name = filepath.Base(cmd.String("file"))
			}

			return eng.run(ctx, document.Options{
				RemoteID: cmd.String("id"),
				Name:     name,
				Parents:  cmd.StringSlice("parent"),
			}, cmd.String("file"))
		},
	}
}

func (e *engine) run(ctx context.Context, opts document.Options, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	path = abs
	opts.Path = abs

	entry, err := document.Restore(ctx, e.files, &opts)
	if err != nil {
		return err //nolint:wrapcheck // already annotated
	}

	baseline := ""

	var skip []string

	if entry != nil {
		baseline = entry.Content
		skip = append(skip, entry.FileID)

		log.Info(ctx, "Resuming document", "file_id", entry.FileID, "synced", entry.Synced)
	}

	if recovered, err := document.Recover(ctx, e.files, e.drive, opts.Parents, skip...); err != nil {
		log.Warn(ctx, "Some unsynced documents could not be pushed", "recovered", recovered, "error", err)
	}

	opts.Debounce = e.cfg.SaveDebounce
	opts.OnStatus = func(event scheduler.StatusEvent) {
		log.Info(ctx, "Save status changed", "status", event.Status, "message", event.Message)
	}

	// Saves must be able to outlive the signal that stops the watchers.
	session := document.Open(context.WithoutCancel(ctx), e.files, e.drive, opts)

	if entry != nil && !entry.Synced {
		if err := session.OnContentChanged(ctx, entry.Content); err != nil {
			log.Error(ctx, err, "Failed to resume unsaved changes")
		}
	}

	watcher := watch.NewFile(path, baseline, session.OnContentChanged, 0)
	monitor := watch.NewNetworkMonitor(watch.HTTPProbe(e.httpClient, e.cfg.DriveAPIBase), 0, func(ctx context.Context) {
		e.settings.Trigger(ctx, "network-online")
	})

	if _, err := e.settings.LoadSettings(ctx); err != nil {
		log.Error(ctx, err, "Failed to load settings")
	}

	e.settings.StartAutoSync(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(groupCtx) })
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error { return e.housekeeping(groupCtx) })
	group.Go(func() error { return e.handleHangup(groupCtx) })

	if e.cfg.StatusAddr != "" {
		server := e.statusServer(session, monitor)
		group.Go(func() error { return serve(groupCtx, server) })
	}

	err = group.Wait()

	log.Info(ctx, "Shutting down, flushing pending changes")

	e.settings.StopAutoSync()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	if closeErr := session.Close(flushCtx); closeErr != nil {
		log.Error(flushCtx, closeErr, "Unsaved changes remain in the local cache")

		err = errors.Join(err, closeErr)
	}

	return err
}

// handleHangup treats SIGHUP as the user returning to the app.
func (e *engine) handleHangup(ctx context.Context) error {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)

	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hangup:
			e.settings.Trigger(ctx, "visibility")
		}
	}
}

// housekeeping evicts synced cache entries past the retention window.
func (e *engine) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.files.DeleteOld(ctx, time.Now().Add(-e.cfg.CacheRetention)); err != nil {
				log.Error(ctx, err, "Failed to evict old cache entries")
			}

			if err := e.store.RunGC(); err != nil {
				log.Error(ctx, err, "Failed to run storage garbage collection")
			}
		}
	}
}
