package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jarmo-productory/ritemark-sync/drive"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
)

// FileName is the settings object's name in the application data space.
const FileName = "settings.json"

// Remote stores the single settings envelope.
type Remote interface {
	// Fetch returns the envelope, or nil when none exists.
	Fetch(ctx context.Context) (*Envelope, error)
	// Put creates or overwrites the envelope.
	Put(ctx context.Context, env *Envelope) error
	// Delete removes the envelope; a missing one is not an error.
	Delete(ctx context.Context) error
}

// DriveRemote keeps the envelope in the Drive application data folder.
type DriveRemote struct {
	client *drive.Client

	mu     sync.Mutex
	fileID string
}

// NewDriveRemote returns a Remote over client.
func NewDriveRemote(client *drive.Client) *DriveRemote {
	return &DriveRemote{client: client}
}

func (d *DriveRemote) lookup(ctx context.Context) (string, error) {
	d.mu.Lock()
	id := d.fileID
	d.mu.Unlock()

	if id != "" {
		return id, nil
	}

	file, err := d.client.FindByName(ctx, FileName, drive.AppDataFolder)
	if err != nil || file == nil {
		return "", err //nolint:wrapcheck // classified by the remote layer
	}

	d.remember(file.ID)

	return file.ID, nil
}

func (d *DriveRemote) remember(id string) {
	d.mu.Lock()
	d.fileID = id
	d.mu.Unlock()
}

// Fetch implements Remote.
func (d *DriveRemote) Fetch(ctx context.Context) (*Envelope, error) {
	id, err := d.lookup(ctx)
	if err != nil || id == "" {
		return nil, err
	}

	content, err := d.client.Download(ctx, id)
	if errors.Is(err, syncerr.ErrNotFound) {
		d.remember("")

		return nil, nil //nolint:nilnil // deleted out of band
	}

	if err != nil {
		return nil, err //nolint:wrapcheck // classified by the remote layer
	}

	var env Envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return &env, nil
}

// Put implements Remote. An overwrite that finds the object gone falls back
// to creating it.
func (d *DriveRemote) Put(ctx context.Context, env *Envelope) error {
	content, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	id, err := d.lookup(ctx)
	if err != nil {
		return err
	}

	if id != "" {
		_, err := d.client.UpdateContent(ctx, id, drive.JSONMIME, content)
		if !errors.Is(err, syncerr.ErrNotFound) {
			return err //nolint:wrapcheck // classified by the remote layer
		}

		d.remember("")
	}

	created, err := d.client.Create(ctx, drive.File{
		Name:     FileName,
		MimeType: drive.JSONMIME,
		Parents:  []string{drive.AppDataFolder},
	}, content)
	if err != nil {
		return err //nolint:wrapcheck // classified by the remote layer
	}

	d.remember(created.ID)

	return nil
}

// Delete implements Remote.
func (d *DriveRemote) Delete(ctx context.Context) error {
	id, err := d.lookup(ctx)
	if err != nil || id == "" {
		return err
	}

	d.remember("")

	err = d.client.Delete(ctx, id)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}

	return err //nolint:wrapcheck // classified by the remote layer
}
