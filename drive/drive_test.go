package drive_test

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/drive"
	"github.com/jarmo-productory/ritemark-sync/remote"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
)

type staticCredentials struct{}

func (staticCredentials) AccessSecret(context.Context) (string, error) { return "token", nil }
func (staticCredentials) Invalidate()                                   {}

func newClient(t *testing.T, handler http.HandlerFunc) *drive.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	exec := remote.New(staticCredentials{}, nil, remote.Options{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Timeout:     time.Second,
	})

	return drive.New(exec, server.URL)
}

func TestCreateSendsMultipartRelated(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload/drive/v3/files", r.URL.Path)
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		assert.NoError(t, err)
		assert.Equal(t, "multipart/related", mediaType)

		reader := multipart.NewReader(r.Body, params["boundary"])

		metaPart, err := reader.NextPart()
		assert.NoError(t, err)

		var meta drive.File
		assert.NoError(t, json.NewDecoder(metaPart).Decode(&meta))
		assert.Equal(t, "notes.md", meta.Name)
		assert.Equal(t, []string{drive.AppDataFolder}, meta.Parents)

		mediaPart, err := reader.NextPart()
		assert.NoError(t, err)
		assert.Equal(t, drive.MarkdownMIME, mediaPart.Header.Get("Content-Type"))

		content, _ := io.ReadAll(mediaPart)
		assert.Equal(t, "# Title", string(content))

		_, _ = w.Write([]byte(`{"id":"f1","name":"notes.md"}`))
	})

	created, err := client.Create(t.Context(), drive.File{
		Name:    "../notes.md\x00",
		Parents: []string{drive.AppDataFolder},
	}, []byte("# Title"))
	require.NoError(t, err)
	assert.Equal(t, "f1", created.ID)
}

func TestUpdateContentPatchesMedia(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/upload/drive/v3/files/f1", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("uploadType"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "v2", string(body))

		_, _ = w.Write([]byte(`{"id":"f1","modifiedTime":"2026-01-02T03:04:05Z"}`))
	})

	updated, err := client.UpdateContent(t.Context(), "f1", "", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, 2026, updated.ModifiedTime.Year())
}

func TestFindByNameQueriesAppData(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files", r.URL.Path)
		assert.Equal(t, drive.AppDataFolder, r.URL.Query().Get("spaces"))
		assert.Equal(t, "name = 'settings.json' and trashed = false", r.URL.Query().Get("q"))

		_, _ = w.Write([]byte(`{"files":[{"id":"s1","name":"settings.json"}]}`))
	})

	found, err := client.FindByName(t.Context(), "settings.json", drive.AppDataFolder)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "s1", found.ID)
}

func TestFindByNameAbsent(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"files":[]}`))
	})

	found, err := client.FindByName(t.Context(), "settings.json", drive.AppDataFolder)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDownloadAndDelete(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "media", r.URL.Query().Get("alt"))
			_, _ = w.Write([]byte("raw bytes"))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	content, err := client.Download(t.Context(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(content))

	err = client.Delete(t.Context(), "f1")
	require.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestGet(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files/f 1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"f 1","name":"a.md","mimeType":"text/markdown"}`))
	})

	file, err := client.Get(t.Context(), "f 1")
	require.NoError(t, err)
	assert.Equal(t, "a.md", file.Name)
}
