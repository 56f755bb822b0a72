// Package drive issues the Drive v3 REST calls the engine needs through the
// remote call layer.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/jarmo-productory/ritemark-sync/remote"
)

// DefaultBaseURL is the public Google APIs host.
const DefaultBaseURL = "https://www.googleapis.com"

// AppDataFolder is the application-scoped space hidden from the user's listing.
const AppDataFolder = "appDataFolder"

const (
	// MarkdownMIME is the content type of synced documents.
	MarkdownMIME = "text/markdown"
	// JSONMIME is the content type of the settings blob.
	JSONMIME = "application/json"

	fileFields = "id,name,mimeType,modifiedTime,parents"
)

// Executor runs one remote request.
type Executor interface {
	Execute(ctx context.Context, req *remote.Request) (*remote.Response, error)
}

// File is the metadata subset the engine reads and writes.
type File struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime,omitzero"`
	Parents      []string  `json:"parents,omitempty"`
}

// Client is a thin Drive v3 client.
type Client struct {
	exec    Executor
	baseURL string
}

// New returns a client for baseURL (DefaultBaseURL when empty).
func New(exec Executor, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{exec: exec, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) filesURL(upload bool, id string, query url.Values) string {
	path := "/drive/v3/files"
	if upload {
		path = "/upload/drive/v3/files"
	}

	if id != "" {
		path += "/" + url.PathEscape(id)
	}

	if len(query) == 0 {
		return c.baseURL + path
	}

	return c.baseURL + path + "?" + query.Encode()
}

// Create uploads a new file with metadata and content in one multipart
// request. The name is sanitized before it is sent.
func (c *Client) Create(ctx context.Context, meta File, content []byte) (*File, error) {
	meta.Name = remote.SanitizeName(meta.Name)

	if meta.MimeType == "" {
		meta.MimeType = MarkdownMIME
	}

	body, contentType, err := multipartBody(meta, content)
	if err != nil {
		return nil, err
	}

	resp, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.create",
		Method: http.MethodPost,
		URL:    c.filesURL(true, "", url.Values{"uploadType": {"multipart"}, "fields": {fileFields}}),
		Header: http.Header{"Content-Type": {contentType}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var created File
	if err := resp.DecodeJSON(&created); err != nil {
		return nil, err
	}

	return &created, nil
}

// UpdateContent overwrites the content of an existing file.
func (c *Client) UpdateContent(ctx context.Context, id, mimeType string, content []byte) (*File, error) {
	if mimeType == "" {
		mimeType = MarkdownMIME
	}

	resp, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.update",
		Method: http.MethodPatch,
		URL:    c.filesURL(true, id, url.Values{"uploadType": {"media"}, "fields": {fileFields}}),
		Header: http.Header{"Content-Type": {mimeType}},
		Body:   content,
	})
	if err != nil {
		return nil, err
	}

	var updated File
	if err := resp.DecodeJSON(&updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

// Get returns the metadata of id.
func (c *Client) Get(ctx context.Context, id string) (*File, error) {
	resp, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.get",
		Method: http.MethodGet,
		URL:    c.filesURL(false, id, url.Values{"fields": {fileFields}}),
	})
	if err != nil {
		return nil, err
	}

	var file File
	if err := resp.DecodeJSON(&file); err != nil {
		return nil, err
	}

	return &file, nil
}

// Download returns the raw content of id.
func (c *Client) Download(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.download",
		Method: http.MethodGet,
		URL:    c.filesURL(false, id, url.Values{"alt": {"media"}}),
	})
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// List returns files matching query in space ("" for the user's drive).
func (c *Client) List(ctx context.Context, query, space string) ([]File, error) {
	values := url.Values{
		"q":      {query},
		"fields": {"files(" + fileFields + ")"},
	}

	if space != "" {
		values.Set("spaces", space)
	}

	resp, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.list",
		Method: http.MethodGet,
		URL:    c.filesURL(false, "", values),
	})
	if err != nil {
		return nil, err
	}

	var listing struct {
		Files []File `json:"files"`
	}
	if err := resp.DecodeJSON(&listing); err != nil {
		return nil, err
	}

	return listing.Files, nil
}

// FindByName returns the first file named name in space, or nil.
func (c *Client) FindByName(ctx context.Context, name, space string) (*File, error) {
	files, err := c.List(ctx, "name = "+remote.QuoteQuery(name)+" and trashed = false", space)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, nil //nolint:nilnil // absence is not an error
	}

	return &files[0], nil
}

// Delete removes id.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.exec.Execute(ctx, &remote.Request{
		Op:     "files.delete",
		Method: http.MethodDelete,
		URL:    c.filesURL(false, id, nil),
	})

	return err
}

func multipartBody(meta File, content []byte) ([]byte, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create metadata part: %w", err)
	}

	if _, err := metaPart.Write(metadata); err != nil {
		return nil, "", fmt.Errorf("failed to write metadata part: %w", err)
	}

	mediaPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {meta.MimeType},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media part: %w", err)
	}

	if _, err := mediaPart.Write(content); err != nil {
		return nil, "", fmt.Errorf("failed to write media part: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	return buf.Bytes(), "multipart/related; boundary=" + writer.Boundary(), nil
}
