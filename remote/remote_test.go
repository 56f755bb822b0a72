package remote_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/remote"
	"github.com/jarmo-productory/ritemark-sync/syncerr"
)

var errNoSecret = errors.New("no secret")

type fakeCredentials struct {
	mu          sync.Mutex
	secret      string
	renewTo     string
	renewErr    error
	calls       int
	invalidated int
}

func (f *fakeCredentials) AccessSecret(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.secret == "" && f.renewErr != nil {
		return "", f.renewErr
	}

	if f.secret == "" && f.renewTo != "" {
		f.secret = f.renewTo
	}

	if f.secret == "" {
		return "", errNoSecret
	}

	return f.secret, nil
}

func (f *fakeCredentials) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invalidated++
	f.secret = ""
}

type reauthCounter struct {
	count atomic.Int32
}

func (r *reauthCounter) RequestReauthentication(context.Context, error) {
	r.count.Add(1)
}

func fastOptions(attempts int) remote.Options {
	return remote.Options{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Timeout:     time.Second,
	}
}

func TestExecuteInjectsBearerAndReturnsBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ya29.token", r.Header.Get("Authorization"))
		assert.Equal(t, "text/markdown", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "# hi", string(body))

		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	t.Cleanup(server.Close)

	client := remote.New(&fakeCredentials{secret: "ya29.token"}, nil, fastOptions(3))

	resp, err := client.Execute(t.Context(), &remote.Request{
		Op:     "files.update",
		Method: http.MethodPatch,
		URL:    server.URL,
		Header: http.Header{"Content-Type": {"text/markdown"}},
		Body:   []byte("# hi"),
	})
	require.NoError(t, err)

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.DecodeJSON(&decoded))
	assert.Equal(t, "abc", decoded.ID)
}

func TestExecuteNoCredentialFailsImmediately(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	reauth := &reauthCounter{}
	creds := &fakeCredentials{}
	client := remote.New(creds, reauth, fastOptions(5))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrUnauthenticated)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 1, creds.calls)
	assert.Equal(t, int32(1), reauth.count.Load())
}

func TestExecuteRetriesServerErrorsUpToMaxAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"backend down"}}`))
	}))
	t.Cleanup(server.Close)

	client := remote.New(&fakeCredentials{secret: "s"}, nil, fastOptions(4))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrServerError)
	assert.Equal(t, int32(4), hits.Load())

	var classified *syncerr.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, http.StatusServiceUnavailable, classified.Status)
	assert.Equal(t, "backend down", classified.Message)
}

func TestExecuteRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := remote.New(&fakeCredentials{secret: "s"}, nil, fastOptions(5))

	resp, err := client.Execute(t.Context(), &remote.Request{Op: "files.delete", Method: http.MethodDelete, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client := remote.New(&fakeCredentials{secret: "s"}, nil, fastOptions(5))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnauthorizedRenewsOnceWithoutReplay(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	creds := &fakeCredentials{secret: "stale", renewTo: "fresh"}
	reauth := &reauthCounter{}
	client := remote.New(creds, reauth, fastOptions(5))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.update", Method: http.MethodPatch, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrUnauthenticated)

	assert.Equal(t, int32(1), hits.Load(), "request must not be replayed")
	assert.Equal(t, 1, creds.invalidated)
	assert.Equal(t, 2, creds.calls, "one lookup for the request, one renewal")
	assert.Equal(t, "fresh", creds.secret)
	assert.Equal(t, int32(0), reauth.count.Load())
}

func TestUnauthorizedWithFailedRenewalRequestsReauth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	reauth := &reauthCounter{}
	client := remote.New(&fakeCredentials{secret: "stale"}, reauth, fastOptions(5))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.update", Method: http.MethodPatch, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrUnauthenticated)
	assert.Equal(t, int32(1), reauth.count.Load())
}

func TestUnauthorizedWithUnreachableIssuerReportsOffline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	reauth := &reauthCounter{}
	creds := &fakeCredentials{
		secret:   "stale",
		renewErr: syncerr.Wrap(syncerr.KindNetwork, "credential.refresh", errors.New("connection refused")),
	}
	client := remote.New(creds, reauth, fastOptions(5))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.update", Method: http.MethodPatch, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrNetwork)
	assert.True(t, syncerr.IsOffline(err))
	assert.Equal(t, int32(0), reauth.count.Load())
}

func TestUnreachableIssuerBeforeRequestIsRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	reauth := &reauthCounter{}
	creds := &fakeCredentials{renewErr: syncerr.Wrap(syncerr.KindTimeout, "credential.refresh", errors.New("deadline"))}
	client := remote.New(creds, reauth, fastOptions(3))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: server.URL})
	require.ErrorIs(t, err, syncerr.ErrTimeout)
	assert.Equal(t, 3, creds.calls)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, int32(0), reauth.count.Load())
}

func TestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	opts := fastOptions(3)
	opts.Timeout = 50 * time.Millisecond

	client := remote.New(&fakeCredentials{secret: "s"}, nil, opts)

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNetworkErrorClassified(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client := remote.New(&fakeCredentials{secret: "s"}, nil, fastOptions(2))

	_, err := client.Execute(t.Context(), &remote.Request{Op: "files.get", Method: http.MethodGet, URL: url})
	require.ErrorIs(t, err, syncerr.ErrNetwork)
	assert.True(t, syncerr.IsOffline(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		kind   syncerr.Kind
	}{
		{"unauthorized", 401, "", syncerr.KindUnauthenticated},
		{"forbidden", 403, `{"error":{"errors":[{"reason":"insufficientPermissions"}]}}`, syncerr.KindPermissionDenied},
		{"forbidden rate limit", 403, `{"error":{"errors":[{"reason":"userRateLimitExceeded"}]}}`, syncerr.KindRateLimited},
		{"not found", 404, "", syncerr.KindNotFound},
		{"request timeout", 408, "", syncerr.KindTimeout},
		{"too many", 429, "", syncerr.KindRateLimited},
		{"bad request", 400, "not json", syncerr.KindInvalidRequest},
		{"conflict", 409, "", syncerr.KindInvalidRequest},
		{"server", 500, "", syncerr.KindServerError},
		{"gateway", 502, "", syncerr.KindServerError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			err := remote.Classify("op", test.status, []byte(test.body))
			kind, ok := syncerr.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, test.kind, kind)
		})
	}

	require.NoError(t, remote.Classify("op", 204, nil))
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	opts := remote.Options{
		MaxAttempts: 7,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}

	backoff := opts.Backoff()

	var delays []time.Duration

	for {
		next, stop := backoff.Next()
		if stop {
			break
		}

		delays = append(delays, next)
	}

	require.Len(t, delays, opts.MaxAttempts-1)

	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], opts.MaxDelay)
	}

	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	t.Parallel()

	opts := remote.Options{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    400 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
	}

	backoff := opts.Backoff()
	count := 0

	for {
		next, stop := backoff.Next()
		if stop {
			break
		}

		count++

		assert.GreaterOrEqual(t, next, 50*time.Millisecond)
		assert.LessOrEqual(t, next, opts.MaxDelay+opts.Jitter)
	}

	assert.Equal(t, opts.MaxAttempts-1, count)
}
