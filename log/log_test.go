package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmo-productory/ritemark-sync/log"
)

func TestIsSensitiveKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key      string
		expected bool
	}{
		{"access_secret", true},
		{"refresh_token", true},
		{"renewal_secret", true},
		{"ciphertext", true},
		{"storage_seed", true},
		{"Authorization", true},
		{"key_id", false},
		{"KEY_ID", false},
		{"renewal_method", false},
		{"file_id", false},
		{"duration", false},
		{"user_id", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.expected, log.IsSensitiveKey(test.key))
		})
	}
}

func TestRedaction(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := log.WithLogger(context.Background(), log.NewLogger(&buf, log.LevelDebug))
	ctx = log.WithValues(ctx, "file_id", "doc-1")
	log.Info(ctx, "renewed", "access_secret", "ya29.secret", "key_id", "k1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "[REDACTED]", record["access_secret"])
	assert.Equal(t, "k1", record["key_id"])
	assert.Equal(t, "doc-1", record["file_id"])
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	handler := log.CorrelationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.NotEmpty(t, recorder.Header().Get(log.CorrelationIDHeader))

	request := httptest.NewRequest(http.MethodGet, "/status", nil)
	request.Header.Set(log.CorrelationIDHeader, "abc")

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, "abc", recorder.Header().Get(log.CorrelationIDHeader))
}
