package credential_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jarmo-productory/ritemark-sync/credential"
)

func TestBackendRenewalProbesOnce(t *testing.T) {
	t.Parallel()

	var probes, renewals atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
		case "/auth/refresh":
			renewals.Add(1)

			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user-1", body["user_id"])

			_, _ = w.Write([]byte(`{"access_token":"ya29.backend","token_type":"Bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	backend := credential.NewBackendRenewal(server.URL, server.Client())

	for range 2 {
		token, err := backend.Renew(t.Context(), credential.Grant{UserID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, "ya29.backend", token.AccessToken)
		assert.False(t, token.Expiry.IsZero())
	}

	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, int32(2), renewals.Load())

	_, err := backend.Renew(t.Context(), credential.Grant{})
	require.ErrorIs(t, err, credential.ErrNoUserID)
}

func TestBackendRenewalUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	backend := credential.NewBackendRenewal(server.URL, server.Client())
	available, err := backend.Available(t.Context())
	require.NoError(t, err)
	assert.False(t, available)

	_, err = backend.Renew(t.Context(), credential.Grant{UserID: "user-1"})
	require.ErrorIs(t, err, credential.ErrBackendUnavailable)

	_, err = credential.NewBackendRenewal("", nil).Renew(t.Context(), credential.Grant{UserID: "user-1"})
	require.ErrorIs(t, err, credential.ErrBackendUnavailable)
}

func TestDirectRenewalRefreshesAgainstIssuer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "1//secret", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.direct","token_type":"Bearer","expires_in":3599,"refresh_token":"1//rotated"}`))
	}))
	t.Cleanup(server.Close)

	direct := credential.NewDirectRenewal(&oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams},
	}, server.Client())

	token, err := direct.Renew(t.Context(), credential.Grant{RenewalSecret: []byte("1//secret")})
	require.NoError(t, err)
	assert.Equal(t, "ya29.direct", token.AccessToken)
	assert.Equal(t, "1//rotated", token.RefreshToken)

	_, err = direct.Renew(t.Context(), credential.Grant{})
	require.ErrorIs(t, err, credential.ErrNoRenewalSecret)
}

func TestDirectRenewalRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(server.Close)

	direct := credential.NewDirectRenewal(&oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams},
	}, server.Client())

	_, err := direct.Renew(t.Context(), credential.Grant{RenewalSecret: []byte("1//revoked")})

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	assert.NotErrorIs(t, err, credential.ErrRenewalUnavailable)
}

func TestDirectRenewalTransientFailures(t *testing.T) {
	t.Parallel()

	outage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(outage.Close)

	refused := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	refusedURL := refused.URL
	refused.Close()

	tests := []struct {
		name     string
		tokenURL string
	}{
		{"issuer outage", outage.URL},
		{"connection refused", refusedURL},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			direct := credential.NewDirectRenewal(&oauth2.Config{
				ClientID: "client-id",
				Endpoint: oauth2.Endpoint{TokenURL: test.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
			}, nil)

			_, err := direct.Renew(t.Context(), credential.Grant{RenewalSecret: []byte("1//secret")})
			require.ErrorIs(t, err, credential.ErrRenewalUnavailable)
		})
	}
}

func TestBackendRenewalStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					w.WriteHeader(http.StatusOK)

					return
				}

				w.WriteHeader(test.status)
			}))
			t.Cleanup(server.Close)

			backend := credential.NewBackendRenewal(server.URL, server.Client())

			_, err := backend.Renew(t.Context(), credential.Grant{UserID: "user-1"})
			require.Error(t, err)
			assert.Equal(t, test.transient, errors.Is(err, credential.ErrRenewalUnavailable))
		})
	}
}

func TestBackendProbeRetriedAfterOutage(t *testing.T) {
	t.Parallel()

	var probes atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && probes.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(`{"access_token":"ya29.backend","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)

	backend := credential.NewBackendRenewal(server.URL, server.Client())

	_, err := backend.Renew(t.Context(), credential.Grant{UserID: "user-1"})
	require.ErrorIs(t, err, credential.ErrRenewalUnavailable)
	require.ErrorIs(t, err, credential.ErrBackendUnavailable)

	token, err := backend.Renew(t.Context(), credential.Grant{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "ya29.backend", token.AccessToken)
	assert.Equal(t, int32(2), probes.Load())
}
