package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jarmo-productory/ritemark-sync/log"
)

const (
	probeTimeout     = 5 * time.Second
	backendProbePath = "/health"
	backendRenewPath = "/auth/refresh"
)

var (
	// ErrBackendUnavailable is returned when the renewal service did not answer its probe.
	ErrBackendUnavailable = errors.New("renewal backend unavailable")

	// ErrNoUserID is returned when backend renewal has no user to renew for.
	ErrNoUserID = errors.New("no user id for backend renewal")

	// ErrNoRenewalSecret is returned when direct renewal has no stored secret.
	ErrNoRenewalSecret = errors.New("no renewal secret stored")

	// ErrInvalidToken is returned for token responses without an access token.
	ErrInvalidToken = errors.New("token response has no access token")

	// ErrRenewalUnavailable marks a renewal that failed for a reason that may
	// clear up on its own, such as a lost connection.
	ErrRenewalUnavailable = errors.New("credential renewal temporarily unavailable")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrRenewalUnavailable, err)
}

// transientStatus reports whether an HTTP status says "try again later"
// rather than "no".
func transientStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}

// Grant is the material handed to a renewal strategy. RenewalSecret is
// zeroed by the store once Renew returns.
type Grant struct {
	UserID        string
	RenewalSecret []byte
}

// Renewer obtains a fresh access token.
type Renewer interface {
	Name() string
	// RequiresSecret reports whether Renew needs the decrypted renewal secret.
	RequiresSecret() bool
	Renew(ctx context.Context, grant Grant) (*oauth2.Token, error)
}

// BackendRenewal renews through a server that holds the renewal secret on
// the user's behalf; the client sends only the stable user id.
type BackendRenewal struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	probed    bool
	available bool
}

// NewBackendRenewal returns a backend strategy for baseURL. An empty
// baseURL yields a strategy that is never available.
func NewBackendRenewal(baseURL string, httpClient *http.Client) *BackendRenewal {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &BackendRenewal{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Name implements Renewer.
func (b *BackendRenewal) Name() string { return "backend" }

// RequiresSecret implements Renewer.
func (b *BackendRenewal) RequiresSecret() bool { return false }

// Available probes the backend and caches the answer for the life of the
// process. A probe that got no answer is not cached and yields an
// ErrRenewalUnavailable error.
func (b *BackendRenewal) Available(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probed {
		return b.available, nil
	}

	if b.baseURL == "" {
		b.probed = true

		return false, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.baseURL+backendProbePath, nil)
	if err != nil {
		b.probed = true

		return false, nil
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Info(ctx, "Renewal backend unreachable", "error", err)

		return false, unavailable(fmt.Errorf("%w: %w", ErrBackendUnavailable, err))
	}
	defer resp.Body.Close()

	if transientStatus(resp.StatusCode) {
		return false, unavailable(fmt.Errorf("%w: probe status %d", ErrBackendUnavailable, resp.StatusCode))
	}

	b.probed = true
	b.available = resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	log.Debug(ctx, "Renewal backend probed", "available", b.available)

	return b.available, nil
}

type backendToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Renew implements Renewer.
func (b *BackendRenewal) Renew(ctx context.Context, grant Grant) (*oauth2.Token, error) {
	available, err := b.Available(ctx)
	if err != nil {
		return nil, err
	}

	if !available {
		return nil, ErrBackendUnavailable
	}

	if grant.UserID == "" {
		return nil, ErrNoUserID
	}

	body, err := json.Marshal(map[string]string{"user_id": grant.UserID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode renewal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+backendRenewPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build renewal request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(fmt.Errorf("backend renewal request failed: %w", err))
	}
	defer resp.Body.Close()

	if transientStatus(resp.StatusCode) {
		return nil, unavailable(fmt.Errorf("backend renewal failed with status %d", resp.StatusCode)) //nolint:err113 // status detail
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend renewal rejected with status %d", resp.StatusCode) //nolint:err113 // status detail
	}

	var decoded backendToken
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode renewal response: %w", err))
	}

	if decoded.AccessToken == "" {
		return nil, ErrInvalidToken
	}

	token := &oauth2.Token{AccessToken: decoded.AccessToken, TokenType: decoded.TokenType}
	if decoded.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	}

	return token, nil
}

// DirectRenewal refreshes against the credential issuer with the locally
// stored renewal secret.
type DirectRenewal struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewDirectRenewal returns a direct strategy. httpClient may be nil.
func NewDirectRenewal(config *oauth2.Config, httpClient *http.Client) *DirectRenewal {
	return &DirectRenewal{config: config, httpClient: httpClient}
}

// Name implements Renewer.
func (d *DirectRenewal) Name() string { return "direct" }

// RequiresSecret implements Renewer.
func (d *DirectRenewal) RequiresSecret() bool { return true }

// Renew implements Renewer. A rotated renewal secret comes back in the
// token's RefreshToken. Only an issuer 4xx is a rejection; everything else is
// ErrRenewalUnavailable.
func (d *DirectRenewal) Renew(ctx context.Context, grant Grant) (*oauth2.Token, error) {
	if len(grant.RenewalSecret) == 0 {
		return nil, ErrNoRenewalSecret
	}

	if d.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	}

	token, err := d.config.TokenSource(ctx, &oauth2.Token{RefreshToken: string(grant.RenewalSecret)}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil || transientStatus(retrieveErr.Response.StatusCode) {
			return nil, unavailable(fmt.Errorf("direct renewal failed: %w", err))
		}

		if retrieveErr.ErrorCode == "invalid_grant" {
			log.Warn(ctx, "Renewal secret rejected by issuer")
		}

		return nil, fmt.Errorf("direct renewal rejected: %w", err)
	}

	return token, nil
}
