package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/jarmo-productory/ritemark-sync/log"
)

// CredentialSink persists the outcome of a sign-in.
type CredentialSink interface {
	StoreCredentials(ctx context.Context, token *oauth2.Token, userID string) error
}

// Result is the outcome of one sign-in attempt.
type Result struct {
	UserID string
	Err    error
}

// CallbackHandler completes sign-in on the loopback redirect URI. Only the
// first redirect is honored.
type CallbackHandler struct {
	authorizer *Authorizer
	sink       CredentialSink

	once sync.Once
	done chan Result
}

// NewCallbackHandler returns a handler that stores credentials into sink.
func NewCallbackHandler(authorizer *Authorizer, sink CredentialSink) *CallbackHandler {
	return &CallbackHandler{
		authorizer: authorizer,
		sink:       sink,
		done:       make(chan Result, 1),
	}
}

// Done delivers the result of the first redirect.
func (h *CallbackHandler) Done() <-chan Result {
	return h.done
}

func (h *CallbackHandler) finish(result Result) {
	h.once.Do(func() {
		h.done <- result
	})
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if reason := query.Get("error"); reason != "" {
		h.finish(Result{Err: fmt.Errorf("%w: %s", ErrAccessDenied, reason)})
		http.Error(w, "Sign-in was cancelled.", http.StatusForbidden)

		return
	}

	if err := h.authorizer.ValidateState(query.Get("state")); err != nil {
		log.Warn(ctx, "Rejected sign-in redirect", "error", err)
		http.Error(w, "Invalid sign-in state.", http.StatusBadRequest)

		return
	}

	code := query.Get("code")
	if code == "" {
		h.finish(Result{Err: ErrMissingCode})
		http.Error(w, "Missing authorization code.", http.StatusBadRequest)

		return
	}

	token, userID, err := h.authorizer.Exchange(ctx, code)
	if err == nil {
		err = h.sink.StoreCredentials(ctx, token, userID)
	}

	if err != nil {
		log.Error(ctx, err, "Sign-in failed")
		h.finish(Result{Err: err})
		http.Error(w, "Sign-in failed.", http.StatusInternalServerError)

		return
	}

	log.Info(ctx, "Signed in", "user_id", userID)
	h.finish(Result{UserID: userID})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Signed in. You can close this window.\n"))
}
