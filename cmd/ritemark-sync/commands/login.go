package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jarmo-productory/ritemark-sync/auth"
	"github.com/jarmo-productory/ritemark-sync/log"
)

// LoginCommand signs the device in through the browser.
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in with Google and store credentials on this device",
		Action: func(ctx context.Context, _ *cli.Command) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			return eng.login(ctx)
		},
	}
}

func (e *engine) login(ctx context.Context) error {
	oauthConfig, err := e.cfg.OAuth2Config()
	if err != nil {
		return err //nolint:wrapcheck // already annotated
	}

	redirect, err := url.Parse(oauthConfig.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	authorizer := auth.NewAuthorizer(oauthConfig)
	callback := auth.NewCallbackHandler(authorizer, e.credentials)

	path := redirect.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.Handle(path, callback)

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	server := &http.Server{
		Handler:      log.CorrelationIDMiddleware(log.LoggingMiddleware(mux)),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err, "Sign-in callback server error")
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	authURL, err := authorizer.AuthorizationURL()
	if err != nil {
		return fmt.Errorf("failed to build authorization URL: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation
	case result := <-callback.Done():
		if result.Err != nil {
			return fmt.Errorf("sign-in failed: %w", result.Err)
		}

		fmt.Fprintf(os.Stdout, "Signed in as %s\n", result.UserID)
	}

	if _, err := e.settings.LoadSettings(ctx); err != nil {
		log.Warn(ctx, "Signed in, but settings could not be loaded", "error", err)
	}

	return nil
}

// LogoutCommand removes the stored credentials.
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the credentials stored on this device",
		Action: func(ctx context.Context, _ *cli.Command) error {
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			eng.credentials.Clear(ctx)

			fmt.Fprintln(os.Stdout, "Signed out")

			return nil
		},
	}
}
