// Package auth handles the Google OAuth2 installed-app flow for the Gmail
// adapter: client secrets from a downloaded credentials.json, a cached
// token.json with a refresh token, and a local-callback web flow for the
// first authorization.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// LocalhostAuthPort is where the local web server listens to capture the
// OAuth redirect during interactive authorization.
const LocalhostAuthPort = "6789"

// ErrNoToken is returned when no cached token exists and interactive
// authorization was not requested.
var ErrNoToken = errors.New("no cached oauth token; run with -auth first")

// Options locates the credential files. Both paths must be absolute.
type Options struct {
	CredentialsFile string
	TokenFile       string
	Scopes          []string
}

// Config builds an oauth2.Config from the client secrets file.
func Config(opts Options) (*oauth2.Config, error) {
	b, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret file %s: %w", opts.CredentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(b, opts.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}
	// The redirect must match the local listener regardless of what the
	// downloaded credentials say.
	cfg.RedirectURL = fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
	return cfg, nil
}

// Client returns an authenticated HTTP client from the cached token. The
// returned client refreshes the access token automatically; it never starts
// an interactive flow.
func Client(ctx context.Context, opts Options) (*http.Client, error) {
	cfg, err := Config(opts)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(opts.TokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	return cfg.Client(ctx, tok), nil
}

// Authorize runs the full interactive flow: it opens a local listener,
// prints the consent URL, exchanges the returned code, and caches the
// token. Any existing token is replaced.
func Authorize(ctx context.Context, opts Options) error {
	cfg, err := Config(opts)
	if err != nil {
		return err
	}
	tok, err := tokenFromWeb(ctx, cfg)
	if err != nil {
		return err
	}
	return saveToken(opts.TokenFile, tok)
}

// tokenFromWeb captures an authorization code via a local web server and
// exchanges it for a token.
func tokenFromWeb(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", ":"+LocalhostAuthPort)
	if err != nil {
		return nil, fmt.Errorf("start listener on port %s: %w", LocalhostAuthPort, err)
	}
	defer listener.Close()

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "authorization code not found", http.StatusBadRequest)
				errCh <- fmt.Errorf("authorization code not found in redirect")
				return
			}
			fmt.Fprint(w, "Authentication successful! You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()
	defer server.Shutdown(context.Background())

	// AccessTypeOffline so Google returns a refresh token.
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open the following URL in your browser to authorize taskhub:\n%s\n", authURL)

	select {
	case code := <-codeCh:
		exCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := cfg.Exchange(exCtx, code)
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authorization timed out, please try again")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token from %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cache oauth token to %s: %w", path, err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
