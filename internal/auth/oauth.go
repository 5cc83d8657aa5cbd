package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

const (
	authURL  = "https://www.strava.com/oauth/authorize"
	tokenURL = "https://www.strava.com/oauth/token"

	// DefaultRedirectURL is where the CLI login flow listens for the callback
	DefaultRedirectURL = "http://localhost:8089/callback"

	scopes = "activity:read_all"
)

// ErrStateMismatch is returned when the callback state does not match the request
var ErrStateMismatch = errors.New("oauth state mismatch")

// Config holds the Strava application credentials
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint overrides the Strava endpoints (for testing)
	Endpoint *oauth2.Endpoint
}

// StravaOAuthConfig returns an OAuth2 config for Strava
func StravaOAuthConfig(cfg Config) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		AuthURL:   authURL,
		TokenURL:  tokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirect,
		Scopes:       []string{scopes},
	}
}

// Token is the result of a code exchange
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	TokenType    string `json:"token_type"`
	AthleteID    int64  `json:"athlete_id,omitempty"`
}

// TokenFromOAuth2 converts an oauth2.Token, picking the athlete id out of
// Strava's extra response fields when present.
func TokenFromOAuth2(token *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		t.ExpiresAt = token.Expiry.Unix()
	}
	if athlete, ok := token.Extra("athlete").(map[string]any); ok {
		if id, ok := athlete["id"].(float64); ok {
			t.AthleteID = int64(id)
		}
	}
	return t
}

// ExpiresSoon reports whether the access token has less than five minutes left
func (t *Token) ExpiresSoon() bool {
	return IsTokenExpired(t.ExpiresAt)
}

// IsTokenExpired checks if the token is expired or will expire soon
func IsTokenExpired(expiresAt int64) bool {
	if expiresAt == 0 {
		return false
	}
	return time.Now().Unix() > (expiresAt - 300)
}

// Exchanger turns authorization codes into access tokens for the dashboard
type Exchanger struct {
	config *oauth2.Config
}

// NewExchanger creates an exchanger for cfg
func NewExchanger(cfg Config) *Exchanger {
	return &Exchanger{config: StravaOAuthConfig(cfg)}
}

// AuthCodeURL returns the Strava authorization page URL
func (e *Exchanger) AuthCodeURL(state string) string {
	return e.config.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "force"))
}

// Exchange trades code for a token
func (e *Exchanger) Exchange(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	token, err := e.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return TokenFromOAuth2(token), nil
}

// NewState returns a random value for the OAuth state parameter
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Authenticate runs the browser authorization flow: it serves the redirect URL
// locally, opens the authorization page and exchanges the returned code.
func Authenticate(ctx context.Context, cfg Config, out io.Writer) (*Token, error) {
	exchanger := NewExchanger(cfg)

	redirect, err := url.Parse(exchanger.config.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URL: %w", err)
	}

	state, err := NewState()
	if err != nil {
		return nil, err
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			sendErr(errChan, ErrStateMismatch)
			return
		}
		code := q.Get("code")
		if code == "" {
			errMsg := q.Get("error")
			if errMsg == "" {
				errMsg = "no authorization code received"
			}
			http.Error(w, errMsg, http.StatusBadRequest)
			sendErr(errChan, fmt.Errorf("authorization failed: %s", errMsg))
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>`)
		select {
		case codeChan <- code:
		default:
		}
	})

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listening for callback: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(errChan, fmt.Errorf("callback server error: %w", err))
		}
	}()
	defer server.Shutdown(context.Background())

	authPage := exchanger.AuthCodeURL(state)
	fmt.Fprintln(out, "Opening browser for Strava authorization...")
	fmt.Fprintf(out, "If browser doesn't open, visit: %s\n\n", authPage)

	if err := browser.OpenURL(authPage); err != nil {
		logging.Logger.Debug().Err(err).Msg("could not open browser")
	}

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, errors.New("authorization timeout")
	}

	return exchanger.Exchange(ctx, code)
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
