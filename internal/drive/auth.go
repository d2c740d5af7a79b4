package drive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	drive "google.golang.org/api/drive/v3"
)

var (
	ErrNotConfigured    = errors.New("google oauth is not configured")
	ErrNotAuthenticated = errors.New("not authenticated with google")
	ErrInvalidState     = errors.New("oauth state mismatch")
)

const stateTTL = 10 * time.Minute

// Auth owns the OAuth client configuration and the single process-wide
// credential. Tokens are persisted through the TokenStore and refreshed
// tokens are written back.
type Auth struct {
	logger *slog.Logger
	cfg    *oauth2.Config
	store  *TokenStore
	states *expirable.LRU[string, struct{}]

	mu    sync.Mutex
	token *oauth2.Token
}

func NewAuth(logger *slog.Logger, clientID, clientSecret, redirectURL string, store *TokenStore) *Auth {
	a := &Auth{
		logger: logger,
		store:  store,
		states: expirable.NewLRU[string, struct{}](128, nil, stateTTL),
	}
	if clientID != "" && clientSecret != "" {
		a.cfg = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveReadonlyScope},
		}
	}
	if store != nil {
		tok, err := store.Load()
		switch {
		case err == nil:
			a.token = tok
			logger.Info("loaded google credentials from disk")
		case !errors.Is(err, ErrNoToken):
			logger.Warn("failed to load google credentials", "error", err)
		}
	}
	return a
}

func (a *Auth) Configured() bool { return a.cfg != nil }

// AuthCodeURL starts a consent flow and remembers its state value.
func (a *Auth) AuthCodeURL() (string, error) {
	if a.cfg == nil {
		return "", ErrNotConfigured
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)
	a.states.Add(state, struct{}{})
	return a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange completes the flow started by AuthCodeURL.
func (a *Auth) Exchange(ctx context.Context, state, code string) error {
	if a.cfg == nil {
		return ErrNotConfigured
	}
	if _, ok := a.states.Get(state); !ok {
		return ErrInvalidState
	}
	a.states.Remove(state)

	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return err
	}
	a.setToken(tok)
	a.logger.Info("google tokens received", "refresh_token", tok.RefreshToken != "")
	return nil
}

// LoggedIn reports whether a credential is held in memory.
func (a *Auth) LoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != nil
}

// Validate obtains a usable access token, refreshing if needed. A
// credential that cannot produce one is dropped and its file deleted.
func (a *Auth) Validate(ctx context.Context) bool {
	ts, err := a.TokenSource(ctx)
	if err != nil {
		return false
	}
	tok, err := ts.Token()
	if err == nil && tok.AccessToken != "" {
		return true
	}
	a.logger.Warn("google token validation failed, forcing re-login", "error", err)
	_ = a.Logout()
	return false
}

// Logout forgets the credential in memory and on disk.
func (a *Auth) Logout() error {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	return a.store.Delete()
}

// TokenSource returns a refreshing source over the current credential.
func (a *Auth) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	if tok == nil {
		return nil, ErrNotAuthenticated
	}
	cfg := a.cfg
	if cfg == nil {
		cfg = &oauth2.Config{Endpoint: google.Endpoint}
	}
	return &savingSource{auth: a, base: cfg.TokenSource(ctx, tok), last: tok.AccessToken}, nil
}

func (a *Auth) setToken(tok *oauth2.Token) {
	a.mu.Lock()
	// Google omits the refresh token on refresh responses.
	if tok.RefreshToken == "" && a.token != nil {
		tok.RefreshToken = a.token.RefreshToken
	}
	a.token = tok
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Save(tok); err != nil {
			a.logger.Warn("failed to persist google tokens", "error", err)
		}
	}
}

// savingSource persists tokens the base source refreshes.
type savingSource struct {
	auth *Auth

	mu   sync.Mutex
	base oauth2.TokenSource
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		s.auth.setToken(tok)
	}
	return tok, nil
}
