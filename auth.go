package dap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	tokenRefreshMargin     = 120 * time.Second // refresh at least this long before expiry
	tokenRefreshWatchDelay = 60 * time.Second   // watch-loop tick
	tokenReloginWait       = 10 * time.Second
	maxReloginAttempts     = 5
)

// TokenConfig describes the external token endpoint this proxy
// authenticates against. Request/response semantics beyond login and
// refresh are opaque to the core, per the distilled spec's "Out of
// scope" note on the token-issuance client.
type TokenConfig struct {
	TokenEndpoint   string
	RefreshEndpoint string
	Username        string
	Password        string
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Authenticator holds the current bearer token and keeps it fresh. It
// exposes BearerToken() under a read lock; the refresh loop holds the
// write lock only for the brief duration of a token swap.
type Authenticator struct {
	cfg    TokenConfig
	client *HTTPClientPool

	mu           sync.RWMutex
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

// NewAuthenticator performs an initial login and returns a ready
// Authenticator, or a fatal error if login fails.
func NewAuthenticator(ctx context.Context, cfg TokenConfig, client *HTTPClientPool) (*Authenticator, error) {
	a := &Authenticator{cfg: cfg, client: client}
	if err := a.login(ctx); err != nil {
		return nil, err
	}
	Log.Info("successful login")
	return a, nil
}

// BearerToken returns the current id token for use in an Authorization
// header.
func (a *Authenticator) BearerToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idToken
}

func (a *Authenticator) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"username": a.cfg.Username, "password": a.cfg.Password})
	if err != nil {
		return err
	}
	tr, err := a.post(ctx, a.cfg.TokenEndpoint, body)
	if err != nil {
		return err
	}
	a.store(tr)
	return nil
}

func (a *Authenticator) refresh(ctx context.Context) error {
	a.mu.RLock()
	refreshToken := a.refreshToken
	a.mu.RUnlock()

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return err
	}
	tr, err := a.post(ctx, a.cfg.RefreshEndpoint, body)
	if err != nil {
		return err
	}
	a.store(tr)
	return nil
}

func (a *Authenticator) post(ctx context.Context, url string, body []byte) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrDoHQuery
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (a *Authenticator) store(tr *tokenResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idToken = tr.IDToken
	a.refreshToken = tr.RefreshToken
	a.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
}

func (a *Authenticator) expiresIn() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Until(a.expiresAt)
}

// StartRefreshService watches token expiration every tokenRefreshWatchDelay
// (short, so the proxy recovers quickly from e.g. laptop suspend) and
// refreshes the token tokenRefreshMargin before it expires, falling back to
// a full re-login on refresh failure. If both refresh and relogin fail
// maxReloginAttempts times in a row, it reports ErrAuthenticationExhausted
// on errCh and stops.
func (a *Authenticator) StartRefreshService(ctx context.Context, errCh chan<- error) {
	go func() {
		ticker := time.NewTicker(tokenRefreshWatchDelay)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if a.expiresIn() > tokenRefreshMargin {
				continue
			}

			Log.Info("id token is about to expire, refreshing")
			if err := a.refresh(ctx); err == nil {
				failures = 0
				continue
			}
			Log.Warn("refresh failed, logging in again")

			relogged := false
			for attempt := 0; attempt < maxReloginAttempts; attempt++ {
				if err := a.login(ctx); err == nil {
					relogged = true
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(tokenReloginWait):
				}
			}
			if !relogged {
				failures++
				Log.WithField("consecutive_failures", failures).Error("exhausted relogin attempts")
				select {
				case errCh <- ErrAuthenticationExhausted:
				default:
				}
				return
			}
			failures = 0
		}
	}()
}
