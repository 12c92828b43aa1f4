// Package auth implements remote.TokenSource against an OAuth2 refresh
// grant, grounded on the teacher's TokenFile/RefreshResponse shapes
// (shared/pkg/client/auth.go) but generalized from the teacher's
// bespoke bearer-token server to the standard OAuth2 "refresh_token"
// grant a Microsoft-identity-platform-shaped token endpoint expects.
// Interactive acquisition (the initial authorization-code/PKCE exchange)
// is explicitly out of scope (§4.2, §6) — this package only refreshes a
// token that must already exist on disk.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/onedrived/onedrived/internal/remote"
)

// TokenFile is the on-disk persisted credential, grounded on the
// teacher's TokenFile (Token/ExpiresAt) plus a refresh token so this
// package can silently renew an expired access token.
type TokenFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired mirrors the teacher's TokenFile.IsExpired margin check.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

func loadTokenFile(path string) (*TokenFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

func saveTokenFile(path string, tf *TokenFile) error {
	raw, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// Config points a Source at the refresh endpoint and the on-disk
// credential it renews.
type Config struct {
	TokenEndpoint string
	ClientID      string
	Scope         string
	TokenFilePath string
	RefreshMargin time.Duration
}

// Source is the default remote.TokenSource: it serves a cached access
// token until it's within RefreshMargin of expiry, then refreshes it via
// the OAuth2 refresh_token grant and persists the result.
type Source struct {
	cfg        Config
	httpClient *http.Client

	mu  sync.Mutex
	cur *TokenFile
}

// New constructs a Source. The token file must already exist — this
// package never performs the interactive authorization-code exchange.
func New(cfg Config) (*Source, error) {
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 2 * time.Minute
	}
	tf, err := loadTokenFile(cfg.TokenFilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInteractionRequired, err)
	}
	return &Source{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cur:        tf,
	}, nil
}

// FetchBearer implements remote.TokenSource.
func (s *Source) FetchBearer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cur.IsExpired(s.cfg.RefreshMargin) {
		return s.cur.AccessToken, nil
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.cur.AccessToken, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

func (s *Source) refresh(ctx context.Context) error {
	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.cur.RefreshToken},
		"scope":         {s.cfg.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return remote.NewError(remote.Fatal, "refresh_token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return remote.NewError(remote.Transient, "refresh_token", err)
	}
	defer resp.Body.Close()

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return remote.NewError(remote.Fatal, "refresh_token", err)
	}

	if resp.StatusCode == http.StatusBadRequest && (rr.Error == "invalid_grant" || rr.Error == "interaction_required") {
		return fmt.Errorf("%w: %s", remote.ErrInteractionRequired, rr.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return remote.NewError(remote.Auth, "refresh_token", fmt.Errorf("status %d: %s", resp.StatusCode, rr.Error))
	}

	tf := &TokenFile{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second),
	}
	if tf.RefreshToken == "" {
		tf.RefreshToken = s.cur.RefreshToken // some providers omit it on renewal
	}
	if err := saveTokenFile(s.cfg.TokenFilePath, tf); err != nil {
		return remote.NewError(remote.Fatal, "refresh_token", err)
	}
	s.cur = tf
	return nil
}
