package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"idealista_collector/models"
)

// ErrAuth marks credential failures. They are fatal for the current run: no
// valid credential means no useful work is possible.
var ErrAuth = errors.New("authentication failed")

// Tokens are refreshed this far ahead of their expiry.
const refreshMargin = 5 * time.Minute

// RequestRecorder writes one api_requests ledger row per upstream attempt.
// Implementations must not fail the caller; recording is observability only.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, req *models.APIRequest)
}

// TokenSource provides a valid bearer credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenManager caches a short-lived bearer token obtained via the OAuth2
// client-credentials grant and refreshes it before expiry. Concurrent callers
// share a single in-flight exchange.
type TokenManager struct {
	tokenURL string
	key      string
	secret   string
	client   *http.Client
	recorder RequestRecorder
	now      func() time.Time
	log      zerolog.Logger

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(tokenURL, key, secret string, timeout time.Duration, recorder RequestRecorder, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		tokenURL: tokenURL,
		key:      key,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		recorder: recorder,
		now:      time.Now,
		log:      log,
	}
}

// Token returns the cached credential, exchanging for a new one when the cache
// is empty or within the refresh margin of expiry. Exchange failure is not
// retried here; it surfaces as ErrAuth.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		// A concurrent caller may have refreshed while we waited.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached credential, forcing an exchange on the next call.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	m.log.Info().Msg("token_cache_invalidated")
}

func (m *TokenManager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || !m.now().Add(refreshMargin).Before(m.expiresAt) {
		return "", false
	}
	return m.token, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (m *TokenManager) exchange(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", ErrAuth, err)
	}
	req.SetBasicAuth(m.key, m.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m.log.Info().Msg("requesting_oauth_token")
	start := m.now()

	resp, err := m.client.Do(req)
	duration := m.now().Sub(start)

	if err != nil {
		m.record(ctx, nil, duration, err.Error())
		return "", fmt.Errorf("%w: token exchange: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		m.record(ctx, &resp.StatusCode, duration, fmt.Sprintf("status %d: %s", resp.StatusCode, body))
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		m.record(ctx, &resp.StatusCode, duration, "decode: "+err.Error())
		return "", fmt.Errorf("%w: decode token response: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		m.record(ctx, &resp.StatusCode, duration, "empty access_token")
		return "", fmt.Errorf("%w: empty access_token", ErrAuth)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	m.mu.Lock()
	m.token = tr.AccessToken
	m.expiresAt = m.now().Add(ttl)
	expiresAt := m.expiresAt
	m.mu.Unlock()

	m.record(ctx, &resp.StatusCode, duration, "")
	m.log.Info().Time("expires_at", expiresAt).Msg("oauth_token_obtained")

	return tr.AccessToken, nil
}

func (m *TokenManager) record(ctx context.Context, status *int, duration time.Duration, errMsg string) {
	if m.recorder == nil {
		return
	}
	m.recorder.RecordRequest(ctx, &models.APIRequest{
		RequestType:  models.RequestTypeOAuthToken,
		Endpoint:     m.tokenURL,
		StatusCode:   status,
		DurationMS:   int(duration.Milliseconds()),
		ErrorMessage: truncateError(errMsg),
		JobID:        JobIDFrom(ctx),
		CreatedAt:    m.now(),
	})
}

type jobIDKey struct{}

// WithJobID tags a context with the run identifier recorded in the ledger.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom extracts the run identifier set by WithJobID, if any.
func JobIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return ""
}

const maxErrorLen = 256

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
