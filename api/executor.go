package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"idealista_collector/models"
)

// ErrUpstreamUnavailable marks a call that exhausted its retry budget. It is
// not retried again at a higher level within the same run.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// RetryPolicy controls backoff between attempts on transient failures.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64 // 0..1, fraction of the delay added as random jitter
}

// DefaultRetryPolicy mirrors the upstream quota guidance: three attempts,
// exponential delays between 4s and 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    4 * time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff returns the delay before the attempt following the given one
// (1-indexed), capped at MaxDelay, with jitter applied.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.JitterFactor > 0 {
		d += rand.Float64() * d * p.JitterFactor
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// Retryable reports whether a status code indicates a transient condition.
func (p RetryPolicy) Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// RequestSpec describes one upstream call.
type RequestSpec struct {
	Type     string // ledger request_type
	Endpoint string // logical endpoint, e.g. "/search"
	URL      string
	Form     url.Values
}

// Executor wraps every upstream call with a per-call timeout, exponential
// backoff on rate-limit/transient errors, a single forced token refresh on
// 401, and one request-ledger row per attempt.
type Executor struct {
	client      *http.Client
	tokens      TokenSource
	policy      RetryPolicy
	recorder    RequestRecorder
	timeout     time.Duration
	minInterval time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	log         zerolog.Logger

	mu          sync.Mutex
	lastRequest time.Time

	calls atomic.Int64
}

func NewExecutor(tokens TokenSource, policy RetryPolicy, timeout, minInterval time.Duration, recorder RequestRecorder, log zerolog.Logger) *Executor {
	return &Executor{
		client:      &http.Client{Timeout: timeout},
		tokens:      tokens,
		policy:      policy,
		recorder:    recorder,
		timeout:     timeout,
		minInterval: minInterval,
		sleep:       sleepCtx,
		now:         time.Now,
		log:         log,
	}
}

// Calls reports the number of upstream attempts made so far.
func (e *Executor) Calls() int64 {
	return e.calls.Load()
}

// Do executes one upstream call, retrying per policy. The returned body is the
// raw response payload of the first successful attempt.
func (e *Executor) Do(ctx context.Context, spec RequestSpec) ([]byte, error) {
	var refreshed bool

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := e.throttle(ctx); err != nil {
			return nil, err
		}

		body, status, err := e.attempt(ctx, spec)

		switch {
		case err == nil && status < 300:
			return body, nil

		case errors.Is(err, ErrAuth):
			// Rejected credentials are fatal for the run; backoff cannot
			// produce a valid token.
			return nil, err

		case status == http.StatusUnauthorized:
			// Expired or revoked credential: force one refresh, then give up.
			e.tokens.Invalidate()
			if refreshed {
				return nil, fmt.Errorf("%w: credential rejected after refresh", ErrAuth)
			}
			refreshed = true
			attempt-- // the refresh retry does not consume a backoff attempt
			continue

		case err == nil && !e.policy.Retryable(status):
			return nil, fmt.Errorf("upstream error %d on %s", status, spec.Endpoint)
		}

		// Transient: transport error, timeout, 429 or 5xx.
		if attempt < e.policy.MaxAttempts {
			delay := e.policy.Backoff(attempt)
			e.log.Warn().
				Str("endpoint", spec.Endpoint).
				Int("attempt", attempt).
				Int("status", status).
				Dur("backoff", delay).
				Msg("transient_upstream_failure")
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts", ErrUpstreamUnavailable, spec.Endpoint, e.policy.MaxAttempts)
}

// attempt performs a single HTTP call and records it in the ledger regardless
// of outcome. status is 0 when the transport failed.
func (e *Executor) attempt(ctx context.Context, spec RequestSpec) ([]byte, int, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, spec.URL, strings.NewReader(spec.Form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	e.calls.Add(1)
	start := e.now()

	resp, err := e.client.Do(req)
	duration := e.now().Sub(start)

	if err != nil {
		e.record(ctx, spec, nil, duration, err.Error())
		return nil, 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		e.record(ctx, spec, &resp.StatusCode, duration, "read body: "+readErr.Error())
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", readErr)
	}

	errMsg := ""
	if resp.StatusCode >= 400 {
		errMsg = fmt.Sprintf("status %d: %s", resp.StatusCode, body)
	}
	e.record(ctx, spec, &resp.StatusCode, duration, errMsg)

	return body, resp.StatusCode, nil
}

func (e *Executor) record(ctx context.Context, spec RequestSpec, status *int, duration time.Duration, errMsg string) {
	if e.recorder == nil {
		return
	}
	params, _ := json.Marshal(flattenForm(spec.Form))
	e.recorder.RecordRequest(ctx, &models.APIRequest{
		RequestType:   spec.Type,
		Endpoint:      spec.Endpoint,
		StatusCode:    status,
		DurationMS:    int(duration.Milliseconds()),
		RequestParams: params,
		ErrorMessage:  truncateError(errMsg),
		JobID:         JobIDFrom(ctx),
		CreatedAt:     e.now(),
	})
}

// throttle enforces the politeness delay between consecutive upstream calls.
func (e *Executor) throttle(ctx context.Context) error {
	if e.minInterval <= 0 {
		return nil
	}

	e.mu.Lock()
	now := e.now()
	wait := e.minInterval - now.Sub(e.lastRequest)
	if wait > 0 {
		e.lastRequest = now.Add(wait)
	} else {
		e.lastRequest = now
	}
	e.mu.Unlock()

	if wait > 0 {
		return e.sleep(ctx, wait)
	}
	return nil
}

func flattenForm(form url.Values) map[string]string {
	flat := make(map[string]string, len(form))
	for k := range form {
		flat[k] = form.Get(k)
	}
	return flat
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
