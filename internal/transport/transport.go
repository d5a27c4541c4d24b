// Package transport implements the authenticated HTTP request primitives
// and SSE stream opening used by the rest of the sync engine: uniform retry
// on 429/401/5xx, health bookkeeping, and tracing spans around each call.
// The actual OAuth2 token refresh and the raw SSE wire framing are owned by
// the external AuthProvider collaborator — this package only decides *when*
// to retry and *how long* to back off.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/mbrt/homeconnect-sync/internal/config"
	"github.com/mbrt/homeconnect-sync/internal/hcerrors"
	"github.com/mbrt/homeconnect-sync/internal/health"
)

var tracer = otel.Tracer("github.com/mbrt/homeconnect-sync/internal/transport")

const acceptHeader = "application/vnd.bsh.sdk.v1+json"

// maxAttempts bounds retries on 429/401/5xx, per spec: up to 3 attempts total.
const maxAttempts = 3

// AuthProvider is the external collaborator: it supplies a currently-valid
// bearer token (refreshing as needed), performs the HTTP round-trip, and
// opens an SSE source. Implementations live outside this module (OAuth2
// code-flow login is explicitly out of scope here).
type AuthProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Request(ctx context.Context, method, absoluteURL string, headers http.Header, body []byte) (*http.Response, error)
	OpenStream(ctx context.Context, absoluteURL string, headers http.Header, timeout time.Duration) (EventSource, error)
}

// Event is one message read off the SSE stream.
type Event struct {
	Type        string
	LastEventID string
	Data        string
}

// EventSource is a lazy iterator of SSE messages.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Envelope is the uniform result of a REST call.
type Envelope struct {
	Status           int
	Headers          http.Header
	Body             map[string]any
	ErrorKey         string
	ErrorDescription string
}

// Transport issues authenticated HTTP requests against the Home Connect API
// with uniform retry handling, and opens the SSE event stream.
type Transport struct {
	auth    AuthProvider
	apiHost string
	health  *health.Tracker
	limiter *rate.Limiter
	backoff config.BackoffConfig
}

// New creates a Transport. health may be nil if the caller doesn't need
// BLOCKED-state bookkeeping (mainly for tests).
func New(auth AuthProvider, apiHost string, backoffCfg config.BackoffConfig, tracker *health.Tracker) *Transport {
	return &Transport{
		auth:    auth,
		apiHost: apiHost,
		health:  tracker,
		// Client-side pacing independent of the BLOCKED flag: a steady
		// trickle of requests never needs a 429 to learn restraint.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		backoff: backoffCfg,
	}
}

// Get issues a GET request.
func (t *Transport) Get(ctx context.Context, path string) (Envelope, error) {
	return t.do(ctx, http.MethodGet, path, nil)
}

// Put issues a PUT request with a JSON body.
func (t *Transport) Put(ctx context.Context, path string, body []byte) (Envelope, error) {
	return t.do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (t *Transport) Delete(ctx context.Context, path string) (Envelope, error) {
	return t.do(ctx, http.MethodDelete, path, nil)
}

func (t *Transport) do(ctx context.Context, method, path string, body []byte) (Envelope, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("transport.%s", method))
	defer span.End()

	reqID := uuid.NewString()
	url := t.apiHost + path
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path), attribute.String("request.id", reqID))

	var attempt int
	var env Envelope

	op := func() error {
		attempt++
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(hcerrors.Wrap(hcerrors.KindTransport, "rate limiter wait canceled", err))
		}

		token, err := t.auth.AccessToken(ctx)
		if err != nil {
			return backoff.Permanent(hcerrors.Wrap(hcerrors.KindAuthExpired, "failed to obtain access token", err))
		}

		headers := http.Header{}
		headers.Set("Authorization", "Bearer "+token)
		headers.Set("Accept", acceptHeader)
		headers.Set("X-Request-Id", reqID)
		if method == http.MethodPut && body != nil {
			headers.Set("Content-Type", acceptHeader)
		}

		resp, err := t.auth.Request(ctx, method, url, headers, body)
		if err != nil {
			log.Debug().Str("method", method).Str("path", path).Int("attempt", attempt).Err(err).Msg("transport request failed")
			if attempt >= maxAttempts {
				return backoff.Permanent(hcerrors.Wrap(hcerrors.KindTransport, "request failed after retries", err))
			}
			return err
		}
		defer resp.Body.Close()

		parsed, perr := parseEnvelope(resp)
		if perr != nil {
			return backoff.Permanent(hcerrors.Wrap(hcerrors.KindTransport, "failed to parse response", perr))
		}
		env = parsed

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := retryAfterSeconds(resp.Header)
			if t.health != nil {
				t.health.SetBlockedFor(time.Duration(retryAfter) * time.Second)
			}
			if attempt >= maxAttempts {
				return backoff.Permanent(hcerrors.FromResponse(hcerrors.KindRateLimited, resp.StatusCode, env.ErrorKey, env.ErrorDescription))
			}
			sleep := time.Duration(retryAfter+1) * time.Second
			log.Warn().Str("path", path).Int("retry_after_s", retryAfter).Msg("rate limited, sleeping before retry")
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("429 rate limited")

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500:
			if attempt >= maxAttempts {
				kind := hcerrors.KindServiceError
				if resp.StatusCode == http.StatusUnauthorized {
					kind = hcerrors.KindAuthExpired
				}
				return backoff.Permanent(hcerrors.FromResponse(kind, resp.StatusCode, env.ErrorKey, env.ErrorDescription))
			}
			return fmt.Errorf("status %d, retrying", resp.StatusCode)

		default:
			return nil
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.backoff.InitialInterval
	bo.MaxInterval = t.backoff.MaxInterval
	bo.MaxElapsedTime = 0
	withMax := backoff.WithMaxRetries(bo, maxAttempts-1)
	withCtx := backoff.WithContext(withMax, ctx)

	if err := backoff.Retry(op, withCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if herr, ok := err.(*hcerrors.Error); ok {
			return env, herr
		}
		return env, hcerrors.Wrap(hcerrors.KindTransport, "exhausted retries (901)", err)
	}

	return env, nil
}

func retryAfterSeconds(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 1
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return 1
}

func parseEnvelope(resp *http.Response) (Envelope, error) {
	env := Envelope{Status: resp.StatusCode, Headers: resp.Header}

	if resp.StatusCode == http.StatusNoContent {
		return env, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, err
	}
	if len(raw) == 0 {
		return env, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Non-JSON bodies are not expected from this API but shouldn't
		// abort the call; the caller interprets Status/ErrorKey.
		return env, nil
	}

	if errObj, ok := decoded["error"].(map[string]any); ok {
		if key, ok := errObj["key"].(string); ok {
			env.ErrorKey = key
		}
		if desc, ok := errObj["description"].(string); ok {
			env.ErrorDescription = desc
		}
		return env, nil
	}

	if data, ok := decoded["data"].(map[string]any); ok {
		env.Body = data
	} else {
		env.Body = decoded
	}
	return env, nil
}

// OpenEventStream opens the SSE stream at path, passing timeout through to
// the AuthProvider's OpenStream.
func (t *Transport) OpenEventStream(ctx context.Context, path string, timeout time.Duration) (EventSource, error) {
	token, err := t.auth.AccessToken(ctx)
	if err != nil {
		return nil, hcerrors.Wrap(hcerrors.KindAuthExpired, "failed to obtain access token for SSE", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Accept", "text/event-stream")

	src, err := t.auth.OpenStream(ctx, t.apiHost+path, headers, timeout)
	if err != nil {
		return nil, hcerrors.Wrap(hcerrors.KindTransport, "failed to open event stream (902)", err)
	}
	return src, nil
}
