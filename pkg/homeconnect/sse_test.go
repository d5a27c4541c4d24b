package homeconnect

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/mbrt/homeconnect-sync/internal/appliance"
	"github.com/mbrt/homeconnect-sync/internal/config"
	"github.com/mbrt/homeconnect-sync/internal/health"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func TestClassifyStreamErrorRateLimitDoublesWithCap(t *testing.T) {
	err := &fakeErr{msg: "ConnectionError: request failed with status 429"}

	state, delay := classifyStreamError(err, 0)
	if state != stateBackoffRateLimited || delay != rateLimitBackoffInit {
		t.Fatalf("expected initial rate-limit backoff, got state=%v delay=%v", state, delay)
	}

	state, delay = classifyStreamError(err, 1800*time.Second)
	if state != stateBackoffRateLimited || delay != rateLimitBackoffMax {
		t.Fatalf("expected rate-limit backoff capped at max, got %v", delay)
	}
}

func TestClassifyStreamErrorGeneralCase(t *testing.T) {
	err := &fakeErr{msg: "some transient network error"}
	state, delay := classifyStreamError(err, 0)
	if state != stateBackoffGeneral || delay != generalBackoffInitial {
		t.Fatalf("expected general initial backoff, got state=%v delay=%v", state, delay)
	}
}

func TestClassifyStreamErrorTimeoutReconnectsImmediately(t *testing.T) {
	err := &fakeErr{msg: "context deadline exceeded (Timeout)"}
	state, delay := classifyStreamError(err, 30*time.Second)
	if state != stateConnecting || delay != 0 {
		t.Fatalf("expected immediate reconnect on timeout, got state=%v delay=%v", state, delay)
	}
}

func TestClassifyStreamErrorConnectionRefusedReconnectsImmediately(t *testing.T) {
	err := &fakeErr{msg: "dial tcp: connection refused"}
	state, delay := classifyStreamError(err, 10*time.Second)
	if state != stateConnecting || delay != 0 {
		t.Fatalf("expected immediate reconnect on connection refused, got state=%v delay=%v", state, delay)
	}
}

// TestHandleEventMidStreamPairFetchesAndEmitsPairedThenConnected covers the
// case of a CONNECTED event arriving for an appliance the coordinator has
// never seen: it should fetch the appliance, emit PAIRED, then CONNECTED.
func TestHandleEventMidStreamPairFetchesAndEmitsPairedThenConnected(t *testing.T) {
	auth := newScriptedAuth()
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances/B", scriptedResponse{
		status: 200,
		body:   map[string]any{"haId": "B", "name": "Oven", "connected": true},
	})

	c := &Coordinator{
		auth:       auth,
		cfg:        config.Config{APIHost: "https://api.example", Backoff: config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}},
		appliances: map[string]*appliance.Engine{},
		health:     health.New(nil),
	}
	c.transport = transport.New(auth, c.cfg.APIHost, c.cfg.Backoff, c.health)
	c.registry = registry.New()

	var sequence []string
	c.registry.OnAny(func(haId, key string, value any) { sequence = append(sequence, key) })

	c.handleEvent(context.Background(), transport.Event{Type: "CONNECTED", LastEventID: "B"})

	if c.Appliance("B") == nil {
		t.Fatal("expected appliance B to be created on mid-stream CONNECTED")
	}
	if len(sequence) != 2 || sequence[0] != registry.EventPaired || sequence[1] != registry.EventConnected {
		t.Fatalf("expected [PAIRED, CONNECTED], got %v", sequence)
	}
}
