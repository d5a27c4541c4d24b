package homeconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/mbrt/homeconnect-sync/internal/config"
)

type scriptedAuth struct {
	responses map[string][]scriptedResponse
}

type scriptedResponse struct {
	status  int
	headers http.Header
	body    map[string]any
}

func newScriptedAuth() *scriptedAuth {
	return &scriptedAuth{responses: map[string][]scriptedResponse{}}
}

func (s *scriptedAuth) queue(method, path string, r scriptedResponse) {
	key := method + " " + path
	s.responses[key] = append(s.responses[key], r)
}

func (s *scriptedAuth) AccessToken(ctx context.Context) (string, error) { return "tok", nil }

func (s *scriptedAuth) Request(ctx context.Context, method, absoluteURL string, headers http.Header, body []byte) (*http.Response, error) {
	key := method + " " + absoluteURL
	queued := s.responses[key]
	var r scriptedResponse
	if len(queued) > 0 {
		r = queued[0]
		s.responses[key] = queued[1:]
	} else {
		r = scriptedResponse{status: http.StatusOK, body: map[string]any{}}
	}

	h := r.headers
	if h == nil {
		h = http.Header{}
	}
	resp := &http.Response{StatusCode: r.status, Header: h}
	raw, _ := json.Marshal(map[string]any{"data": r.body})
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

func (s *scriptedAuth) OpenStream(ctx context.Context, absoluteURL string, headers http.Header, timeout time.Duration) (EventSource, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		APIHost: "https://api.example",
		Backoff: config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}
}

func TestLoadCreatesAndRemovesAppliances(t *testing.T) {
	auth := newScriptedAuth()
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{
		status: 200,
		body: map[string]any{
			"homeappliances": []any{
				map[string]any{"haId": "A", "name": "Dishwasher", "connected": true},
			},
		},
	})

	coord, err := Create(context.Background(), auth, testConfig(), RefreshValidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer coord.Close()

	if coord.Appliance("A") == nil {
		t.Fatal("expected appliance A to be created")
	}

	// The second listing is empty, so the removal step must drop A and
	// emit DEPAIRED for it.
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{status: 200, body: map[string]any{"homeappliances": []any{}}})
	var depaired bool
	coord.RegisterCallback().OnKey("DEPAIRED", func(haId, key string, value any) { depaired = true })

	if err := coord.Load(context.Background(), RefreshNothing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if coord.Appliance("A") != nil {
		t.Fatal("expected appliance A to be removed after disappearing from the list")
	}
	if !depaired {
		t.Fatal("expected DEPAIRED to be emitted for the removed appliance")
	}
}

func TestRateLimitedGetRetriesAfterDelay(t *testing.T) {
	auth := newScriptedAuth()
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{
		status:  http.StatusTooManyRequests,
		headers: http.Header{"Retry-After": []string{"0"}},
		body:    map[string]any{"error": map[string]any{"key": "rate limited"}},
	})
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{
		status: 200,
		body:   map[string]any{"homeappliances": []any{}},
	})

	coord, err := Create(context.Background(), auth, testConfig(), RefreshValidate)
	if err != nil {
		t.Fatalf("expected the second attempt to succeed after the 429, got: %v", err)
	}
	coord.Close()
}

// TestSnapshotRoundTripsAppliancesWithoutLiveCollaborators checks that a
// Coordinator restored from WithSnapshot sees the same appliance set, with
// the transport/registry re-wired rather than left nil.
func TestSnapshotRoundTripsAppliancesWithoutLiveCollaborators(t *testing.T) {
	auth := newScriptedAuth()
	auth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{
		status: 200,
		body: map[string]any{
			"homeappliances": []any{
				map[string]any{"haId": "A", "name": "Dishwasher", "connected": true},
			},
		},
	})

	original, err := Create(context.Background(), auth, testConfig(), RefreshValidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer original.Close()

	data, err := original.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error snapshotting: %v", err)
	}

	restoredAuth := newScriptedAuth()
	restoredAuth.queue(http.MethodGet, "https://api.example/api/homeappliances", scriptedResponse{
		status: 200,
		body: map[string]any{
			"homeappliances": []any{
				map[string]any{"haId": "A", "name": "Dishwasher", "connected": true},
			},
		},
	})

	restored, err := Create(context.Background(), restoredAuth, testConfig(), RefreshNothing, WithSnapshot(data))
	if err != nil {
		t.Fatalf("unexpected error restoring: %v", err)
	}
	defer restored.Close()

	eng := restored.Appliance("A")
	if eng == nil {
		t.Fatal("expected appliance A to survive the snapshot round trip")
	}
	if eng.HaId() != "A" {
		t.Fatalf("expected haId A, got %q", eng.HaId())
	}
	if !eng.HasCollaborators() {
		t.Fatal("expected the restored appliance to be re-wired with a live transport")
	}
}
