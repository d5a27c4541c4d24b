package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mbrt/homeconnect-sync/internal/config"
	"github.com/mbrt/homeconnect-sync/internal/hcerrors"
	"github.com/mbrt/homeconnect-sync/internal/model"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

// fakeAuth is a scripted transport.AuthProvider: each call to Request pops
// the next queued response, so tests can script exact REST sequences
// without a real HTTP server.
type fakeAuth struct {
	responses map[string][]fakeResponse
	bodies    map[string][][]byte
}

type fakeResponse struct {
	status int
	body   map[string]any
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{responses: map[string][]fakeResponse{}, bodies: map[string][][]byte{}}
}

func (f *fakeAuth) queue(method, path string, status int, body map[string]any) {
	key := method + " " + path
	f.responses[key] = append(f.responses[key], fakeResponse{status: status, body: body})
}

func (f *fakeAuth) AccessToken(ctx context.Context) (string, error) { return "tok", nil }

func (f *fakeAuth) Request(ctx context.Context, method, absoluteURL string, headers http.Header, body []byte) (*http.Response, error) {
	key := method + " " + absoluteURL
	if body != nil {
		f.bodies[key] = append(f.bodies[key], body)
	}
	queued := f.responses[key]
	var resp fakeResponse
	if len(queued) > 0 {
		resp = queued[0]
		f.responses[key] = queued[1:]
	} else {
		resp = fakeResponse{status: http.StatusOK, body: map[string]any{}}
	}

	return httpResponseFrom(resp), nil
}

func (f *fakeAuth) OpenStream(ctx context.Context, absoluteURL string, headers http.Header, timeout time.Duration) (transport.EventSource, error) {
	return nil, nil
}

func testTransport(auth *fakeAuth) *transport.Transport {
	cfg := config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return transport.New(auth, "https://api.example", cfg, nil)
}

func newTestEngine(haId string, auth *fakeAuth) (*Engine, *registry.Registry) {
	reg := registry.New()
	data := &model.Appliance{HaId: haId, Connected: true}
	return New(data, testTransport(auth), reg), reg
}

func TestSelectProgramStartOnlyBuffersLocally(t *testing.T) {
	auth := newFakeAuth()
	eng, reg := newTestEngine("A", auth)
	eng.data.AvailablePrograms = map[string]model.Program{
		"Prog.StartOnly": {Key: "Prog.StartOnly", Execution: model.ExecutionStartOnly},
	}

	var selected []any
	reg.OnKey(registry.EventProgramSelected, func(haId, key string, value any) {
		selected = append(selected, value)
	})

	if err := eng.SelectProgram(context.Background(), "Prog.StartOnly", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.Snapshot().SelectedProgram == nil || eng.Snapshot().SelectedProgram.Key != "Prog.StartOnly" {
		t.Fatal("expected selected program to be set locally")
	}
	if len(selected) != 1 {
		t.Fatalf("expected PROGRAM_SELECTED to fire once, got %d", len(selected))
	}
}

func TestSetOptionBuffersStartOnly(t *testing.T) {
	auth := newFakeAuth()
	eng, _ := newTestEngine("A", auth)
	eng.data.SelectedProgram = &model.Program{
		Key: "Prog.Eco50",
		Options: map[string]model.Option{
			"Extra.Dry": {Key: "Extra.Dry", Execution: model.ExecutionStartOnly},
		},
	}

	if err := eng.SetOption(context.Background(), "Extra.Dry", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, ok := eng.Snapshot().StartOnlyOptions["Extra.Dry"]
	if !ok {
		t.Fatal("expected Extra.Dry to be buffered in startonly_options")
	}
	if applied.Value != true {
		t.Fatalf("expected buffered value true, got %v", applied.Value)
	}
}

func TestStartProgramIncludesBufferedStartOnlyOption(t *testing.T) {
	auth := newFakeAuth()
	auth.queue(http.MethodPut, "https://api.example/api/homeappliances/A/programs/active", 204, nil)

	eng, _ := newTestEngine("A", auth)
	eng.data.AvailablePrograms = map[string]model.Program{
		"Prog.Eco50": {
			Key: "Prog.Eco50",
			Options: map[string]model.Option{
				"Extra.Dry": {Key: "Extra.Dry", Execution: model.ExecutionStartOnly},
			},
		},
	}
	eng.data.StartOnlyOptions = map[string]model.AppliedOption{
		"Extra.Dry": {Key: "Extra.Dry", Value: true},
	}

	if err := eng.StartProgram(context.Background(), "Prog.Eco50", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.Snapshot().StartOnlyOptions != nil {
		t.Fatal("expected startonly_options to be cleared after a successful start")
	}

	sent := auth.bodies[http.MethodPut+" https://api.example/api/homeappliances/A/programs/active"]
	if len(sent) != 1 {
		t.Fatalf("expected one start_program PUT, got %d", len(sent))
	}
	var req struct {
		Data struct {
			Options []model.AppliedOption `json:"options"`
		} `json:"data"`
	}
	if err := json.Unmarshal(sent[0], &req); err != nil {
		t.Fatalf("unexpected error decoding PUT body: %v", err)
	}
	if len(req.Data.Options) != 1 || req.Data.Options[0].Key != "Extra.Dry" || req.Data.Options[0].Value != true {
		t.Fatalf("expected the PUT body to carry Extra.Dry=true, got %+v", req.Data.Options)
	}
}

func TestStartProgramDropsUnsupportedOptionAndRetries(t *testing.T) {
	auth := newFakeAuth()
	path := "https://api.example/api/homeappliances/A/programs/active"
	auth.queue(http.MethodPut, path, 400, map[string]any{
		"error": map[string]any{"key": "SDK.Error.UnsupportedOption", "description": "Option BadOpt not supported"},
	})
	auth.queue(http.MethodPut, path, 204, nil)

	eng, _ := newTestEngine("A", auth)
	eng.data.AvailablePrograms = map[string]model.Program{
		"Prog.Eco50": {
			Key: "Prog.Eco50",
			Options: map[string]model.Option{
				"BadOpt":   {Key: "BadOpt"},
				"Intensiv": {Key: "Intensiv"},
			},
		},
	}

	err := eng.StartProgram(context.Background(), "Prog.Eco50", []model.AppliedOption{
		{Key: "BadOpt", Value: 1},
		{Key: "Intensiv", Value: 2},
	})
	if err != nil {
		t.Fatalf("expected retry to succeed after dropping BadOpt, got: %v", err)
	}
}

func TestApplyEventProgramLifecycle(t *testing.T) {
	auth := newFakeAuth()
	base := "https://api.example/api/homeappliances/A"
	auth.queue(http.MethodGet, base+"/programs/active", 200, map[string]any{"key": "Prog.Eco50"})
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{"programs": []any{}})
	auth.queue(http.MethodGet, base+"/commands", 200, map[string]any{"commands": []any{}})
	auth.queue(http.MethodGet, base+"/commands", 200, map[string]any{"commands": []any{}})
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{"programs": []any{}})

	eng, reg := newTestEngine("A", auth)
	eng.data.SelectedProgram = &model.Program{Key: "Prog.Eco50"}
	eng.data.Status = map[string]model.Status{
		model.KeyStatusOperationState: {Key: model.KeyStatusOperationState, Value: string(model.OperationStateReady)},
	}

	var sequence []string
	reg.OnAny(func(haId, key string, value any) { sequence = append(sequence, key) })

	eng.ApplyEvent(context.Background(), transport.NotifyItem{Key: model.KeyRootActiveProgram, Value: "Prog.Eco50"})
	eng.ApplyEvent(context.Background(), transport.NotifyItem{Key: model.KeyStatusOperationState, Value: string(model.OperationStateRun)})
	eng.ApplyEvent(context.Background(), transport.NotifyItem{Key: model.KeyEventProgramFinished, Value: true})

	if eng.Snapshot().ActiveProgram != nil {
		t.Fatal("expected active program to be cleared after ProgramFinished")
	}

	foundStarted, foundFinished := false, false
	for _, k := range sequence {
		if k == registry.EventProgramStarted {
			foundStarted = true
		}
		if k == registry.EventProgramFinished {
			foundFinished = true
		}
	}
	if !foundStarted {
		t.Fatal("expected PROGRAM_STARTED to fire")
	}
	if !foundFinished {
		t.Fatal("expected PROGRAM_FINISHED to fire")
	}
}

func TestApplyEventCatalogSelfHeal(t *testing.T) {
	auth := newFakeAuth()
	base := "https://api.example/api/homeappliances/A"
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{
		"programs": []any{map[string]any{"key": "Prog.Eco50"}},
	})

	eng, reg := newTestEngine("A", auth)
	eng.data.Status = map[string]model.Status{
		model.KeyStatusRemoteControlActive: {Key: model.KeyStatusRemoteControlActive, Value: true},
	}

	var paired bool
	reg.OnKey(registry.EventPaired, func(haId, key string, value any) { paired = true })

	eng.ApplyEvent(context.Background(), transport.NotifyItem{Key: model.KeyStatusOperationState, Value: string(model.OperationStateReady)})

	if !paired {
		t.Fatal("expected catalog self-heal to emit PAIRED")
	}
	if len(eng.Snapshot().AvailablePrograms) != 1 {
		t.Fatalf("expected catalog to be reloaded with one program, got %d", len(eng.Snapshot().AvailablePrograms))
	}
}

func TestGetAppliedProgramAvailableOptionsReturnsCatalogEntry(t *testing.T) {
	eng, _ := newTestEngine("A", newFakeAuth())
	eng.data.ActiveProgram = &model.Program{Key: "Prog.Eco50"}
	eng.data.AvailablePrograms = map[string]model.Program{
		"Prog.Eco50": {
			Key: "Prog.Eco50",
			Options: map[string]model.Option{
				"Extra.Dry": {Key: "Extra.Dry"},
			},
		},
	}

	opts, err := eng.GetAppliedProgramAvailableOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := opts["Extra.Dry"]; !ok {
		t.Fatal("expected Extra.Dry in the returned option set")
	}
}

func TestGetAppliedProgramAvailableOptionsMissingFromCatalogIsNotSupported(t *testing.T) {
	eng, _ := newTestEngine("A", newFakeAuth())
	eng.data.SelectedProgram = &model.Program{Key: "Prog.Unknown"}

	_, err := eng.GetAppliedProgramAvailableOptions()
	if !hcerrors.Is(err, hcerrors.KindNotSupported) {
		t.Fatalf("expected KindNotSupported, got: %v", err)
	}
}

func TestGetAppliedProgramAvailableOptionsNoAppliedProgram(t *testing.T) {
	eng, _ := newTestEngine("A", newFakeAuth())

	_, err := eng.GetAppliedProgramAvailableOptions()
	if !hcerrors.Is(err, hcerrors.KindNotSupported) {
		t.Fatalf("expected KindNotSupported, got: %v", err)
	}
}

// TestConcurrentSelectProgramIsSerialized drives SelectProgram from many
// goroutines at once and checks the selected_program_lock leaves the
// appliance in a consistent end state rather than a half-written one.
func TestConcurrentSelectProgramIsSerialized(t *testing.T) {
	auth := newFakeAuth()
	base := "https://api.example/api/homeappliances/A"
	auth.queue(http.MethodPut, base+"/programs/selected", 204, nil)
	auth.queue(http.MethodPut, base+"/programs/selected", 204, nil)
	auth.queue(http.MethodPut, base+"/programs/selected", 204, nil)
	auth.queue(http.MethodGet, base+"/programs/selected", 200, map[string]any{"key": "Prog.Eco50"})
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{"programs": []any{}})
	auth.queue(http.MethodGet, base+"/programs/selected", 200, map[string]any{"key": "Prog.Eco50"})
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{"programs": []any{}})
	auth.queue(http.MethodGet, base+"/programs/selected", 200, map[string]any{"key": "Prog.Eco50"})
	auth.queue(http.MethodGet, base+"/programs/available", 200, map[string]any{"programs": []any{}})

	eng, _ := newTestEngine("A", auth)
	eng.data.AvailablePrograms = map[string]model.Program{
		"Prog.Eco50":   {Key: "Prog.Eco50"},
		"Prog.Cotton":  {Key: "Prog.Cotton"},
		"Prog.Quick45": {Key: "Prog.Quick45"},
	}

	var wg sync.WaitGroup
	for _, key := range []string{"Prog.Eco50", "Prog.Cotton", "Prog.Quick45"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_ = eng.SelectProgram(context.Background(), k, nil)
		}(key)
	}
	wg.Wait()

	sel := eng.Snapshot().SelectedProgram
	if sel == nil {
		t.Fatal("expected a selected program after concurrent selects")
	}
}

func httpResponseFrom(r fakeResponse) *http.Response {
	resp := &http.Response{StatusCode: r.status, Header: http.Header{}}
	if r.status == http.StatusNoContent || r.body == nil {
		resp.Body = http.NoBody
		return resp
	}
	if _, isErr := r.body["error"]; isErr {
		resp.Body = jsonBody(r.body)
		return resp
	}
	resp.Body = jsonBody(map[string]any{"data": r.body})
	return resp
}

func jsonBody(v any) io.ReadCloser {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return io.NopCloser(bytes.NewReader(raw))
}
