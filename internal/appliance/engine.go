// Package appliance implements the per-appliance state machine: fetching
// and refreshing sub-collections, applying incoming NOTIFY/EVENT deltas,
// and serializing the resulting mutations (select/start/stop/option/
// setting/command) back to the service.
package appliance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mbrt/homeconnect-sync/internal/hcerrors"
	"github.com/mbrt/homeconnect-sync/internal/model"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

// unsupportedOptionPattern extracts the option key out of the service's
// "Option X not supported" description so start_program can drop it and
// retry without the caller needing to parse the message itself.
var unsupportedOptionPattern = regexp.MustCompile(`^Option (\S+) not supported`)

const (
	retryInitial = 60 * time.Second
	retryMax     = 300 * time.Second
)

// Engine wraps a model.Appliance with its live collaborators (transport,
// registry) and the per-appliance selected-program lock. Only Engine, not
// model.Appliance, is safe for concurrent mutation.
type Engine struct {
	transport *transport.Transport
	registry  *registry.Registry

	// selectedMu serializes select_program against the SSE-driven
	// Root.SelectedProgram handler, one mutex per appliance rather than
	// one global lock, so unrelated appliances never head-of-line block.
	selectedMu sync.Mutex

	mu   sync.RWMutex
	data *model.Appliance

	retryMu    sync.Mutex
	retryDelay time.Duration
	retryTimer *time.Timer
	retryStop  context.CancelFunc
}

// New wraps data with transport/registry collaborators.
func New(data *model.Appliance, t *transport.Transport, reg *registry.Registry) *Engine {
	return &Engine{data: data, transport: t, registry: reg}
}

// Rewire re-attaches collaborators after a snapshot load, where data arrived
// without any live references.
func (e *Engine) Rewire(t *transport.Transport, reg *registry.Registry) {
	e.transport = t
	e.registry = reg
}

// HaId returns the wrapped appliance's id.
func (e *Engine) HaId() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.HaId
}

// Snapshot returns the underlying pure-data Appliance for serialization.
// Callers must not mutate the returned value.
func (e *Engine) Snapshot() *model.Appliance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

func (e *Engine) emit(key string, value any) {
	if e.registry == nil {
		return
	}
	e.registry.DispatchKey(e.HaId(), key, value)
}

func (e *Engine) broadcast(key string, value any) {
	if e.registry == nil {
		return
	}
	e.registry.Dispatch(e.HaId(), key, value)
}

// envelopeErr converts an envelope carrying a service error_key into a Go
// error, since the transport returns such envelopes as (env, nil) per its
// "caller interprets error_key" contract for non-retriable statuses.
func envelopeErr(env transport.Envelope) error {
	if env.ErrorKey == "" {
		return nil
	}
	return hcerrors.FromResponse(hcerrors.KindServiceError, env.Status, env.ErrorKey, env.ErrorDescription)
}

// putJSON wraps body under the service's {"data": ...} envelope.
func putJSON(data any) []byte {
	raw, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		// Only reachable for values we construct ourselves, never user
		// input reaching here unvalidated.
		log.Error().Err(err).Msg("failed to marshal request body")
		return nil
	}
	return raw
}

// GetSelectedProgram refreshes the selected program from the service and
// returns it.
func (e *Engine) GetSelectedProgram(ctx context.Context) (*model.Program, error) {
	if err := e.refreshSelected(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.SelectedProgram, nil
}

// GetActiveProgram refreshes the active program from the service and
// returns it (nil if none is active).
func (e *Engine) GetActiveProgram(ctx context.Context) (*model.Program, error) {
	if err := e.refreshActive(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.ActiveProgram, nil
}

// GetAppliedProgramAvailableOptions returns the option catalog for whichever
// program is currently "applied" — the active one if running, else the
// selected one. If that program's key isn't present in available_programs
// (the catalog can be shallow right after pairing, or an appliance can
// report a program the catalog doesn't enumerate), this returns
// hcerrors.KindNotSupported instead of indexing into an absent catalog
// entry.
func (e *Engine) GetAppliedProgramAvailableOptions() (map[string]model.Option, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	applied := e.data.ActiveProgram
	if applied == nil {
		applied = e.data.SelectedProgram
	}
	if applied == nil {
		return nil, hcerrors.New(hcerrors.KindNotSupported, "no program is currently applied")
	}

	catalogEntry, ok := e.data.AvailablePrograms[applied.Key]
	if !ok {
		return nil, hcerrors.New(hcerrors.KindNotSupported, fmt.Sprintf("program %s is not in the available-programs catalog", applied.Key))
	}
	return catalogEntry.Options, nil
}

func (e *Engine) refreshSelected(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/programs/selected"))
	if err != nil {
		return e.handleFetchError(err)
	}
	e.mu.Lock()
	if env.Body != nil {
		p := model.ProgramFromJSON(env.Body)
		e.data.SelectedProgram = &p
	} else {
		e.data.SelectedProgram = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) refreshActive(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/programs/active"))
	if err != nil {
		if hcerrors.Is(err, hcerrors.KindNotSupported) {
			e.mu.Lock()
			e.data.ActiveProgram = nil
			e.mu.Unlock()
			return nil
		}
		return e.handleFetchError(err)
	}
	e.mu.Lock()
	if env.Body != nil {
		p := model.ProgramFromJSON(env.Body)
		p.Active = true
		e.data.ActiveProgram = &p
	} else {
		e.data.ActiveProgram = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) refreshAvailablePrograms(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/programs/available"))
	if err != nil {
		return e.handleFetchError(err)
	}
	programs := map[string]model.Program{}
	if raw, ok := env.Body["programs"].([]any); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				p := model.ProgramFromJSON(m)
				programs[p.Key] = p
			}
		}
	}
	e.mu.Lock()
	e.data.AvailablePrograms = programs
	e.mu.Unlock()
	return nil
}

func (e *Engine) refreshStatus(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/status"))
	if err != nil {
		return e.handleFetchError(err)
	}
	statuses := map[string]model.Status{}
	if raw, ok := env.Body["status"].([]any); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				s := model.StatusFromJSON(m)
				statuses[s.Key] = s
			}
		}
	}
	e.mu.Lock()
	e.data.Status = statuses
	e.mu.Unlock()
	return nil
}

// refreshSettings fetches each setting individually, mirroring the
// service's quirk of not supporting a bulk-with-values settings listing
// reliably for every appliance class.
func (e *Engine) refreshSettings(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/settings"))
	if err != nil {
		return e.handleFetchError(err)
	}
	settings := map[string]model.Option{}
	if raw, ok := env.Body["settings"].([]any); ok {
		for _, v := range raw {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%v", m["key"])
			single, err := e.transport.Get(ctx, e.endpoint("/settings/"+key))
			if err != nil || single.Body == nil {
				settings[key] = model.OptionFromJSON(m)
				continue
			}
			settings[key] = model.OptionFromJSON(single.Body)
		}
	}
	e.mu.Lock()
	e.data.Settings = settings
	e.mu.Unlock()
	return nil
}

func (e *Engine) refreshCommands(ctx context.Context) error {
	env, err := e.transport.Get(ctx, e.endpoint("/commands"))
	if err != nil {
		if hcerrors.Is(err, hcerrors.KindNotSupported) {
			return nil
		}
		return e.handleFetchError(err)
	}
	commands := map[string]model.Command{}
	if raw, ok := env.Body["commands"].([]any); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				c := model.CommandFromJSON(m)
				commands[c.Key] = c
			}
		}
	}
	e.mu.Lock()
	e.data.Commands = commands
	e.mu.Unlock()
	return nil
}

// RefreshAll reloads every sub-collection, used on initial load and after
// a reconnect that may have missed events.
func (e *Engine) RefreshAll(ctx context.Context) error {
	for _, fn := range []func(context.Context) error{
		e.refreshSelected, e.refreshActive, e.refreshAvailablePrograms,
		e.refreshStatus, e.refreshSettings, e.refreshCommands,
	} {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) endpoint(suffix string) string {
	return e.Snapshot().BaseEndpoint() + suffix
}

// SelectProgram updates the selected program. A startonly-execution target
// is recorded locally without a REST call; otherwise it PUTs under the
// per-appliance selected_program_lock, then re-fetches selected+available.
func (e *Engine) SelectProgram(ctx context.Context, key string, options []model.AppliedOption) error {
	e.mu.RLock()
	prog, ok := e.data.AvailablePrograms[key]
	e.mu.RUnlock()
	if !ok {
		return hcerrors.New(hcerrors.KindValidation, fmt.Sprintf("program %s is not in available_programs", key))
	}

	if prog.Execution == model.ExecutionStartOnly {
		e.mu.Lock()
		e.data.SelectedProgram = &model.Program{Key: key, Execution: prog.Execution}
		e.mu.Unlock()
		e.emit(registry.EventProgramSelected, key)
		return nil
	}

	e.selectedMu.Lock()
	defer e.selectedMu.Unlock()

	e.mu.RLock()
	alreadySelected := e.data.SelectedProgram != nil && e.data.SelectedProgram.Key == key
	e.mu.RUnlock()
	if alreadySelected {
		return nil
	}

	body := map[string]any{"key": key}
	if len(options) > 0 {
		body["options"] = options
	}
	env, err := e.transport.Put(ctx, e.endpoint("/programs/selected"), putJSON(body))
	if err != nil {
		return err
	}
	if err := envelopeErr(env); err != nil {
		return err
	}

	if err := e.refreshSelected(ctx); err != nil {
		return err
	}
	if err := e.refreshAvailablePrograms(ctx); err != nil {
		return err
	}
	e.emit(registry.EventProgramSelected, key)
	e.emit(registry.EventDataChanged, nil)
	return nil
}

// StartProgram composes the final options list from the selected program's
// current options, the target program's supported options, buffered
// startonly_options, and explicit overrides, then PUTs it. An
// SDK.Error.UnsupportedOption response drops the named option and retries.
func (e *Engine) StartProgram(ctx context.Context, key string, overrides []model.AppliedOption) error {
	e.mu.RLock()
	prog, ok := e.data.AvailablePrograms[key]
	startOnly := make(map[string]model.AppliedOption, len(e.data.StartOnlyOptions))
	for k, v := range e.data.StartOnlyOptions {
		startOnly[k] = v
	}
	merged := map[string]model.AppliedOption{}
	if e.data.SelectedProgram != nil {
		for optKey, opt := range e.data.SelectedProgram.Options {
			if _, supported := prog.Options[optKey]; supported {
				merged[optKey] = model.AppliedOption{Key: optKey, Value: opt.Value, Unit: opt.Unit}
			}
		}
	}
	e.mu.RUnlock()
	if !ok {
		return hcerrors.New(hcerrors.KindValidation, fmt.Sprintf("program %s is not in available_programs", key))
	}

	for optKey, applied := range startOnly {
		if _, ok := prog.Options[optKey]; ok {
			merged[optKey] = applied
		}
	}
	for _, o := range overrides {
		merged[o.Key] = o
	}

	for {
		options := make([]model.AppliedOption, 0, len(merged))
		for _, o := range merged {
			options = append(options, o)
		}
		body := map[string]any{"key": key, "options": options}

		env, err := e.transport.Put(ctx, e.endpoint("/programs/active"), putJSON(body))
		if err != nil {
			return err
		}
		if env.ErrorKey == "" {
			e.mu.Lock()
			e.data.StartOnlyOptions = nil
			e.mu.Unlock()
			return nil
		}

		if env.ErrorKey != "SDK.Error.UnsupportedOption" {
			return hcerrors.FromResponse(hcerrors.KindServiceError, env.Status, env.ErrorKey, env.ErrorDescription)
		}
		match := unsupportedOptionPattern.FindStringSubmatch(env.ErrorDescription)
		if match == nil {
			return hcerrors.FromResponse(hcerrors.KindServiceError, env.Status, env.ErrorKey, env.ErrorDescription)
		}
		if _, present := merged[match[1]]; !present {
			return hcerrors.FromResponse(hcerrors.KindServiceError, env.Status, env.ErrorKey, env.ErrorDescription)
		}
		log.Warn().Str("option", match[1]).Msg("dropping unsupported option and retrying start_program")
		delete(merged, match[1])
	}
}

// StopActiveProgram deletes the active program; a no-op if none is active.
func (e *Engine) StopActiveProgram(ctx context.Context) error {
	e.mu.RLock()
	active := e.data.ActiveProgram
	e.mu.RUnlock()
	if active == nil {
		return nil
	}
	env, err := e.transport.Delete(ctx, e.endpoint("/programs/active"))
	if err != nil {
		return err
	}
	return envelopeErr(env)
}

// PauseActiveProgram issues PauseProgram iff the command is advertised and
// OperationState is Run.
func (e *Engine) PauseActiveProgram(ctx context.Context) error {
	return e.issueCommandIf(ctx, model.CommandPauseProgram, model.OperationStateRun)
}

// ResumeProgram issues ResumeProgram iff the command is advertised and
// OperationState is Pause.
func (e *Engine) ResumeProgram(ctx context.Context) error {
	return e.issueCommandIf(ctx, model.CommandResumeProgram, model.OperationStatePause)
}

func (e *Engine) issueCommandIf(ctx context.Context, commandKey string, required model.OperationState) error {
	e.mu.RLock()
	_, advertised := e.data.Commands[commandKey]
	state := e.data.OperationStateValue()
	e.mu.RUnlock()
	if !advertised {
		return hcerrors.New(hcerrors.KindNotSupported, fmt.Sprintf("command %s is not advertised", commandKey))
	}
	if state != required {
		return hcerrors.New(hcerrors.KindApplianceOffline, fmt.Sprintf("command %s requires OperationState=%s, got %s", commandKey, required, state))
	}
	return e.SendCommand(ctx, commandKey, true)
}

// SendCommand PUTs a command value.
func (e *Engine) SendCommand(ctx context.Context, key string, value any) error {
	env, err := e.transport.Put(ctx, e.endpoint("/commands/"+key), putJSON(map[string]any{"key": key, "value": value}))
	if err != nil {
		return err
	}
	return envelopeErr(env)
}

// ApplySetting PUTs a persistent setting value.
func (e *Engine) ApplySetting(ctx context.Context, key string, value any) error {
	env, err := e.transport.Put(ctx, e.endpoint("/settings/"+key), putJSON(map[string]any{"key": key, "value": value}))
	if err != nil {
		return err
	}
	if err := envelopeErr(env); err != nil {
		return err
	}
	e.mu.Lock()
	if opt, ok := e.data.Settings[key]; ok {
		opt.Value = value
		e.data.Settings[key] = opt
	}
	e.mu.Unlock()
	return nil
}

// SetOption buffers a startonly option locally, or PUTs it against the
// currently active-or-selected program's options endpoint.
func (e *Engine) SetOption(ctx context.Context, key string, value any) error {
	e.mu.RLock()
	target := e.data.ActiveProgram
	scope := "active"
	if target == nil {
		target = e.data.SelectedProgram
		scope = "selected"
	}
	e.mu.RUnlock()
	if target == nil {
		return hcerrors.New(hcerrors.KindLogicError, "no active or selected program to apply option to")
	}

	opt, ok := target.Options[key]
	if !ok {
		return hcerrors.New(hcerrors.KindValidation, fmt.Sprintf("option %s is not in the applied program's options", key))
	}

	applied, verr := opt.ValidateValue(value)
	if verr != nil {
		return hcerrors.New(hcerrors.KindValidation, verr.Error())
	}

	if opt.Execution == model.ExecutionStartOnly {
		e.mu.Lock()
		if e.data.StartOnlyOptions == nil {
			e.data.StartOnlyOptions = map[string]model.AppliedOption{}
		}
		e.data.StartOnlyOptions[key] = applied
		e.mu.Unlock()
		return nil
	}

	path := fmt.Sprintf("/programs/%s/options/%s", scope, key)
	env, err := e.transport.Put(ctx, e.endpoint(path), putJSON(map[string]any{"key": key, "value": value}))
	if err != nil {
		return err
	}
	return envelopeErr(env)
}

// SetConnectionState idempotently updates connected; 0→1 triggers a
// refresh and emits CONNECTION_CHANGED.
func (e *Engine) SetConnectionState(ctx context.Context, connected bool) {
	e.mu.Lock()
	was := e.data.Connected
	e.data.Connected = connected
	e.mu.Unlock()

	if !was && connected {
		if err := e.RefreshAll(ctx); err != nil {
			log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh after reconnect failed")
		}
	}
	if was != connected {
		e.emit(registry.EventConnectionChanged, connected)
	}
}

func (e *Engine) handleFetchError(err error) error {
	herr, ok := err.(*hcerrors.Error)
	if !ok || herr.ErrorKey == "" {
		return err
	}
	e.mu.Lock()
	e.data.Connected = false
	e.mu.Unlock()
	e.scheduleRetry()
	return err
}

// scheduleRetry arms a detached exponential-backoff timer (60s, capped at
// 300s) that retries RefreshAll until it succeeds, per the failure
// semantics: fetch failures suppress downstream logic via connected=false
// until the retry clears it.
func (e *Engine) scheduleRetry() {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	if e.retryTimer != nil {
		return // already scheduled
	}
	if e.retryDelay == 0 {
		e.retryDelay = retryInitial
	}

	delay := e.retryDelay
	e.retryTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e.retryMu.Lock()
		e.retryTimer = nil
		e.retryMu.Unlock()

		if err := e.RefreshAll(ctx); err != nil {
			e.retryMu.Lock()
			e.retryDelay *= 2
			if e.retryDelay > retryMax {
				e.retryDelay = retryMax
			}
			e.retryMu.Unlock()
			e.scheduleRetry()
			return
		}

		e.retryMu.Lock()
		e.retryDelay = 0
		e.retryMu.Unlock()
		e.SetConnectionState(context.Background(), true)
	})
}
