package appliance

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mbrt/homeconnect-sync/internal/model"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

// ApplyEvent implements the event-application algorithm for one
// NOTIFY/EVENT item. DATA_CHANGED policy: emitted once per item that
// causes any model mutation (including raw in-place updates), never
// additionally for every nested field — resolving the spec's open
// question in favor of one aggregate signal per item, matching what
// callers actually need to decide "should I re-render".
func (e *Engine) ApplyEvent(ctx context.Context, item transport.NotifyItem) {
	if !e.HasCollaborators() {
		return
	}

	if !e.isConnected() {
		if err := e.RefreshAll(ctx); err != nil {
			log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh after missed CONNECTED failed")
		}
		e.mu.Lock()
		e.data.Connected = true
		e.mu.Unlock()
		e.emit(registry.EventPaired, nil)
		e.emit(registry.EventDataChanged, nil)
	}

	changed := e.dispatchEvent(ctx, item)
	if changed {
		e.emit(registry.EventDataChanged, nil)
	}

	e.broadcast(item.Key, item.Value)
}

// HasCollaborators reports whether this Engine has been wired with live
// transport/registry references (false right after a snapshot load, before
// Rewire).
func (e *Engine) HasCollaborators() bool {
	return e.transport != nil
}

func (e *Engine) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.Connected
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "BSH.Common.EnumType.OperationState.Inactive")
	default:
		return true
	}
}

// dispatchEvent returns whether the model was mutated.
func (e *Engine) dispatchEvent(ctx context.Context, item transport.NotifyItem) bool {
	switch item.Key {
	case model.KeyRootSelectedProgram:
		return e.onSelectedProgramEvent(ctx, item)

	case model.KeyRootActiveProgram, model.KeyOptionProgramProgress, model.KeyOptionRemainingProgramTime:
		e.mu.RLock()
		active := e.data.ActiveProgram
		e.mu.RUnlock()
		if truthy(item.Value) && active == nil {
			return e.onProgramStarted(ctx)
		}
		if !truthy(item.Value) && item.Key == model.KeyRootActiveProgram && active != nil {
			return e.onProgramFinished(ctx)
		}
		return e.applyInPlace(ctx, item)

	case model.KeyStatusOperationState:
		return e.onOperationState(ctx, item)

	case model.KeyEventProgramFinished:
		e.mu.RLock()
		active := e.data.ActiveProgram
		e.mu.RUnlock()
		if active != nil {
			return e.onProgramFinished(ctx)
		}
		return false

	case model.KeyStatusRemoteControlStartAllowed:
		if err := e.refreshAvailablePrograms(ctx); err != nil {
			log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh available programs failed")
			return false
		}
		return true

	default:
		return e.applyOtherwise(ctx, item)
	}
}

func (e *Engine) onSelectedProgramEvent(ctx context.Context, item transport.NotifyItem) bool {
	key, _ := item.Value.(string)

	e.mu.RLock()
	current := e.data.SelectedProgram
	e.mu.RUnlock()
	if current != nil && current.Key == key {
		return false
	}

	e.selectedMu.Lock()
	defer e.selectedMu.Unlock()

	// Re-check after acquiring the lock: a concurrent select_program call
	// may have already converged on this value.
	e.mu.RLock()
	current = e.data.SelectedProgram
	e.mu.RUnlock()
	if current != nil && current.Key == key {
		return false
	}

	if key == "" {
		e.mu.Lock()
		e.data.SelectedProgram = nil
		e.mu.Unlock()
		e.emit(registry.EventProgramSelected, nil)
		return true
	}

	if err := e.refreshSelected(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh selected program failed")
		return false
	}
	if err := e.refreshAvailablePrograms(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh available programs failed")
	}
	e.emit(registry.EventProgramSelected, key)
	return true
}

func (e *Engine) onProgramStarted(ctx context.Context) bool {
	if err := e.refreshActive(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh active program failed")
		return false
	}
	if err := e.refreshAvailablePrograms(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh available programs failed")
	}
	if err := e.refreshCommands(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh commands failed")
	}
	e.emit(registry.EventProgramStarted, nil)
	return true
}

func (e *Engine) onProgramFinished(ctx context.Context) bool {
	e.mu.Lock()
	e.data.ActiveProgram = nil
	e.mu.Unlock()
	if err := e.refreshCommands(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh commands failed")
	}
	if err := e.refreshAvailablePrograms(ctx); err != nil {
		log.Warn().Str("haId", e.HaId()).Err(err).Msg("refresh available programs failed")
	}
	e.emit(registry.EventProgramFinished, nil)
	return true
}

func (e *Engine) onOperationState(ctx context.Context, item transport.NotifyItem) bool {
	newState := model.OperationState("")
	if s, ok := item.Value.(string); ok {
		newState = model.OperationState(s)
	}

	e.mu.RLock()
	active := e.data.ActiveProgram
	current := e.data.OperationStateValue()
	shallow := e.data.CatalogShallow()
	remoteControlActive := truthy(statusValue(e.data, model.KeyStatusRemoteControlActive))
	e.mu.RUnlock()

	if newState == current {
		return false
	}

	changed := e.applyInPlace(ctx, item)

	switch {
	case newState == model.OperationStateRun && active == nil:
		return e.onProgramStarted(ctx) || changed
	case (newState == model.OperationStateReady || newState == model.OperationStateFinished) && active != nil:
		return e.onProgramFinished(ctx) || changed
	case newState == model.OperationStateReady && shallow:
		if remoteControlActive {
			if err := e.refreshAvailablePrograms(ctx); err != nil {
				log.Warn().Str("haId", e.HaId()).Err(err).Msg("catalog reload failed")
				return changed
			}
			e.emit(registry.EventPaired, nil)
			return true
		}
		return changed
	default:
		return changed
	}
}

func statusValue(a *model.Appliance, key string) any {
	if a.Status == nil {
		return nil
	}
	if s, ok := a.Status[key]; ok {
		return s.Value
	}
	return nil
}

// applyInPlace updates a known Option/Status/Setting with a fresh value. A
// key we haven't seen before means our snapshot of its containing
// collection is stale, so it's re-fetched wholesale rather than patched
// with a synthetic entry.
func (e *Engine) applyInPlace(ctx context.Context, item transport.NotifyItem) bool {
	e.mu.Lock()
	if e.data.Status == nil {
		e.data.Status = map[string]model.Status{}
	}

	if s, ok := e.data.Status[item.Key]; ok {
		s.Value = item.Value
		if item.DisplayValue != "" {
			s.DisplayValue = item.DisplayValue
		}
		e.data.Status[item.Key] = s
		e.mu.Unlock()
		return true
	}
	if opt, ok := e.data.Settings[item.Key]; ok {
		opt.Value = item.Value
		e.data.Settings[item.Key] = opt
		e.mu.Unlock()
		return true
	}
	if e.data.ActiveProgram != nil {
		if opt, ok := e.data.ActiveProgram.Options[item.Key]; ok {
			opt.Value = item.Value
			e.data.ActiveProgram.Options[item.Key] = opt
			e.mu.Unlock()
			return true
		}
	}
	if e.data.SelectedProgram != nil {
		if opt, ok := e.data.SelectedProgram.Options[item.Key]; ok {
			opt.Value = item.Value
			e.data.SelectedProgram.Options[item.Key] = opt
			e.mu.Unlock()
			return true
		}
	}
	e.mu.Unlock()

	if err := e.refreshCollectionForURI(ctx, item.Uri); err != nil {
		log.Warn().Str("haId", e.HaId()).Str("key", item.Key).Str("uri", item.Uri).Err(err).Msg("refresh for unknown key failed")
		return false
	}
	return true
}

// refreshCollectionForURI re-fetches whichever sub-collection item.Uri
// points into. Falls back to a status refresh when the uri is absent or
// doesn't match a known shape, since status is the most common source of
// previously-unseen keys.
func (e *Engine) refreshCollectionForURI(ctx context.Context, uri string) error {
	switch {
	case strings.Contains(uri, "/settings/") || strings.Contains(uri, "/settings"):
		return e.refreshSettings(ctx)
	case strings.Contains(uri, "/programs/active/options"):
		return e.refreshActive(ctx)
	case strings.Contains(uri, "/programs/selected/options"):
		return e.refreshSelected(ctx)
	case strings.Contains(uri, "/commands"):
		return e.refreshCommands(ctx)
	default:
		return e.refreshStatus(ctx)
	}
}

// applyOtherwise handles the catalog-self-heal branch: an unrecognized key
// that isn't any of the named branches, checked against the Ready ∧
// RemoteControlActive condition before falling through to an in-place
// update.
func (e *Engine) applyOtherwise(ctx context.Context, item transport.NotifyItem) bool {
	e.mu.RLock()
	shallow := e.data.CatalogShallow()
	ready := e.data.OperationStateValue() == model.OperationStateReady
	remoteControlActive := truthy(statusValue(e.data, model.KeyStatusRemoteControlActive))
	e.mu.RUnlock()

	if shallow && ready && remoteControlActive {
		if err := e.refreshAvailablePrograms(ctx); err != nil {
			log.Warn().Str("haId", e.HaId()).Err(err).Msg("catalog reload failed")
		} else {
			e.emit(registry.EventPaired, nil)
		}
	}

	return e.applyInPlace(ctx, item)
}
