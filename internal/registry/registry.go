// Package registry implements the callback dispatch fan-out: subscribers
// register against an appliance id, an event key (which may be a glob
// pattern), or both, and are notified in a panic-safe way as events arrive.
package registry

import (
	"reflect"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// WildcardID matches callbacks registered against every appliance.
const WildcardID = "*"

// UnhandledKey is the catch-all key notified when no other registration
// matched an incoming event, so callers can observe "something happened
// that I didn't explicitly subscribe to" without missing data silently.
const UnhandledKey = "UNHANDLED"

// Lifecycle event keys surfaced to callbacks alongside raw BSH keys.
const (
	EventConnectionChanged = "CONNECTION_CHANGED"
	EventConnected         = "CONNECTED"
	EventDisconnected      = "DISCONNECTED"
	EventPaired            = "PAIRED"
	EventDepaired          = "DEPAIRED"
	EventProgramSelected   = "PROGRAM_SELECTED"
	EventProgramStarted    = "PROGRAM_STARTED"
	EventProgramFinished   = "PROGRAM_FINISHED"
	EventDataChanged       = "DATA_CHANGED"
)

// Callback receives one dispatched event.
type Callback func(haId, key string, value any)

type entry struct {
	id       string
	key      string
	pattern  glob.Glob
	callback Callback
}

// Registry holds all registered callbacks and dispatches events to them.
// Registration and dispatch are both safe for concurrent use; dispatch
// takes a read-locked snapshot of matching callbacks before invoking any
// of them, so a callback that registers or deregisters doesn't deadlock.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// OnAppliance registers cb for every event key on the given appliance id
// (or WildcardID for all appliances).
func (r *Registry) OnAppliance(haId string, cb Callback) {
	r.add(haId, "*", cb)
}

// OnKey registers cb for the given event key (which may be a glob pattern,
// e.g. "BSH.Common.Option.*") across all appliances.
func (r *Registry) OnKey(key string, cb Callback) {
	r.add(WildcardID, key, cb)
}

// OnAny registers cb for every event on every appliance.
func (r *Registry) OnAny(cb Callback) {
	r.add(WildcardID, "*", cb)
}

// On registers cb for the given appliance id and key combination, where
// either may be a glob pattern.
func (r *Registry) On(haId, key string, cb Callback) {
	r.add(haId, key, cb)
}

func (r *Registry) add(haId, key string, cb Callback) {
	pattern, err := glob.Compile(key)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("invalid callback key pattern, falling back to exact match")
		pattern, _ = glob.Compile(glob.QuoteMeta(key))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.id == haId && e.key == key && sameFunc(e.callback, cb) {
			return // idempotent: identical registration already present
		}
	}

	r.entries = append(r.entries, entry{id: haId, key: key, pattern: pattern, callback: cb})
}

// Remove deregisters cb from the given haId/key combination; other
// callbacks registered against the same combination are left in place.
// Removing an absent registration is not an error.
func (r *Registry) Remove(haId, key string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := r.entries[:0]
	for _, e := range r.entries {
		if e.id == haId && e.key == key && sameFunc(e.callback, cb) {
			continue
		}
		filtered = append(filtered, e)
	}
	r.entries = filtered
}

// Clear deregisters every callback.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Dispatch notifies every matching callback with (haId, key, value). If no
// entry matches, the UnhandledKey catch-all (if any is registered) fires
// instead. Each callback is invoked in the calling goroutine, in
// registration order, with its own panic recovered and logged so one
// faulty subscriber cannot break delivery to the rest.
func (r *Registry) Dispatch(haId, key string, value any) {
	r.mu.RLock()
	matched := make([]Callback, 0, len(r.entries))
	for _, e := range r.entries {
		if (e.id == WildcardID || e.id == haId) && e.pattern.Match(key) {
			matched = append(matched, e.callback)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.DispatchKey(haId, UnhandledKey, key)
		return
	}

	for _, cb := range matched {
		invoke(cb, haId, key, value)
	}
}

// DispatchKey dispatches directly against an exact key, bypassing the
// UNHANDLED fallback; used for synthetic lifecycle events (CONNECTED,
// PROGRAM_FINISHED, ...) that are always "handled" by definition.
func (r *Registry) DispatchKey(haId, key string, value any) {
	r.mu.RLock()
	matched := make([]Callback, 0, len(r.entries))
	for _, e := range r.entries {
		if (e.id == WildcardID || e.id == haId) && e.pattern.Match(key) {
			matched = append(matched, e.callback)
		}
	}
	r.mu.RUnlock()

	for _, cb := range matched {
		invoke(cb, haId, key, value)
	}
}

func invoke(cb Callback, haId, key string, value any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("haId", haId).Str("key", key).Interface("panic", r).Msg("callback panicked")
		}
	}()
	cb(haId, key, value)
}

func sameFunc(a, b Callback) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
