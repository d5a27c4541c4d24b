// Package homeconnect is the public entry point for the appliance sync
// engine: it lists paired appliances, owns the SSE reconnect loop, routes
// incoming events to each appliance's state machine, and fans out
// lifecycle and raw data-change notifications through a callback registry.
//
// Authentication (OAuth2 token refresh) and the underlying HTTP/SSE
// transport primitives are supplied by the caller through AuthProvider;
// this package only decides what to do with the responses.
package homeconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mbrt/homeconnect-sync/internal/appliance"
	"github.com/mbrt/homeconnect-sync/internal/config"
	"github.com/mbrt/homeconnect-sync/internal/health"
	"github.com/mbrt/homeconnect-sync/internal/model"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

// AuthProvider is re-exported from internal/transport so external callers
// can implement it without reaching into an internal package.
type AuthProvider = transport.AuthProvider

// EventSource is re-exported for the same reason.
type EventSource = transport.EventSource

// Event is re-exported for the same reason.
type Event = transport.Event

// RefreshMode controls how much of the appliance map Load refreshes.
type RefreshMode int

const (
	// RefreshNothing just re-emits PAIRED for each known appliance.
	RefreshNothing RefreshMode = iota
	// RefreshValidate only checks presence, not contents.
	RefreshValidate
	// RefreshDynamicOnly runs the same refresh as RefreshAll; the static
	// catalog is not excluded.
	RefreshDynamicOnly
	// RefreshAll does a full refresh of every sub-collection of each newly
	// listed appliance. Appliances already in the map are only refreshed when
	// their connection state goes from disconnected to connected.
	RefreshAll
)

// Callback is the dispatched notification signature: appliance id, event
// key (lifecycle name or raw BSH key), and an event-specific value.
type Callback = registry.Callback

// Coordinator is the top-level synchronization engine. A zero Coordinator
// is not usable; construct one with Create.
type Coordinator struct {
	auth      AuthProvider
	transport *transport.Transport
	registry  *registry.Registry
	health    *health.Tracker
	cfg       config.Config

	mu         sync.RWMutex
	appliances map[string]*appliance.Engine

	cron       *cron.Cron
	sseCancel  context.CancelFunc
	sseDone    chan struct{}
	onError    func(error)
	closeOnce  sync.Once
}

// Create builds a Coordinator. If WithSnapshot was supplied, the appliance
// map is restored from it (collaborators re-wired) before mode is applied;
// otherwise mode drives the initial Load from a clean slate.
func Create(ctx context.Context, auth AuthProvider, cfg config.Config, mode RefreshMode, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		auth:       auth,
		cfg:        cfg,
		appliances: map[string]*appliance.Engine{},
		health:     health.New(nil),
	}
	for _, o := range opts {
		o(c)
	}
	if c.health == nil {
		c.health = health.New(nil)
	}
	c.transport = transport.New(auth, cfg.APIHost, cfg.Backoff, c.health)
	c.registry = registry.New()

	for _, eng := range c.appliances {
		eng.Rewire(c.transport, c.registry)
	}

	if err := c.Load(ctx, mode); err != nil {
		c.health.Set(health.FlagLoadingFailed)
		if c.onError != nil {
			c.onError(err)
			return c, nil
		}
		return nil, err
	}
	c.health.Set(health.FlagLoaded)
	return c, nil
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithSnapshot restores the appliance map from a prior Snapshot export.
func WithSnapshot(data []byte) Option {
	return func(c *Coordinator) {
		var raw map[string]*model.Appliance
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Error().Err(err).Msg("failed to restore snapshot, starting empty")
			return
		}
		for haId, a := range raw {
			c.appliances[haId] = appliance.New(a, nil, nil)
		}
	}
}

// WithOnError installs a callback invoked instead of returning an error
// from Create's initial Load, so long-lived hosts can keep running in a degraded
// state rather than aborting startup.
func WithOnError(fn func(error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithPrometheusRegisterer registers the coordinator's health gauges on reg.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.health = health.New(reg)
	}
}

func isDisabled(cfg config.Config, haId string) bool {
	for _, id := range cfg.DisabledApplianceIDs {
		if id == haId {
			return true
		}
	}
	return false
}

// Load lists /homeappliances and diffs it against the current map: new
// connected appliances are created, missing ones are removed (DEPAIRED
// emitted), and disconnected known ones have their connection state
// cleared.
func (c *Coordinator) Load(ctx context.Context, mode RefreshMode) error {
	env, err := c.transport.Get(ctx, "/api/homeappliances")
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	if raw, ok := env.Body["homeappliances"].([]any); ok {
		for _, v := range raw {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			data := model.FromProperties(m)
			if isDisabled(c.cfg, data.HaId) {
				continue
			}
			seen[data.HaId] = true

			c.mu.Lock()
			eng, exists := c.appliances[data.HaId]
			if !exists {
				eng = appliance.New(data, c.transport, c.registry)
				c.appliances[data.HaId] = eng
			} else {
				eng.SetConnectionState(ctx, data.Connected)
			}
			c.mu.Unlock()

			if !exists {
				c.registry.DispatchKey(data.HaId, registry.EventPaired, nil)
				if mode == RefreshAll || mode == RefreshDynamicOnly {
					if err := eng.RefreshAll(ctx); err != nil {
						log.Warn().Str("haId", data.HaId).Err(err).Msg("initial refresh failed")
					}
				}
			} else if mode == RefreshNothing {
				c.registry.DispatchKey(data.HaId, registry.EventPaired, nil)
			}
		}
	}

	c.mu.Lock()
	for haId := range c.appliances {
		if !seen[haId] {
			delete(c.appliances, haId)
			c.mu.Unlock()
			c.registry.DispatchKey(haId, registry.EventDepaired, nil)
			c.mu.Lock()
		}
	}
	c.mu.Unlock()

	return nil
}

// Appliance returns the engine for haId, or nil if unknown.
func (c *Coordinator) Appliance(haId string) *appliance.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appliances[haId]
}

// Appliances returns a snapshot slice of all known appliance engines.
func (c *Coordinator) Appliances() []*appliance.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*appliance.Engine, 0, len(c.appliances))
	for _, eng := range c.appliances {
		out = append(out, eng)
	}
	return out
}

// Health exposes the coordinator's health tracker.
func (c *Coordinator) Health() *health.Tracker { return c.health }

// RegisterCallback exposes the three explicit registration surfaces
// instead of inspecting callback arity at runtime.
func (c *Coordinator) RegisterCallback() *registry.Registry { return c.registry }

// ClearAllCallbacks deregisters every callback.
func (c *Coordinator) ClearAllCallbacks() { c.registry.Clear() }

// Snapshot serializes the full appliance map for later restoration via
// WithSnapshot. Internal collaborator references are excluded by
// model.Appliance's own JSON shape.
func (c *Coordinator) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*model.Appliance, len(c.appliances))
	for haId, eng := range c.appliances {
		out[haId] = eng.Snapshot()
	}
	return json.MarshalIndent(out, "", "  ")
}

// ScheduleReconciliation runs a full Load on the given cron schedule as a
// fallback against missed SSE events, independent of the live stream.
func (c *Coordinator) ScheduleReconciliation(spec string) error {
	if c.cron != nil {
		c.cron.Stop()
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.Load(ctx, RefreshDynamicOnly); err != nil {
			log.Warn().Err(err).Msg("scheduled reconciliation failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconciliation schedule %q: %w", spec, err)
	}
	c.cron.Start()
	return nil
}

// Close cancels the SSE loop and any scheduled reconciliation, and clears
// all callbacks.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		if c.sseCancel != nil {
			c.sseCancel()
		}
		if c.sseDone != nil {
			<-c.sseDone
		}
		if c.cron != nil {
			c.cron.Stop()
		}
		c.registry.Clear()
	})
	return nil
}
