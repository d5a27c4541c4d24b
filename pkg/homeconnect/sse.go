package homeconnect

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbrt/homeconnect-sync/internal/appliance"
	"github.com/mbrt/homeconnect-sync/internal/health"
	"github.com/mbrt/homeconnect-sync/internal/model"
	"github.com/mbrt/homeconnect-sync/internal/registry"
	"github.com/mbrt/homeconnect-sync/internal/transport"
)

const eventsPath = "/api/homeappliances/events"

var tracer = otel.Tracer("github.com/mbrt/homeconnect-sync/pkg/homeconnect")

// sseState labels the reconnect loop's current phase, replacing the
// source's exception-driven control flow with an explicit state match.
type sseState int

const (
	stateConnecting sseState = iota
	stateStreaming
	stateBackoffGeneral
	stateBackoffRateLimited
)

var embeddedStatusPattern = regexp.MustCompile(`(\d{3})\s*$`)

const (
	generalBackoffInitial = 2 * time.Second
	generalBackoffMax     = 120 * time.Second
	rateLimitBackoffInit  = 60 * time.Second
	rateLimitBackoffMax   = 3600 * time.Second
)

// SubscribeForUpdates starts the SSE loop task. Idempotent: a second call
// while already running is a no-op.
func (c *Coordinator) SubscribeForUpdates(ctx context.Context) error {
	c.mu.Lock()
	if c.sseCancel != nil {
		c.mu.Unlock()
		return nil
	}
	sseCtx, cancel := context.WithCancel(ctx)
	c.sseCancel = cancel
	c.sseDone = make(chan struct{})
	c.mu.Unlock()

	go c.sseLoop(sseCtx)
	return nil
}

func (c *Coordinator) sseLoop(ctx context.Context) {
	defer close(c.sseDone)

	state := stateConnecting
	delay := time.Duration(0)

	for {
		if ctx.Err() != nil {
			return
		}

		switch state {
		case stateBackoffGeneral, stateBackoffRateLimited:
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			state = stateConnecting
			continue

		case stateConnecting:
			src, err := c.transport.OpenEventStream(ctx, eventsPath, c.cfg.SSETimeout)
			if err != nil {
				nextState, nextDelay := classifyStreamError(err, delay)
				log.Warn().Err(err).Str("state", "connecting").Dur("backoff", nextDelay).Msg("SSE connect failed")
				c.health.Clear(health.FlagUpdates)
				state, delay = nextState, nextDelay
				continue
			}
			c.health.Set(health.FlagUpdates)
			delay = 0
			nextState, nextDelay := c.stream(ctx, src, delay)
			state, delay = nextState, nextDelay
		}
	}
}

// stream reads events until the source errs out or ctx is canceled, and
// returns the next state to transition to plus its backoff delay.
func (c *Coordinator) stream(ctx context.Context, src transport.EventSource, prevDelay time.Duration) (sseState, time.Duration) {
	defer src.Close()

	for {
		if ctx.Err() != nil {
			return stateConnecting, 0
		}
		iterCtx, span := tracer.Start(ctx, "sse.iteration")
		ev, err := src.Next(iterCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			if ctx.Err() != nil {
				return stateConnecting, 0
			}
			next, delay := classifyStreamError(err, prevDelay)
			log.Warn().Err(err).Msg("SSE stream read failed")
			c.health.Clear(health.FlagUpdates)
			return next, delay
		}
		span.SetAttributes(attribute.String("sse.event_type", ev.Type))
		c.handleEvent(iterCtx, ev)
		span.End()
	}
}

func classifyStreamError(err error, prevDelay time.Duration) (sseState, time.Duration) {
	if err == nil {
		return stateBackoffGeneral, generalBackoffInitial
	}
	msg := err.Error()

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "Timeout") {
		// Expected hourly rollover: reconnect immediately, no backoff.
		return stateConnecting, 0
	}
	if strings.Contains(msg, "connection refused") {
		return stateConnecting, 0
	}

	if code := extractStatusCode(msg); code == 429 {
		next := prevDelay * 2
		if next < rateLimitBackoffInit {
			next = rateLimitBackoffInit
		}
		if next > rateLimitBackoffMax {
			next = rateLimitBackoffMax
		}
		return stateBackoffRateLimited, next
	}

	next := prevDelay * 2
	if next == 0 {
		next = generalBackoffInitial
	}
	if next > generalBackoffMax {
		next = generalBackoffMax
	}
	return stateBackoffGeneral, next
}

func extractStatusCode(msg string) int {
	m := embeddedStatusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func (c *Coordinator) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case "KEEP-ALIVE":
		log.Debug().Msg("SSE keep-alive")

	case "PAIRED":
		haId := haIdFromEvent(ev)
		c.ensureAppliance(ctx, haId, true)

	case "DEPAIRED":
		haId := haIdFromEvent(ev)
		c.mu.Lock()
		delete(c.appliances, haId)
		c.mu.Unlock()
		c.registry.DispatchKey(haId, registry.EventDepaired, nil)

	case "CONNECTED":
		haId := haIdFromEvent(ev)
		eng := c.Appliance(haId)
		if eng == nil {
			// ensureAppliance already emits PAIRED for a newly-discovered
			// appliance; don't dispatch it a second time here.
			c.ensureAppliance(ctx, haId, true)
			eng = c.Appliance(haId)
		}
		if eng != nil {
			eng.SetConnectionState(ctx, true)
		}
		c.registry.DispatchKey(haId, registry.EventConnected, nil)

	case "DISCONNECTED":
		haId := haIdFromEvent(ev)
		if eng := c.Appliance(haId); eng != nil {
			eng.SetConnectionState(ctx, false)
		}
		c.registry.DispatchKey(haId, registry.EventDisconnected, nil)

	case "NOTIFY", "EVENT":
		bodyHaId, items := transport.ParseNotifyData(ev.Data)
		haId := resolveHaId(bodyHaId, items, ev.LastEventID)
		eng := c.Appliance(haId)
		if eng == nil {
			log.Info().Str("haId", haId).Msg("event for unknown appliance, reloading")
			if err := c.Load(ctx, RefreshAll); err != nil {
				log.Warn().Err(err).Msg("reload after unknown haId failed")
			}
			eng = c.Appliance(haId)
			if eng == nil {
				return
			}
		}
		for _, item := range items {
			itemCtx, span := tracer.Start(ctx, "sse.apply_event")
			span.SetAttributes(attribute.String("event.key", item.Key), attribute.String("event.ha_id", haId))
			eng.ApplyEvent(itemCtx, item)
			span.End()
		}

	default:
		log.Debug().Str("type", ev.Type).Msg("unrecognized SSE event type")
	}
}

func haIdFromEvent(ev transport.Event) string {
	bodyHaId, items := transport.ParseNotifyData(ev.Data)
	return resolveHaId(bodyHaId, items, ev.LastEventID)
}

// resolveHaId picks the authoritative appliance id for an SSE message. A
// per-item uri is preferred over the message's own haId/last_event_id
// field when both are present and disagree, mirroring the source's
// uri-based haId fallback.
func resolveHaId(bodyHaId string, items []transport.NotifyItem, lastEventID string) string {
	for _, item := range items {
		if uriHaId := transport.HaIdFromURI(item.Uri); uriHaId != "" {
			return uriHaId
		}
	}
	if bodyHaId != "" {
		return bodyHaId
	}
	return lastEventID
}

func (c *Coordinator) ensureAppliance(ctx context.Context, haId string, refresh bool) {
	if haId == "" {
		return
	}
	c.mu.RLock()
	_, exists := c.appliances[haId]
	c.mu.RUnlock()
	if exists {
		return
	}

	env, err := c.transport.Get(ctx, "/api/homeappliances/"+haId)
	var data *model.Appliance
	if err != nil || env.Body == nil {
		data = &model.Appliance{HaId: haId, Connected: true}
	} else {
		data = model.FromProperties(env.Body)
	}

	eng := appliance.New(data, c.transport, c.registry)
	c.mu.Lock()
	c.appliances[haId] = eng
	c.mu.Unlock()

	c.registry.DispatchKey(haId, registry.EventPaired, nil)
	if refresh {
		if err := eng.RefreshAll(ctx); err != nil {
			log.Warn().Str("haId", haId).Err(err).Msg("refresh for newly paired appliance failed")
		}
	}
}
