// Package health tracks the running/blocked/loaded status of the sync
// engine as a small bitset plus a blocked-until deadline, and exposes it
// both as a human-readable string and as Prometheus gauges.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flag is one bit of engine health.
type Flag uint8

const (
	FlagInit Flag = 1 << iota
	FlagRunning
	FlagLoaded
	FlagUpdates
	FlagLoadingFailed
	FlagBlocked
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagInit, "INIT"},
	{FlagRunning, "RUNNING"},
	{FlagLoaded, "LOADED"},
	{FlagUpdates, "UPDATES"},
	{FlagLoadingFailed, "LOADING_FAILED"},
	{FlagBlocked, "BLOCKED"},
}

// Tracker holds the live bitset and blocked-until deadline for one
// coordinator instance, guarded by a mutex since it's read from the SSE
// loop goroutine and written from the transport's retry path concurrently.
type Tracker struct {
	mu          sync.Mutex
	flags       Flag
	blockedFrom time.Time
	blockedFor  time.Duration

	gauge *prometheus.GaugeVec
}

// New creates a Tracker starting at FlagInit, optionally registering a
// Prometheus gauge vector (one gauge per flag name) on reg. reg may be nil.
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{flags: FlagInit}
	if reg != nil {
		t.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "homeconnect_sync",
			Name:      "health_flag",
			Help:      "Current value (0/1) of each health flag.",
		}, []string{"flag"})
		reg.MustRegister(t.gauge)
	}
	return t
}

// Set raises flag.
func (t *Tracker) Set(flag Flag) {
	t.mu.Lock()
	t.flags |= flag
	if flag != FlagBlocked {
		// Any forward progress clears a stale block.
		t.remaining()
	}
	t.mu.Unlock()
	t.reportMetrics()
}

// Clear lowers flag.
func (t *Tracker) Clear(flag Flag) {
	t.mu.Lock()
	t.flags &^= flag
	if flag == FlagBlocked {
		t.blockedFrom = time.Time{}
		t.blockedFor = 0
	}
	t.mu.Unlock()
	t.reportMetrics()
}

// Has reports whether flag is currently set.
func (t *Tracker) Has(flag Flag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flag&FlagBlocked != 0 {
		t.remaining()
	}
	return t.flags&flag != 0
}

// SetBlockedFor raises FlagBlocked with a deadline d in the future, used
// after a 429 response carrying a Retry-After value.
func (t *Tracker) SetBlockedFor(d time.Duration) {
	t.mu.Lock()
	t.flags |= FlagBlocked
	t.blockedFrom = time.Now()
	t.blockedFor = d
	t.mu.Unlock()
	t.reportMetrics()
}

// remaining returns how much of the current block is left, clearing the
// flag in place if it has expired.
func (t *Tracker) remaining() time.Duration {
	if t.blockedFrom.IsZero() {
		return 0
	}
	left := t.blockedFor - time.Since(t.blockedFrom)
	if left <= 0 {
		t.flags &^= FlagBlocked
		t.blockedFrom = time.Time{}
		t.blockedFor = 0
		return 0
	}
	return left
}

// Render returns a human-readable summary: "Blocked for MM:SS" while a
// block is active, else the name of the highest-priority set flag.
func (t *Tracker) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.flags&FlagBlocked != 0 {
		if left := t.remaining(); left > 0 {
			secs := int((left + time.Second - 1) / time.Second)
			return fmt.Sprintf("Blocked for %02d:%02d", secs/60, secs%60)
		}
	}

	for i := len(flagNames) - 1; i >= 0; i-- {
		if t.flags&flagNames[i].flag != 0 {
			return flagNames[i].name
		}
	}
	return "UNKNOWN"
}

func (t *Tracker) reportMetrics() {
	if t.gauge == nil {
		return
	}
	t.mu.Lock()
	flags := t.flags
	t.mu.Unlock()
	for _, fn := range flagNames {
		v := 0.0
		if flags&fn.flag != 0 {
			v = 1.0
		}
		t.gauge.WithLabelValues(fn.name).Set(v)
	}
}
