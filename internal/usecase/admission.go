// Package usecase holds the conversational core: the turn orchestrator,
// admission gate, per-thread serialization and context assembly.
package usecase

import (
	"strings"
	"sync"
	"time"

	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
)

// SlidingWindowGate admits at most limit turns per rolling window per
// principal, with a stricter limit for anonymous principals. Denied
// requests are not recorded, so a denied caller does not push their own
// window further out. It implements domain.AdmissionGate.
type SlidingWindowGate struct {
	mu         sync.Mutex
	limit      int
	anonLimit  int
	window     time.Duration
	anonPrefix string
	history    map[string][]time.Time
	now        func() time.Time
	lastSweep  time.Time
}

func NewSlidingWindowGate(cfg config.LimiterConfig) *SlidingWindowGate {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	anonLimit := cfg.AnonLimit
	if anonLimit <= 0 {
		anonLimit = 10
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	anonPrefix := cfg.AnonPrefix
	if anonPrefix == "" {
		anonPrefix = "anon:"
	}
	return &SlidingWindowGate{
		limit:      limit,
		anonLimit:  anonLimit,
		window:     window,
		anonPrefix: anonPrefix,
		history:    make(map[string][]time.Time),
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests drive the window with a
// fake clock.
func (g *SlidingWindowGate) WithClock(now func() time.Time) *SlidingWindowGate {
	g.now = now
	return g
}

func (g *SlidingWindowGate) Admit(principalID string) domain.Admission {
	key := principalID
	limit := g.limit
	if principalID == "" {
		key = g.anonPrefix + "unidentified"
		limit = g.anonLimit
	} else if strings.HasPrefix(principalID, g.anonPrefix) {
		limit = g.anonLimit
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	g.sweep(cutoff, now)

	// Drop timestamps that have aged out of the window.
	recent := g.history[key]
	start := 0
	for start < len(recent) && !recent[start].After(cutoff) {
		start++
	}
	recent = recent[start:]

	if len(recent) >= limit {
		g.history[key] = recent
		return domain.Admission{
			Allowed:    false,
			RetryAfter: recent[0].Add(g.window).Sub(now),
		}
	}

	g.history[key] = append(recent, now)
	return domain.Admission{Allowed: true}
}

// sweep evicts principals whose every timestamp has aged out, so the
// history map does not grow with one entry per principal ever seen.
// Runs at most once per window. Caller holds the mutex.
func (g *SlidingWindowGate) sweep(cutoff, now time.Time) {
	if now.Sub(g.lastSweep) < g.window {
		return
	}
	g.lastSweep = now
	for key, stamps := range g.history {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(g.history, key)
		}
	}
}
