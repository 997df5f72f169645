// Package network provides request budgeting for platform API traffic.
package network

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateGate enforces per-platform requests-per-minute budgets. Handlers call
// Acquire before each outbound API request; downloads themselves are not
// budgeted, only the metadata traffic around them.
type RateGate struct {
	defaultRPM int

	mu        sync.RWMutex
	overrides map[string]int
	limiters  map[string]*rate.Limiter
}

func NewRateGate(defaultRPM int, overrides map[string]int) *RateGate {
	g := &RateGate{
		defaultRPM: defaultRPM,
		overrides:  make(map[string]int, len(overrides)),
		limiters:   make(map[string]*rate.Limiter),
	}
	for id, rpm := range overrides {
		g.overrides[id] = rpm
	}
	return g
}

// Acquire blocks until the platform's budget admits one request or the
// context ends.
func (g *RateGate) Acquire(ctx context.Context, platformID string) error {
	return g.limiter(platformID).Wait(ctx)
}

// Allow reports whether one request fits the budget right now, consuming it
// if so.
func (g *RateGate) Allow(platformID string) bool {
	return g.limiter(platformID).Allow()
}

// SetLimit overrides a platform's budget at runtime. RPM 0 or below removes
// the cap.
func (g *RateGate) SetLimit(platformID string, rpm int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[platformID] = rpm
	g.limiters[platformID] = newLimiter(rpm)
}

// SetDefaultFor installs the budget a platform advertises for itself, unless
// configuration already overrides that platform. Ignores rpm <= 0.
func (g *RateGate) SetDefaultFor(platformID string, rpm int) {
	if rpm <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.overrides[platformID]; ok {
		return
	}
	g.overrides[platformID] = rpm
	g.limiters[platformID] = newLimiter(rpm)
}

// RPMFor returns the effective budget for a platform.
func (g *RateGate) RPMFor(platformID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if rpm, ok := g.overrides[platformID]; ok {
		return rpm
	}
	return g.defaultRPM
}

func (g *RateGate) limiter(platformID string) *rate.Limiter {
	g.mu.RLock()
	lim, ok := g.limiters[platformID]
	g.mu.RUnlock()
	if ok {
		return lim
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if lim, ok := g.limiters[platformID]; ok {
		return lim
	}
	rpm := g.defaultRPM
	if o, ok := g.overrides[platformID]; ok {
		rpm = o
	}
	lim = newLimiter(rpm)
	g.limiters[platformID] = lim
	return lim
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}
