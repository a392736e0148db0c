// Package circuitbreaker stops calling an ESI route after repeated failures
// and probes it again once a cooldown has passed.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type routeState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	routes    map[string]*routeState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New opens a route's circuit after threshold consecutive failures. A
// threshold below 1 disables the breaker.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		routes:    make(map[string]*routeState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a request to route may be sent. After the cooldown a
// single probe is let through; further requests are refused until the probe is
// recorded.
func (cb *CircuitBreaker) Allow(route string) error {
	if cb.threshold < 1 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.routes[route]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(route string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Closed routes carry no state.
	delete(cb.routes, route)
}

func (cb *CircuitBreaker) RecordFailure(route string) {
	if cb.threshold < 1 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.routes[route]
	if !ok {
		s = &routeState{}
		cb.routes[route] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// OpenRoutes lists the routes currently refusing requests, sorted.
func (cb *CircuitBreaker) OpenRoutes() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var open []string
	for route, s := range cb.routes {
		if s.state != stateClosed {
			open = append(open, route)
		}
	}
	sort.Strings(open)
	return open
}
