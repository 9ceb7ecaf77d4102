package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Request without touching the network when the
// target's circuit breaker is open.
var ErrCircuitOpen = errors.New("transport: circuit open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a per-target circuit breaker. It opens after threshold
// consecutive failures, stays open for cooldown, then half-opens and admits a
// single probe. One success closes it; a failed probe reopens it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// allow reports whether a call may proceed. In the half-open state only one
// in-flight probe is admitted; everything else gets ErrCircuitOpen.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// success resets the breaker to closed.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// failure records a failed call, opening the circuit when the consecutive
// failure count reaches the threshold or a half-open probe fails.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// breakerSet holds one breaker per target (scheme://host:port).
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreakerSet(threshold int, cooldown time.Duration, now func() time.Time) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

func (s *breakerSet) get(target string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[target]
	if !ok {
		b = newBreaker(s.threshold, s.cooldown, s.now)
		s.breakers[target] = b
	}
	return b
}
