package provider

import (
	"sync"
	"time"
)

// BackoffRegistry tracks per-provider cool-off deadlines after 429/503
// responses. Each consecutive mark grows the delay by half, bounded by
// the configured maximum; a successful call resets it.
type BackoffRegistry struct {
	mu      sync.Mutex
	until   map[string]time.Time
	delay   map[string]time.Duration
	initial time.Duration
	max     time.Duration
	now     func() time.Time
}

// NewBackoffRegistry creates a registry with the given initial and
// maximum delays.
func NewBackoffRegistry(initial, max time.Duration) *BackoffRegistry {
	if initial <= 0 {
		initial = 20 * time.Second
	}
	if max < initial {
		max = initial
	}
	return &BackoffRegistry{
		until:   make(map[string]time.Time),
		delay:   make(map[string]time.Duration),
		initial: initial,
		max:     max,
		now:     time.Now,
	}
}

// InBackoff reports whether name is still inside its cool-off window.
func (b *BackoffRegistry) InBackoff(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.until[name])
}

// Mark records a rate-limit response and returns the applied delay.
func (b *BackoffRegistry) Mark(name string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delay[name]
	if d == 0 {
		d = b.initial
	} else {
		d = d * 3 / 2
		if d > b.max {
			d = b.max
		}
	}
	b.delay[name] = d
	b.until[name] = b.now().Add(d)
	return d
}

// Clear resets name's backoff state after a successful call.
func (b *BackoffRegistry) Clear(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.until, name)
	delete(b.delay, name)
}

// Deadline returns the current cool-off deadline for name, zero when
// none is active.
func (b *BackoffRegistry) Deadline(name string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.until[name]
}
