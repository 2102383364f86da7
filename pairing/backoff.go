package pairing

import (
	"sync"
	"time"
)

// LimiterConfig configures the pair-setup attempt limiter.
type LimiterConfig struct {
	// FreeAttempts is the number of failed attempts allowed without delay.
	FreeAttempts int
	// InitialDelay is the delay imposed once FreeAttempts is reached; it
	// doubles with every further failure up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts is the number of failures after which the identity is
	// refused until Reset.
	MaxAttempts int
}

// DefaultLimiterConfig returns the limiter configuration used by default.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		FreeAttempts: 5,
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
		MaxAttempts:  100,
	}
}

// Limiter tracks failed pair-setup attempts per remote identity and imposes
// an exponential backoff to slow down brute forcing of the setup code.
type Limiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*attempts
}

type attempts struct {
	failures int
	last     time.Time
	until    time.Time
}

// idle reports whether a has seen no failure for MaxDelay. Such entries are
// forgotten unless they reached MaxAttempts.
func (l *Limiter) idle(a *attempts, now time.Time) bool {
	return a.failures < l.cfg.MaxAttempts && now.Sub(a.last) > l.cfg.MaxDelay
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	def := DefaultLimiterConfig()
	if cfg.FreeAttempts <= 0 {
		cfg.FreeAttempts = def.FreeAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.InitialDelay)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*attempts),
	}
}

// Check returns nil if id may attempt pair-setup now. Otherwise it returns
// ErrorBackoff with the remaining delay, or ErrorMaxTries.
func (l *Limiter) Check(id string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[id]
	if !ok {
		return 0, nil
	}
	if l.idle(a, l.now()) {
		delete(l.entries, id)
		return 0, nil
	}
	if a.failures >= l.cfg.MaxAttempts {
		return 0, ErrorMaxTries
	}
	if wait := a.until.Sub(l.now()); wait > 0 {
		return wait, ErrorBackoff
	}
	return 0, nil
}

// Fail records a failed attempt by id.
func (l *Limiter) Fail(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, a := range l.entries {
		if l.idle(a, now) {
			delete(l.entries, k)
		}
	}
	a, ok := l.entries[id]
	if !ok {
		a = &attempts{}
		l.entries[id] = a
	}
	a.failures++
	a.last = now
	if a.failures < l.cfg.FreeAttempts {
		return
	}
	delay := l.cfg.InitialDelay
	for i := l.cfg.FreeAttempts; i < a.failures && delay < l.cfg.MaxDelay; i++ {
		delay *= 2
	}
	a.until = now.Add(min(delay, l.cfg.MaxDelay))
}

// Reset forgets the failures of id, after a successful pairing.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Failures returns the number of failures recorded for id.
func (l *Limiter) Failures(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.entries[id]; ok && !l.idle(a, l.now()) {
		return a.failures
	}
	return 0
}

// Len returns the number of identities with failures on record.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
