// Package resilience keeps voice sessions available when a provider backend
// goes down. [VoiceFallback] fronts a primary voice provider and an ordered
// list of fallbacks; a backend that repeatedly fails to open sessions is
// benched for a while instead of being retried on every request, then probed
// back into rotation once the retry window opens.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Telegamez/voicecast/pkg/provider/voice"
)

// ErrAllFailed is returned by [VoiceFallback.Open] when every backend either
// failed or is currently benched.
var ErrAllFailed = errors.New("resilience: all voice backends failed")

// Config tunes how quickly a failing backend is benched and retried.
// Zero-value fields are replaced with defaults.
type Config struct {
	// MaxFailures is the number of consecutive failed opens before a
	// backend is benched. Default: 5.
	MaxFailures int

	// RetryAfter is how long a benched backend sits out before probe opens
	// are allowed again. Default: 30s.
	RetryAfter time.Duration

	// ProbeBudget is the number of successful probe opens required for a
	// benched backend to rejoin the rotation. Default: 3.
	ProbeBudget int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 30 * time.Second
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 3
	}
	return c
}

// backend pairs a voice provider with its bench state.
type backend struct {
	name    string
	prov    voice.Provider
	breaker *breaker
}

// VoiceFallback implements [voice.Provider] with automatic failover across
// multiple voice backends. Backends are tried in registration order; benched
// backends are skipped. Register all fallbacks before the first Open.
type VoiceFallback struct {
	backends []backend
	cfg      Config
	now      func() time.Time
}

// Compile-time interface assertion.
var _ voice.Provider = (*VoiceFallback)(nil)

// NewVoiceFallback creates a [VoiceFallback] with primary as the preferred
// backend.
func NewVoiceFallback(primary voice.Provider, name string, cfg Config) *VoiceFallback {
	cfg = cfg.withDefaults()
	f := &VoiceFallback{cfg: cfg, now: time.Now}
	f.backends = append(f.backends, backend{
		name:    name,
		prov:    primary,
		breaker: newBreaker(name, cfg, f.clock),
	})
	return f
}

// AddFallback registers an additional voice backend. Fallbacks are tried in
// the order they are added, after the primary.
func (f *VoiceFallback) AddFallback(name string, p voice.Provider) {
	f.backends = append(f.backends, backend{
		name:    name,
		prov:    p,
		breaker: newBreaker(name, f.cfg, f.clock),
	})
}

// clock indirects through f.now so tests can advance time.
func (f *VoiceFallback) clock() time.Time {
	return f.now()
}

// Name returns the primary backend's name.
func (f *VoiceFallback) Name() string {
	return f.backends[0].prov.Name()
}

// Capabilities returns the primary backend's capabilities. Capabilities are
// static metadata and do not participate in failover.
func (f *VoiceFallback) Capabilities() voice.Capabilities {
	return f.backends[0].prov.Capabilities()
}

// Open establishes a session against the first healthy backend. Only session
// establishment is covered by failover; once a session is open, mid-session
// errors are the caller's responsibility.
func (f *VoiceFallback) Open(ctx context.Context, cfg voice.SessionConfig) (voice.SessionHandle, error) {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]
		probe, ok := b.breaker.allow()
		if !ok {
			slog.Debug("skipping benched voice backend", "backend", b.name)
			continue
		}
		sess, err := b.prov.Open(ctx, cfg)
		b.breaker.record(probe, err)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		slog.Warn("voice backend failed to open session, trying next",
			"backend", b.name, "err", err)
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: every backend is benched", ErrAllFailed)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
