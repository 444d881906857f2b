package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleet-governor/internal/model"
)

type ProfileSource interface {
	Profile() model.CapacityProfile
}

type SlotCounter interface {
	Active() []string
}

type MemoryProbe interface {
	FreeMemMB(ctx context.Context) *float64
}

type Config struct {
	MinFreeMemMB       float64
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinFreeMemMB:       3072,
		FailureBackoffBase: 5 * time.Second,
		FailureBackoffMax:  2 * time.Minute,
	}
}

// Gate answers whether one more worker may be opened right now. Denials
// carry no side effects.
type Gate struct {
	cfg     Config
	profile ProfileSource
	slots   SlotCounter
	mem     MemoryProbe
	logger  *slog.Logger
	now     func() time.Time

	mu             sync.Mutex
	cooldownUntil  time.Time
	cooldownReason string
	failures       int
}

func NewGate(cfg Config, profile ProfileSource, slots SlotCounter, mem MemoryProbe, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		profile: profile,
		slots:   slots,
		mem:     mem,
		logger:  logger,
		now:     time.Now,
	}
}

// CanAdmit checks free memory, then cooldown, then slot usage. Unknown free
// memory is treated as too low.
func (g *Gate) CanAdmit(ctx context.Context) model.AdmissionDecision {
	p := g.profile.Profile()
	active := len(g.slots.Active())
	d := model.AdmissionDecision{
		ActiveSlots:    active,
		SafeMaxWorkers: p.SafeMaxWorkers,
	}

	d.FreeMemMB = g.mem.FreeMemMB(ctx)
	if d.FreeMemMB == nil || *d.FreeMemMB < g.cfg.MinFreeMemMB {
		d.Reason = model.AdmitRAMLow
		return d
	}

	if wait := g.cooldownRemaining(); wait > 0 {
		d.Reason = model.AdmitCooldown
		d.WaitMs = ceilMillis(wait)
		return d
	}

	if active >= p.SafeMaxWorkers {
		d.Reason = model.AdmitSlotsFull
		return d
	}

	d.Allow = true
	d.Reason = model.AdmitOK
	return d
}

// NoteOpen arms the cooldown after an open attempt: the profile's open spacing
// on success, exponential backoff on consecutive failures.
func (g *Gate) NoteOpen(success bool) {
	if success {
		spacing := time.Duration(g.profile.Profile().MinOpenSpacingMs) * time.Millisecond
		g.mu.Lock()
		g.failures = 0
		g.mu.Unlock()
		g.Cooldown(spacing, "open spacing")
		return
	}

	g.mu.Lock()
	g.failures++
	backoff := g.cfg.FailureBackoffBase
	for i := 1; i < g.failures && backoff < g.cfg.FailureBackoffMax; i++ {
		backoff *= 2
	}
	if g.cfg.FailureBackoffMax > 0 && backoff > g.cfg.FailureBackoffMax {
		backoff = g.cfg.FailureBackoffMax
	}
	failures := g.failures
	g.mu.Unlock()

	g.logger.Warn("open failed, backing off", "failures", failures, "backoff", backoff)
	g.Cooldown(backoff, "open failure backoff")
}

// Cooldown blocks admissions for d. An existing longer cooldown is kept.
func (g *Gate) Cooldown(d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	until := g.now().Add(d)
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
		g.cooldownReason = reason
	}
}

func (g *Gate) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func (g *Gate) cooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil.Sub(g.now())
}

func ceilMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}
