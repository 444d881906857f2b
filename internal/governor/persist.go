package governor

import (
	"context"

	"go.uber.org/multierr"
)

// persistProfile writes the current profile. Writes are serialized and each
// one snapshots under the lock, so the newest profile always lands last.
func (g *Governor) persistProfile(ctx context.Context) {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	_ = g.writeProfile(ctx)
}

// writeProfile expects persistMu held. A failed write is retried by the next
// persistState.
func (g *Governor) writeProfile(ctx context.Context) error {
	g.mu.Lock()
	snap := g.profile
	g.profileDirty = false
	g.mu.Unlock()

	if err := g.store.Write(ctx, ProfileKey, snap); err != nil {
		g.logger.Warn("persist capacity profile failed", "error", err)
		g.mu.Lock()
		g.profileDirty = true
		g.mu.Unlock()
		return err
	}
	return nil
}

// persistState writes governor state, and any profile whose last write
// failed, when something changed and the debounce window has passed, or
// unconditionally when force is set.
func (g *Governor) persistState(ctx context.Context, force bool) error {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	now := g.now()
	if (!g.dirty && !g.profileDirty) || (!force && now.Sub(g.lastPersist) < g.cfg.PersistDebounce) {
		g.mu.Unlock()
		return nil
	}
	retryProfile, stateDirty := g.profileDirty, g.dirty
	snap := g.state.Clone()
	g.dirty = false
	g.lastPersist = now
	g.mu.Unlock()

	var errs error
	if retryProfile {
		errs = multierr.Append(errs, g.writeProfile(ctx))
	}
	if !stateDirty {
		return errs
	}
	if err := g.store.Write(ctx, StateKey, snap); err != nil {
		g.logger.Warn("persist governor state failed", "error", err)
		g.mu.Lock()
		g.dirty = true
		g.mu.Unlock()
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Flush writes pending state and the profile regardless of the debounce.
func (g *Governor) Flush(ctx context.Context) error {
	g.mu.Lock()
	g.profileDirty = true
	g.mu.Unlock()
	return g.persistState(ctx, true)
}
