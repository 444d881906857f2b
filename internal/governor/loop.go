package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// Run ticks until ctx is done. The interval follows the adaptive cadence, so
// it is re-read after every tick. Tick errors and panics are logged and the
// loop carries on.
func (g *Governor) Run(ctx context.Context) error {
	timer := time.NewTimer(g.Cadence().TickInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := g.safeTick(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("governor tick failed", "error", err)
				sleepWithContext(ctx, g.cfg.ErrorBackoff)
			}
			timer.Reset(g.Cadence().TickInterval())
		}
	}
}

func (g *Governor) safeTick(ctx context.Context) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = g.Tick(ctx) })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("governor tick panicked: %v", r.Value)
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
