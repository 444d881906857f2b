package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func (a *Agent) run(ctx context.Context) error {
	if a.conn != nil {
		if _, err := a.conn.Client(ctx); err != nil {
			return fmt.Errorf("initial libvirt connect: %w", err)
		}
		a.health.SetLibvirtConnected(true)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.governor.Run(gctx)
	})
	g.Go(func() error {
		return a.runEventLoop(gctx)
	})
	g.Go(func() error {
		return a.runSweeper(gctx)
	})
	g.Go(func() error {
		return a.runControlServer(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})
	if a.local != nil {
		g.Go(func() error {
			return a.local.Run(gctx, func() time.Duration {
				return a.governor.Cadence().PollInterval()
			})
		})
		g.Go(func() error {
			return a.runHealthLoop(gctx)
		})
		if a.cfg.BootRamp {
			g.Go(func() error {
				return a.runBootRamp(gctx)
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runControlServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ControlListenAddr)
	if err != nil {
		return fmt.Errorf("listen control endpoint %s: %w", a.cfg.ControlListenAddr, err)
	}
	srv := a.control.GRPCServer()
	a.logger.Info("control endpoint listening", "addr", ln.Addr().String())
	a.health.SetControlServing(true)
	defer a.health.SetControlServing(false)

	go func() {
		<-ctx.Done()
		stopGracefully(srv, a.cfg.ShutdownTimeout)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serve control endpoint: %w", err)
	}
	return nil
}

// stopGracefully lets in-flight calls finish but never waits past timeout.
func stopGracefully(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.conn.Healthy(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn("libvirt health check failed", "error", err)
				a.health.SetLibvirtConnected(false)
				continue
			}
			a.health.SetLibvirtConnected(true)
			a.logHealth("ok")
		}
	}
}

func (a *Agent) logHealth(status string) {
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health", "status", status, "snapshot", a.health.Snapshot())
}

func (a *Agent) shutdown(ctx context.Context) error {
	var err error
	a.queue.Close()
	if ferr := a.governor.Flush(ctx); ferr != nil {
		err = multierr.Append(err, fmt.Errorf("flush governor state: %w", ferr))
	}
	if a.conn != nil {
		if cerr := a.conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("libvirt close: %w", cerr))
		}
		a.health.SetLibvirtConnected(false)
	}
	return err
}
