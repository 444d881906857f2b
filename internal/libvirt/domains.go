package libvirt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

const statCPUTime = "cpu.time"

var (
	ErrUnknownDomain = errors.New("no libvirt domain defined for target")
	ErrStillRunning  = errors.New("domain still running after graceful shutdown")
)

// domainOps is the slice of libvirt the executor needs.
type domainOps interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, force bool) error
	// Running returns cumulative CPU time in nanoseconds for every running
	// domain whose name has prefix.
	Running(ctx context.Context, prefix string) (map[string]uint64, error)
}

type libvirtDomains struct {
	conn            *ConnManager
	shutdownTimeout time.Duration
	pollEvery       time.Duration
}

func newLibvirtDomains(conn *ConnManager, shutdownTimeout time.Duration) *libvirtDomains {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 60 * time.Second
	}
	return &libvirtDomains{conn: conn, shutdownTimeout: shutdownTimeout, pollEvery: time.Second}
}

func (d *libvirtDomains) Start(ctx context.Context, name string) error {
	return d.conn.Do(ctx, func(c *golibvirt.Libvirt) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			if golibvirt.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ErrUnknownDomain, name)
			}
			return fmt.Errorf("lookup domain %s: %w", name, err)
		}
		state, _, _, _, _, err := c.DomainGetInfo(dom)
		if err == nil && isDomainRunning(state) {
			return nil
		}
		if err := c.DomainCreate(dom); err != nil {
			return fmt.Errorf("start domain %s: %w", name, err)
		}
		return nil
	})
}

func (d *libvirtDomains) Stop(ctx context.Context, name string, force bool) error {
	return d.conn.Do(ctx, func(c *golibvirt.Libvirt) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			if golibvirt.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("lookup domain %s: %w", name, err)
		}
		state, _, _, _, _, err := c.DomainGetInfo(dom)
		if err == nil && !isDomainRunning(state) {
			return nil
		}
		if force {
			if err := c.DomainDestroy(dom); err != nil {
				return fmt.Errorf("destroy domain %s: %w", name, err)
			}
			return nil
		}
		if err := c.DomainShutdown(dom); err != nil {
			return fmt.Errorf("shutdown domain %s: %w", name, err)
		}
		if !d.waitStopped(ctx, c, dom) {
			return fmt.Errorf("%w: %s", ErrStillRunning, name)
		}
		return nil
	})
}

func (d *libvirtDomains) Running(ctx context.Context, prefix string) (map[string]uint64, error) {
	out := map[string]uint64{}
	err := d.conn.Do(ctx, func(c *golibvirt.Libvirt) error {
		doms, _, err := c.ConnectListAllDomains(1, golibvirt.ConnectListDomainsActive)
		if err != nil {
			return fmt.Errorf("ConnectListAllDomains: %w", err)
		}
		var ours []golibvirt.Domain
		for _, dom := range doms {
			if strings.HasPrefix(dom.Name, prefix) {
				ours = append(ours, dom)
			}
		}
		if len(ours) == 0 {
			return nil
		}
		records, err := c.ConnectGetAllDomainStats(ours, uint32(golibvirt.DomainStatsCPUTotal), 0)
		if err != nil {
			return fmt.Errorf("ConnectGetAllDomainStats: %w", err)
		}
		for _, rec := range records {
			var cpuNs uint64
			for _, p := range rec.Params {
				if p.Field == statCPUTime {
					cpuNs = asUint64(p.Value.I)
				}
			}
			out[rec.Dom.Name] = cpuNs
		}
		return nil
	})
	return out, err
}

func (d *libvirtDomains) waitStopped(ctx context.Context, c *golibvirt.Libvirt, dom golibvirt.Domain) bool {
	deadlineCtx, cancel := context.WithTimeout(ctx, d.shutdownTimeout)
	defer cancel()
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		state, _, _, _, _, err := c.DomainGetInfo(dom)
		if err == nil && !isDomainRunning(state) {
			return true
		}
		select {
		case <-deadlineCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func isDomainRunning(state uint8) bool {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return true
	default:
		return false
	}
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	default:
		return 0
	}
}
