package libvirt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"

	"fleet-governor/internal/system"
)

// NodeMemory reads host memory through libvirtd, for hosts where the
// governor does not run next to the hypervisor. Swap is not exposed there.
func (m *ConnManager) NodeMemory(ctx context.Context) (system.MemoryInfo, error) {
	var info system.MemoryInfo
	err := m.Do(ctx, func(c *golibvirt.Libvirt) error {
		stats, _, err := c.NodeGetMemoryStats(0, -1, 0)
		if err != nil {
			return fmt.Errorf("NodeGetMemoryStats: %w", err)
		}
		vals := make(map[string]uint64, len(stats))
		for _, st := range stats {
			vals[strings.ToLower(st.Field)] = st.Value
		}
		info, err = foldNodeMemory(vals)
		return err
	})
	return info, err
}

// foldNodeMemory converts libvirt's KiB counters. Buffers and page cache
// count as free.
func foldNodeMemory(vals map[string]uint64) (system.MemoryInfo, error) {
	total := vals["total"] * 1024
	if total == 0 {
		return system.MemoryInfo{}, errors.New("total memory is zero")
	}
	free := (vals["free"] + vals["buffers"] + vals["cached"]) * 1024
	if free > total {
		free = total
	}
	return system.MemoryInfo{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}, nil
}
