package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const meminfoPath = "/proc/meminfo"

type MemoryInfo struct {
	TotalBytes     uint64
	UsedBytes      uint64
	FreeBytes      uint64
	SwapTotalBytes uint64
	SwapFreeBytes  uint64
}

func (m MemoryInfo) TotalMB() float64 {
	return float64(m.TotalBytes) / (1024 * 1024)
}

func (m MemoryInfo) FreeMB() float64 {
	return float64(m.FreeBytes) / (1024 * 1024)
}

// SwapPercent is 0 on hosts without swap configured.
func (m MemoryInfo) SwapPercent() float64 {
	if m.SwapTotalBytes == 0 || m.SwapFreeBytes >= m.SwapTotalBytes {
		return 0
	}
	return float64(m.SwapTotalBytes-m.SwapFreeBytes) / float64(m.SwapTotalBytes) * 100
}

func ReadMemoryInfo() (MemoryInfo, error) {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("open %s: %w", meminfoPath, err)
	}
	defer f.Close()
	return ParseMemoryInfo(f)
}

func ParseMemoryInfo(r io.Reader) (MemoryInfo, error) {
	vals := map[string]uint64{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		v, convErr := strconv.ParseUint(parts[1], 10, 64)
		if convErr != nil {
			continue
		}
		vals[key] = v * 1024
	}
	if err := s.Err(); err != nil {
		return MemoryInfo{}, fmt.Errorf("scan meminfo: %w", err)
	}
	total := vals["MemTotal"]
	if total == 0 {
		return MemoryInfo{}, fmt.Errorf("MemTotal missing")
	}
	avail, ok := vals["MemAvailable"]
	if !ok {
		// Kernels before 3.14 lack MemAvailable.
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	if avail > total {
		avail = total
	}
	return MemoryInfo{
		TotalBytes:     total,
		UsedBytes:      total - avail,
		FreeBytes:      avail,
		SwapTotalBytes: vals["SwapTotal"],
		SwapFreeBytes:  vals["SwapFree"],
	}, nil
}
