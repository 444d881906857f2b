package benchmark

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var pingTimePattern = regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`)

const tcpProbePort = "443"

func measureLatency(ctx context.Context, ping func(context.Context, string) (time.Duration, error), host string, samples int) (float64, error) {
	var (
		total time.Duration
		ok    int
		errs  []error
	)
	for i := 0; i < samples; i++ {
		d, err := ping(ctx, host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += d
		ok++
	}
	if ok == 0 {
		return 0, fmt.Errorf("no successful samples: %w", errors.Join(errs...))
	}
	return float64(total) / float64(ok) / float64(time.Millisecond), nil
}

// pingOnce uses the system ping binary and falls back to timing a TCP
// handshake when ICMP is unavailable (no binary or no privileges).
func pingOnce(ctx context.Context, host string) (time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "ping", "-c", "1", host).Output()
	if err == nil {
		if d, perr := parsePingOutput(string(out)); perr == nil {
			return d, nil
		}
	}
	return dialLatency(cctx, host)
}

func parsePingOutput(out string) (time.Duration, error) {
	m := pingTimePattern.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.New("no round-trip time in ping output")
	}
	ms, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse ping time %q: %w", m[1], err)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func dialLatency(ctx context.Context, host string) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, tcpProbePort))
	if err != nil {
		return 0, fmt.Errorf("tcp probe %s: %w", host, err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
