package benchmark

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const hashBlockSize = 1024

// measureCPU hashes on every core for a fixed wall-clock budget and returns
// hashes per second per core, so results compare across hosts.
func measureCPU(ctx context.Context, budget time.Duration, workers int) (float64, error) {
	if workers < 1 {
		workers = 1
	}
	counts := make([]uint64, workers)
	start := time.Now()
	deadline := start.Add(budget)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			buf := make([]byte, hashBlockSize)
			buf[0] = byte(i)
			var n uint64
			for time.Now().Before(deadline) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				for j := 0; j < 64; j++ {
					sum := sha256.Sum256(buf)
					buf[1] = sum[0]
					n++
				}
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, errors.New("cpu probe elapsed time is zero")
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	return float64(total) / elapsed / float64(workers), nil
}
