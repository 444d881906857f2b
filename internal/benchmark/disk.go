package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const diskChunk = 1 << 20

// measureDisk writes then reads back a temporary file sequentially and returns
// read and write throughput in MB/s.
func measureDisk(ctx context.Context, fs afero.Fs, dir string, size int64) (readMBps, writeMBps float64, err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create probe dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf(".fleet-bench-%d", time.Now().UnixNano()))
	defer func() { _ = fs.Remove(path) }()

	chunk := make([]byte, diskChunk)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("create probe file: %w", err)
	}
	start := time.Now()
	var written int64
	for written < size {
		if ctx.Err() != nil {
			_ = f.Close()
			return 0, 0, ctx.Err()
		}
		n := min(int64(len(chunk)), size-written)
		if _, err := f.Write(chunk[:n]); err != nil {
			_ = f.Close()
			return 0, 0, fmt.Errorf("write probe file: %w", err)
		}
		written += n
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, 0, fmt.Errorf("sync probe file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, 0, fmt.Errorf("close probe file: %w", err)
	}
	writeSecs := time.Since(start).Seconds()

	r, err := fs.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open probe file: %w", err)
	}
	start = time.Now()
	read, err := io.CopyBuffer(io.Discard, r, chunk)
	_ = r.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("read probe file: %w", err)
	}
	readSecs := time.Since(start).Seconds()

	if read != written {
		return 0, 0, fmt.Errorf("short read: %d of %d bytes", read, written)
	}
	if writeSecs <= 0 || readSecs <= 0 {
		return 0, 0, errors.New("disk probe too fast to time")
	}
	mb := float64(written) / (1024 * 1024)
	return mb / readSecs, mb / writeSecs, nil
}
