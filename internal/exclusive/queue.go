package exclusive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

type Action func(ctx context.Context) error

// Observer is told about every finished execution, including failed ones.
type Observer func(key string, d time.Duration, err error)

type entry struct {
	key        string
	action     Action
	enqueuedAt time.Time
}

// Queue runs keyed actions one at a time, fleet-wide, in submission order.
// A key is accepted only while it is neither queued nor executing.
type Queue struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   []entry
	executing string
	driving   bool
	closed    bool
	observer  Observer
	leases    map[string]chan error
}

func New(logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]chan error),
	}
}

func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

// Enqueue appends action under key and reports whether it was accepted.
func (q *Queue) Enqueue(key string, action Action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || key == "" || key == q.executing || q.queuedLocked(key) >= 0 {
		return false
	}
	q.entries = append(q.entries, entry{key: key, action: action, enqueuedAt: time.Now()})
	if !q.driving {
		q.driving = true
		q.wg.Add(1)
		go q.drive()
	}
	return true
}

// Skip drops a queued, not yet executing, entry.
func (q *Queue) Skip(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.queuedLocked(key)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing != "" {
		return 1
	}
	return 0
}

func (q *Queue) Executing() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing, q.executing != ""
}

func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.key
	}
	return out
}

// Close rejects new work, drops pending entries, cancels the running action
// and waits for the driver to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	dropped := len(q.entries)
	q.entries = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if dropped > 0 {
		q.logger.Info("exclusive queue closed", "dropped", dropped)
	}
}

func (q *Queue) queuedLocked(key string) int {
	for i, e := range q.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// drive is the single consumer. It exits once the queue is empty; the empty
// check and the driving flag are updated under the same lock as Enqueue.
func (q *Queue) drive() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.entries) == 0 {
			q.driving = false
			q.executing = ""
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.executing = e.key
		obs := q.observer
		q.mu.Unlock()

		d, err := q.run(e)

		q.mu.Lock()
		q.executing = ""
		q.mu.Unlock()

		if obs != nil {
			obs(e.key, d, err)
		}
	}
}

func (q *Queue) run(e entry) (time.Duration, error) {
	start := time.Now()
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = e.action(q.ctx) })
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("exclusive action panicked: %v", r.Value)
		q.logger.Error("exclusive action panicked", "key", e.key, "panic", r.Value, "stack", string(r.Stack))
	} else if err != nil {
		q.logger.Warn("exclusive action failed", "key", e.key, "error", err)
	}
	d := time.Since(start)
	q.logger.Debug("exclusive action finished", "key", e.key, "waited", start.Sub(e.enqueuedAt), "took", d)
	return d, err
}
