package exclusive

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBusy         = errors.New("key already queued or executing")
	ErrLeaseExpired = errors.New("exclusive lease expired")
	ErrHolderFailed = errors.New("lease holder reported failure")
	ErrClosed       = errors.New("exclusive queue closed")
)

// Acquire takes an exclusive turn on behalf of a remote holder. It blocks
// until the turn starts, then the turn lasts until Release or until lease
// elapses. Giving up while still queued withdraws the entry.
func (q *Queue) Acquire(ctx context.Context, key string, lease time.Duration) error {
	granted := make(chan struct{})
	rel := make(chan error, 1)

	ok := q.Enqueue(key, func(actx context.Context) error {
		q.mu.Lock()
		q.leases[key] = rel
		q.mu.Unlock()
		close(granted)

		t := time.NewTimer(lease)
		defer t.Stop()
		select {
		case err := <-rel:
			return err
		case <-t.C:
			q.dropLease(key, rel)
			return ErrLeaseExpired
		case <-actx.Done():
			q.dropLease(key, rel)
			return actx.Err()
		}
	})
	if !ok {
		return ErrBusy
	}

	select {
	case <-granted:
		if err := ctx.Err(); err != nil {
			q.releaseLease(key, rel, false)
			return err
		}
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		if !q.Skip(key) {
			select {
			case <-granted:
				q.releaseLease(key, rel, false)
			case <-q.ctx.Done():
			}
		}
		return ctx.Err()
	}
}

// Release ends a held lease. ok=false marks the turn as failed.
func (q *Queue) Release(key string, ok bool) bool {
	q.mu.Lock()
	rel, found := q.leases[key]
	q.mu.Unlock()
	if !found {
		return false
	}
	return q.releaseLease(key, rel, ok)
}

// releaseLease ends the lease only while rel still holds key, so a late
// release never ends a later holder's turn.
func (q *Queue) releaseLease(key string, rel chan error, ok bool) bool {
	q.mu.Lock()
	if q.leases[key] != rel {
		q.mu.Unlock()
		return false
	}
	delete(q.leases, key)
	q.mu.Unlock()
	var err error
	if !ok {
		err = ErrHolderFailed
	}
	rel <- err
	return true
}

func (q *Queue) dropLease(key string, rel chan error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.leases[key] == rel {
		delete(q.leases, key)
	}
}
