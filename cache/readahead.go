package cache

import (
	"golang.org/x/sync/semaphore"
)

// readahead is the cache table's speculative-warming submission queue.
// Grounded on the teacher kernel's circbuf.Circbuf_t (biscuit/src/
// circbuf/circbuf.go), a single-daemon ring buffer over a byte slice;
// here the element type is generalized from uint8 to a pending sector
// number, and a golang.org/x/sync/semaphore.Weighted bounds the number
// of submissions in flight so a flood of read-ahead requests cannot
// starve foreground fault-driven reads (spec.md §4.4: "a read-ahead
// task accepts submissions to speculatively warm a sector; ordering of
// such reads is unobservable to correctness").
type readahead struct {
	table *Table
	sem   *semaphore.Weighted
	ring  chan Sector
	done  chan struct{}
}

func newReadahead(t *Table, depth int64) *readahead {
	r := &readahead{
		table: t,
		sem:   semaphore.NewWeighted(depth),
		ring:  make(chan Sector, depth),
		done:  make(chan struct{}),
	}
	go r.worker()
	return r
}

// submit enqueues sector for background warming. A full queue silently
// drops the submission: read-ahead is an optimization hint, never a
// correctness requirement, so backpressure here must never block the
// caller's own fault-handling or write path.
func (r *readahead) submit(sector Sector) {
	if !r.sem.TryAcquire(1) {
		return
	}
	select {
	case r.ring <- sector:
	default:
		r.sem.Release(1)
	}
}

func (r *readahead) worker() {
	for {
		select {
		case sector, ok := <-r.ring:
			if !ok {
				return
			}
			r.warm(sector)
			r.sem.Release(1)
		case <-r.done:
			return
		}
	}
}

func (r *readahead) warm(sector Sector) {
	b := r.table.tryLock(sector)
	if b == nil {
		// Contended right now; not worth retrying for a mere hint.
		return
	}
	b.acquire(NonExclusive)
	r.table.Read(b)
	r.table.Unlock(b, NonExclusive)
}

func (r *readahead) stop() {
	close(r.done)
}
