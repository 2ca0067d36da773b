// Package frame implements the physical frame table: a fixed array of
// physical page frames, each guarded by its own lock, the whole array
// guarded by a single scan lock, with frames reclaimed under pressure
// by the plain clock (second-chance) algorithm.
//
// Grounded on the teacher kernel's mem.Physmem_t (mem/mem.go), which
// keeps a free-list of real physical pages behind per-CPU and global
// locks. That design assumes a real MMU and a custom Go runtime
// (runtime.Get_phys, runtime.CPUHint), neither available here; the
// realization below instead gives each frame a back-reference to a
// Page interface rather than a raw pointer, and confines every
// structural mutation (bind/unbind) to the scan lock's critical
// section, so the link between a frame and its occupant is always
// either fully set or fully torn down for any outside observer.
package frame

import (
	"sync"

	"github.com/allonsy/pintos/defs"
)

// Page is the back-reference a frame holds while resident, implemented
// by vm.PageEntry. Evict performs the type-specific writeback (swap-out
// for STACK/ANON-DATA, conditional writeback for MMAP, nothing for
// READONLY-FILE) while f's buffer still holds the victim's bytes and
// f's lock is held by the caller.
type Page interface {
	Evict(f *Frame) defs.Err_t
	Accessed() bool
	ClearAccessed()
}

// Labeled is an optional interface a Page implements to describe
// itself for diagnostics; vm.PageEntry labels itself by Kind.
type Labeled interface {
	Label() string
}

// Frame is one physical frame: a stable byte buffer standing in for a
// page of physical memory, its own lock, and a back-reference to the
// PageEntry currently occupying it (nil when free). The invariant
// "if F.page = P then P.frame = F" is maintained jointly by Table and
// the vm package, which sets its own P.frame field right after
// TryAllocAndLock returns.
type Frame struct {
	sync.Mutex
	Bytes  []byte
	page   Page
	pinned bool
}

// Page returns the frame's current occupant, or nil if free. Callers
// must hold the frame's lock.
func (f *Frame) Page() Page { return f.page }

// Table is the fixed-capacity frame array plus the single scan lock
// coordinating structural changes.
type Table struct {
	scan     sync.Mutex
	frames   []Frame
	hand     int
	pageSize int

	// OnExhausted, if set, is called after the scan lock is released
	// whenever evictVictimLocked finds no evictable victim -- the
	// frame-exhaustion condition a kernel-level OOM notifier watches
	// for. Optional so a caller with no diagnostics consumer pays
	// nothing.
	OnExhausted func()
}

// NewTable allocates n frames of pageSize bytes each.
func NewTable(n, pageSize int) *Table {
	if n <= 0 || pageSize <= 0 {
		defs.Panicf("frame: bad table size n=%d pageSize=%d", n, pageSize)
	}
	t := &Table{frames: make([]Frame, n), pageSize: pageSize}
	for i := range t.frames {
		t.frames[i].Bytes = make([]byte, pageSize)
	}
	return t
}

// Len returns the number of frames in the table.
func (t *Table) Len() int { return len(t.frames) }

// TryAllocAndLock binds a free frame to p, or evicts a clock-selected
// victim and rebinds its frame to p. The returned frame is locked; the
// caller releases it via Frame.Unlock once the page is materialized.
func (t *Table) TryAllocAndLock(p Page) (*Frame, defs.Err_t) {
	t.scan.Lock()

	if f := t.firstFreeLocked(); f != nil {
		f.page = p
		t.scan.Unlock()
		return f, 0
	}

	f, err := t.evictVictimLocked()
	if err != 0 {
		t.scan.Unlock()
		if t.OnExhausted != nil {
			t.OnExhausted()
		}
		return nil, err
	}
	// f is locked and currently bound to a victim; f.Page() still
	// returns the victim until the caller reads it below because we
	// have not yet rebound f.page.
	victim := f.page
	if werr := victim.Evict(f); werr != 0 {
		f.Unlock()
		t.scan.Unlock()
		return nil, werr
	}
	f.page = p
	t.scan.Unlock()
	return f, 0
}

func (t *Table) firstFreeLocked() *Frame {
	for i := range t.frames {
		f := &t.frames[i]
		if f.page != nil {
			continue
		}
		if f.TryLock() {
			if f.page == nil {
				return f
			}
			f.Unlock()
		}
	}
	return nil
}

// evictVictimLocked runs the clock sweep and returns a locked frame
// holding the chosen victim. The caller still holds t.scan.
func (t *Table) evictVictimLocked() (*Frame, defs.Err_t) {
	n := len(t.frames)
	// Two full rotations are sufficient to find an unpinned, unaccessed
	// frame whenever one exists; the search is capped generously beyond
	// that to tolerate transient lock contention without spinning
	// forever.
	limit := 4 * n
	for i := 0; i < limit; i++ {
		f := &t.frames[t.hand]
		t.hand = (t.hand + 1) % n
		if !f.TryLock() {
			continue
		}
		if f.page == nil {
			return f, 0
		}
		if f.pinned {
			f.Unlock()
			continue
		}
		if f.page.Accessed() {
			f.page.ClearAccessed()
			f.Unlock()
			continue
		}
		return f, 0
	}
	return nil, defs.ENOMEM
}

// Free severs the frame/page link, requiring both the scan lock and the
// frame's own lock.
func (t *Table) Free(f *Frame) {
	t.scan.Lock()
	defer t.scan.Unlock()
	f.Lock()
	defer f.Unlock()
	t.freeLocked(f)
}

// FreeLocked is Free for a caller that already holds f's own lock --
// used by a page's explicit deallocation path, which must keep f
// locked continuously from its dirty-check through the unbind so the
// clock sweep can never pick f as a victim mid-teardown (evictVictimLocked
// skips any frame it cannot TryLock).
func (t *Table) FreeLocked(f *Frame) {
	t.scan.Lock()
	defer t.scan.Unlock()
	t.freeLocked(f)
}

func (t *Table) freeLocked(f *Frame) {
	f.page = nil
	f.pinned = false
	for i := range f.Bytes {
		f.Bytes[i] = 0
	}
}

// Snapshot returns one diagnostic label per currently resident frame
// (via Labeled, or "unknown" if the occupant does not implement it)
// plus the configured page size, for kernel.Kernel.WriteProfile.
func (t *Table) Snapshot() ([]string, int) {
	t.scan.Lock()
	defer t.scan.Unlock()
	var out []string
	for i := range t.frames {
		f := &t.frames[i]
		if f.page == nil {
			continue
		}
		label := "unknown"
		if l, ok := f.page.(Labeled); ok {
			label = l.Label()
		}
		out = append(out, label)
	}
	return out, t.pageSize
}

// Pin excludes f from the clock sweep's candidate set, for holding a
// page resident across a kernel-initiated I/O access (the page_lock/
// page_unlock pair a syscall uses while copying to or from a user
// buffer it does not want evicted mid-copy).
func (t *Table) Pin(f *Frame) {
	t.scan.Lock()
	defer t.scan.Unlock()
	f.pinned = true
}

// Unpin makes f eligible for eviction again.
func (t *Table) Unpin(f *Frame) {
	t.scan.Lock()
	defer t.scan.Unlock()
	f.pinned = false
}
