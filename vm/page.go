// Package vm implements the supplemental page table and page-fault
// policy of spec.md §4.3: the per-process mapping from virtual page to
// a PageEntry describing how the page is materialized, and the fault
// handler's decision of how to resolve a miss.
//
// Grounded on the teacher kernel's vm.Vm_t (vm/as.go) and Userbuf_t
// (vm/userbuf.go), generalized from the teacher's copy-on-write fork
// design (VANON/VFILE/VSANON mtype_t, PTE_COW bookkeeping) to spec.md's
// four page kinds, none of which are copy-on-write (spec.md's Non-goals
// exclude COW fork and shared anonymous memory outright).
package vm

import (
	"sync/atomic"

	"github.com/allonsy/pintos/defs"
	"github.com/allonsy/pintos/frame"
	"github.com/allonsy/pintos/swap"
)

// Kind is the immutable page-type tag of spec.md §3's PageEntry.
type Kind int

const (
	Stack Kind = iota
	AnonData
	Mmap
	ReadOnlyFile
)

func (k Kind) String() string {
	switch k {
	case Stack:
		return "STACK"
	case AnonData:
		return "ANON-DATA"
	case Mmap:
		return "MMAP"
	case ReadOnlyFile:
		return "READONLY-FILE"
	default:
		return "UNKNOWN"
	}
}

// FileBacking is the minimal file interface a PageEntry needs to fetch
// or write back bytes -- deliberately shaped like os.File's ReaderAt/
// WriterAt so any *os.File satisfies it without an adapter.
type FileBacking interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// PageEntry is spec.md §3's P: a page-aligned virtual address, an
// immutable kind, and exactly one materialization source at a time
// (resident frame, swap slot, backing file, or zero-fill), per its
// stated invariant.
//
// Frame, SwapSlot, Accessed and Dirty are atomics rather than fields
// guarded by the owning process's SPT lock because the frame-table
// evictor mutates them on behalf of a different process's page under
// only the scan lock and the frame's own lock (spec.md §5 notes this
// explicitly: "page-out on behalf of another process must read a
// victim's SPT entry"). DESIGN NOTES §9 recommends exactly this --
// structural bind/unbind via the scan lock alone, not a second
// cross-process SPT lock acquisition that the stated hierarchy never
// actually orders against the scan lock.
type PageEntry struct {
	Addr     uintptr
	Kind     Kind
	ReadOnly bool

	frame    atomic.Pointer[frame.Frame]
	swapSlot atomic.Int64
	accessed atomic.Bool
	dirty    atomic.Bool

	swap   *swap.Store
	mapper Mapper

	file      FileBacking
	fileOff   int64
	fileBytes int // valid bytes to read from file; remainder is zero-fill
}

func newPageEntry(addr uintptr, kind Kind, readOnly bool, sw *swap.Store, mapper Mapper) *PageEntry {
	pe := &PageEntry{Addr: addr, Kind: kind, ReadOnly: readOnly, swap: sw, mapper: mapper}
	pe.swapSlot.Store(swap.NoSlot)
	return pe
}

// Frame reports the frame currently backing the page, or nil.
func (p *PageEntry) Frame() *frame.Frame { return p.frame.Load() }

// SwapSlot reports the swap slot currently backing the page, or
// swap.NoSlot.
func (p *PageEntry) SwapSlot() int { return int(p.swapSlot.Load()) }

// Accessed implements frame.Page.
func (p *PageEntry) Accessed() bool { return p.accessed.Load() }

// ClearAccessed implements frame.Page.
func (p *PageEntry) ClearAccessed() { p.accessed.Store(false) }

// Dirty reports the simulated hardware dirty bit.
func (p *PageEntry) Dirty() bool { return p.dirty.Load() }

// Label implements frame.Labeled, describing the page by its kind for
// the kernel package's occupancy profile.
func (p *PageEntry) Label() string { return p.Kind.String() }

// Evict implements frame.Page: it performs the type-specific writeback
// of spec.md §4.2 while f's buffer still holds the page's bytes and the
// frame-table scan lock plus f's own lock are held by the caller. Every
// branch clears the page's hardware mapping before releasing the frame
// back to the table, per spec.md §5's ordering guarantee that a page's
// mapping is removed before its frame is rebound -- otherwise the old
// mapping would still resolve into a frame the table has already handed
// to a different page, and the evicted page could never re-fault to
// bring itself back.
func (p *PageEntry) Evict(f *frame.Frame) defs.Err_t {
	switch p.Kind {
	case Stack, AnonData:
		return p.swapOut(f)
	case Mmap:
		if p.dirty.Load() {
			if err := p.writeback(f); err != 0 {
				return err
			}
		}
		p.mapper.Clear(p.Addr)
		p.frame.Store(nil)
		return 0
	case ReadOnlyFile:
		p.mapper.Clear(p.Addr)
		p.frame.Store(nil)
		return 0
	default:
		defs.Panicf("vm: evict of page with unknown kind %v", p.Kind)
		return defs.EINVAL
	}
}

// swapOut implements spec.md §4.1's swap_out: a clean page is simply
// discarded (it is still reconstructible as zero-fill or from its
// backing file -- not applicable to STACK/ANON-DATA, which are always
// either clean-and-never-written or dirty, so "clean" here means
// never written since it was zero-filled, i.e. still all zero; swapIn
// marks a page dirty, since its bytes then exist only in the frame).
func (p *PageEntry) swapOut(f *frame.Frame) defs.Err_t {
	if !p.dirty.Load() {
		p.mapper.Clear(p.Addr)
		p.frame.Store(nil)
		return 0
	}
	slot, ok := p.swap.AllocSlot()
	if !ok {
		return defs.ENOSPC // SwapFull, spec.md §4.1's fatal error kind
	}
	if err := p.swap.WriteSlot(slot, f.Bytes); err != 0 {
		p.swap.Free(slot)
		return err
	}
	p.swapSlot.Store(int64(slot))
	p.mapper.Clear(p.Addr)
	p.frame.Store(nil)
	p.dirty.Store(false)
	return 0
}

// swapIn implements spec.md §4.1's swap_in, reading the stored sectors
// into f and releasing the slot. The page is left dirty: with the slot
// released, the frame holds the only copy of its bytes.
func (p *PageEntry) swapIn(f *frame.Frame) defs.Err_t {
	slot := int(p.swapSlot.Load())
	if err := p.swap.ReadSlot(slot, f.Bytes); err != 0 {
		return err
	}
	p.swap.Free(slot)
	p.swapSlot.Store(swap.NoSlot)
	p.dirty.Store(true)
	return 0
}

// writeback flushes a dirty MMAP page's bytes to its backing file at
// its recorded offset, covering only the page's valid byte count (the
// remainder past end-of-file is never written).
func (p *PageEntry) writeback(f *frame.Frame) defs.Err_t {
	if p.file == nil || p.fileBytes == 0 {
		return 0
	}
	n, err := p.file.WriteAt(f.Bytes[:p.fileBytes], p.fileOff)
	if err != nil || n != p.fileBytes {
		return defs.EIO
	}
	p.dirty.Store(false)
	return 0
}
