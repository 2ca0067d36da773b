package vm

import (
	"sync"

	"github.com/allonsy/pintos/defs"
	"github.com/allonsy/pintos/frame"
	"github.com/allonsy/pintos/swap"
	"github.com/allonsy/pintos/util"
)

// pageSize is the fixed page size this module materializes; a real
// boot would read it from the hardware, but every subsystem here
// treats it as a configured constant the way the teacher's mem
// package treats PGSIZE.
const pageSize = 4096

// SPT is spec.md §3's supplemental page table: the per-process mapping
// from page-aligned virtual address to PageEntry, guarded by its own
// lock. Grounded on the teacher kernel's Vm_t (vm/as.go), generalized
// from a single-struct goroutine-reentrant lock (Vm_t.Lock_pmap's
// pgfltaken flag) to a non-reentrant design: every exported method
// that touches the entry table takes the lock itself around that
// access (PageIn, MarkDirty, Pin and Unpin do so through Lookup) and
// never calls another locking method while holding it, eliminating the
// need to ask "do I already hold this lock" at all.
type SPT struct {
	mu      sync.Mutex
	entries *util.Map[uintptr, *PageEntry]
	frames  *frame.Table
	swap    *swap.Store
	mapper  Mapper

	extendedPages int
}

// NewSPT builds an empty SPT backed by the shared frame table and swap
// store. mapper is handed to every PageEntry it creates, so eviction
// (which runs on the frame table's scan lock, possibly on behalf of a
// different process than the one that faulted) can clear the page's own
// hardware mapping without needing a second, separately-locked path
// back into the owning AddressSpace.
func NewSPT(frames *frame.Table, sw *swap.Store, mapper Mapper) *SPT {
	return &SPT{
		entries: util.NewMap[uintptr, *PageEntry](32),
		frames:  frames,
		swap:    sw,
		mapper:  mapper,
	}
}

// Allocate creates a new PageEntry at page-aligned addr. A duplicate
// insert is rejected and the pre-existing entry returned unchanged,
// spec.md §4.3's recoverable "SPT duplicate insert" case.
func (s *SPT) Allocate(addr uintptr, kind Kind, readOnly bool) *PageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr = util.Rounddown(addr, uintptr(pageSize))
	if existing, ok := s.entries.Get(addr); ok {
		return existing
	}
	pe := newPageEntry(addr, kind, readOnly, s.swap, s.mapper)
	s.entries.Set(addr, pe)
	return pe
}

// AllocateFile is Allocate for a page backed by a file (MMAP or
// READONLY-FILE): the same duplicate-insert rule applies.
func (s *SPT) AllocateFile(addr uintptr, kind Kind, readOnly bool, file FileBacking, fileOff int64, fileBytes int) *PageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr = util.Rounddown(addr, uintptr(pageSize))
	if existing, ok := s.entries.Get(addr); ok {
		return existing
	}
	pe := newPageEntry(addr, kind, readOnly, s.swap, s.mapper)
	pe.file = file
	pe.fileOff = fileOff
	pe.fileBytes = fileBytes
	s.entries.Set(addr, pe)
	return pe
}

// Lookup returns the entry at addr, if any.
func (s *SPT) Lookup(addr uintptr) (*PageEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Get(util.Rounddown(addr, uintptr(pageSize)))
}

// Deallocate removes addr's entry, writing back dirty MMAP bytes and
// freeing its frame if resident, per spec.md §4.3.
func (s *SPT) Deallocate(addr uintptr, mapper Mapper) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr = util.Rounddown(addr, uintptr(pageSize))
	pe, ok := s.entries.Get(addr)
	if !ok {
		return 0
	}
	s.entries.Del(addr)

	if f := pe.Frame(); f != nil {
		f.Lock()
		if pe.Kind == Mmap && pe.Dirty() {
			if err := pe.writeback(f); err != 0 {
				f.Unlock()
				return err
			}
		}
		mapper.Clear(addr)
		pe.frame.Store(nil)
		s.frames.FreeLocked(f)
		f.Unlock()
	}
	return 0
}

// Teardown drains every entry in the table, spec.md §5's cooperative
// process-termination path: each page is deallocated under the SPT
// lock, which writes back dirty MMAP pages and frees their frames.
func (s *SPT) Teardown(mapper Mapper) {
	for _, pe := range s.entries.Values() {
		s.Deallocate(pe.Addr, mapper)
	}
}

// Mapper is the hardware page-table surface the SPT needs: installing
// and clearing the mapping for a page. The simulated accessed/dirty
// bits live on PageEntry, not here. A real kernel backs this with its
// page-table walker; tests back it with an in-memory stand-in.
type Mapper interface {
	Install(addr uintptr, frame *frame.Frame, writable bool)
	Clear(addr uintptr)
}

// PageIn implements spec.md §4.3's page_in: obtain a frame, materialize
// its contents from whichever source the entry names, install the
// hardware mapping, and release the frame lock.
func (s *SPT) PageIn(addr uintptr, mapper Mapper) defs.Err_t {
	pe, ok := s.Lookup(addr)
	if !ok {
		defs.Panicf("vm: PageIn of address %#x with no SPT entry", addr)
	}

	f, err := s.frames.TryAllocAndLock(pe)
	if err != 0 {
		return err
	}

	switch {
	case pe.SwapSlot() != swap.NoSlot:
		if err := pe.swapIn(f); err != 0 {
			f.Unlock()
			return err
		}
	case pe.file != nil:
		n, rerr := pe.file.ReadAt(f.Bytes[:pe.fileBytes], pe.fileOff)
		if rerr != nil || n != pe.fileBytes {
			// A short read while materializing a file-backed page is
			// process-fatal per spec.md §9's resolved open question:
			// PageIn reports EIO and Fault terminates the process.
			f.Unlock()
			return defs.EIO
		}
		for i := pe.fileBytes; i < len(f.Bytes); i++ {
			f.Bytes[i] = 0
		}
	default:
		for i := range f.Bytes {
			f.Bytes[i] = 0
		}
	}

	pe.frame.Store(f)
	pe.accessed.Store(true)
	mapper.Install(addr, f, !pe.ReadOnly)
	f.Unlock()
	return 0
}

// MarkDirty records addr's page as modified since its last page-in, the
// same signal a hardware dirty bit would set on a real store
// instruction. The actual copy-to-user-buffer primitive lives outside
// this module (spec.md §1 names it an external collaborator); this is
// the hook it calls once the store has landed in the frame's bytes.
func (s *SPT) MarkDirty(addr uintptr) {
	pe, ok := s.Lookup(addr)
	if !ok {
		return
	}
	pe.dirty.Store(true)
}

// Pin excludes addr's resident frame from eviction for the duration of
// a kernel-initiated access -- the page_lock/page_unlock pair of
// spec.md §6, implemented as vm.AddressSpace.Pin/Unpin per SPEC_FULL.md
// §5's supplemented pinning operation.
func (s *SPT) Pin(addr uintptr) defs.Err_t {
	pe, ok := s.Lookup(addr)
	if !ok {
		return defs.EFAULT
	}
	f := pe.Frame()
	if f == nil {
		return defs.EFAULT
	}
	s.frames.Pin(f)
	return 0
}

// Unpin reverses Pin.
func (s *SPT) Unpin(addr uintptr) {
	pe, ok := s.Lookup(addr)
	if !ok {
		return
	}
	if f := pe.Frame(); f != nil {
		s.frames.Unpin(f)
	}
}
