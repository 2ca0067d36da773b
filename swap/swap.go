// Package swap implements the swap store: a bit-set over fixed-size
// slots on a raw block device, each slot holding one page's worth of
// contiguous sectors.
//
// Grounded on original_source/pintos-p3/src/vm/swap.c: a bitmap over the
// swap device sized in page-slots, a hint cursor for the next likely
// free slot, and PAGE_SECTORS-sized contiguous writes/reads per slot.
package swap

import (
	"sync"

	"github.com/allonsy/pintos/defs"
	"github.com/allonsy/pintos/disk"
)

// NoSlot is the sentinel "no swap slot" value used by vm.PageEntry.
const NoSlot = -1

// Store is the bit-set of swap slots guarded by a single lock. The
// lock is always the innermost lock acquired on the swap-out/swap-in
// path.
type Store struct {
	mu          sync.Mutex
	used        []bool
	firstFree   int
	dev         disk.Device
	pageSectors int

	// OnFull, if set, is called whenever AllocSlot finds no free slot --
	// the SwapFull condition a kernel-level OOM notifier watches for.
	// Called with the lock released. Optional so a caller with no
	// diagnostics consumer pays nothing.
	OnFull func()
}

// New builds a swap store over dev, where each slot occupies
// pageSectors contiguous sectors (pageSectors = page_size/sector_size).
func New(dev disk.Device, pageSectors int) *Store {
	if pageSectors <= 0 {
		defs.Panicf("swap: bad pageSectors %d", pageSectors)
	}
	nslots := int(dev.NumSectors()) / pageSectors
	return &Store{
		used:        make([]bool, nslots),
		firstFree:   0,
		dev:         dev,
		pageSectors: pageSectors,
	}
}

// Slots returns the total slot count.
func (s *Store) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

// AllocSlot reserves a free slot, consulting the first_free hint before
// falling back to a full scan. It reports false (swap exhausted, a
// fatal condition for the calling page-out) when no slot is free.
func (s *Store) AllocSlot() (int, bool) {
	s.mu.Lock()

	if s.firstFree < len(s.used) && !s.used[s.firstFree] {
		idx := s.firstFree
		s.used[idx] = true
		s.advanceFirstFree(idx + 1)
		s.mu.Unlock()
		return idx, true
	}
	for i, u := range s.used {
		if !u {
			s.used[i] = true
			s.advanceFirstFree(i + 1)
			s.mu.Unlock()
			return i, true
		}
	}
	s.mu.Unlock()
	if s.OnFull != nil {
		s.OnFull()
	}
	return 0, false
}

func (s *Store) advanceFirstFree(from int) {
	for i := from; i < len(s.used); i++ {
		if !s.used[i] {
			s.firstFree = i
			return
		}
	}
	s.firstFree = len(s.used)
}

// Free releases slot back to the bitmap. If the released slot is
// smaller than the current first_free hint, the hint is updated so the
// next AllocSlot finds it immediately.
func (s *Store) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.used) {
		defs.Panicf("swap: Free of out-of-range slot %d", slot)
	}
	if !s.used[slot] {
		defs.Panicf("swap: double free of slot %d", slot)
	}
	s.used[slot] = false
	if slot < s.firstFree {
		s.firstFree = slot
	}
}

// WriteSlot writes a page's worth of bytes (len(buf) must equal
// pageSectors*SectorSize) to slot's contiguous sectors.
func (s *Store) WriteSlot(slot int, buf []byte) defs.Err_t {
	ssz := s.dev.SectorSize()
	if len(buf) != ssz*s.pageSectors {
		return defs.EINVAL
	}
	base := uint32(slot * s.pageSectors)
	for i := 0; i < s.pageSectors; i++ {
		chunk := buf[i*ssz : (i+1)*ssz]
		if err := s.dev.WriteSector(base+uint32(i), chunk); err != nil {
			return defs.EIO
		}
	}
	return 0
}

// ReadSlot reads a page's worth of bytes from slot's contiguous sectors.
func (s *Store) ReadSlot(slot int, buf []byte) defs.Err_t {
	ssz := s.dev.SectorSize()
	if len(buf) != ssz*s.pageSectors {
		return defs.EINVAL
	}
	base := uint32(slot * s.pageSectors)
	for i := 0; i < s.pageSectors; i++ {
		chunk := buf[i*ssz : (i+1)*ssz]
		if err := s.dev.ReadSector(base+uint32(i), chunk); err != nil {
			return defs.EIO
		}
	}
	return 0
}
