package vm

import (
	"fmt"
	"sync"

	"github.com/allonsy/pintos/defs"
	"github.com/allonsy/pintos/frame"
	"github.com/allonsy/pintos/swap"
	"github.com/allonsy/pintos/util"
)

// stackGrowthWindow is spec.md §4.3's "32 bytes below the stack
// pointer" -- the original's PUSHA instruction faults exactly here,
// per SPEC_FULL.md §5's supplemented growth-direction nuance.
const stackGrowthWindow = 32

// defaultStackCap is the fixed per-process stack-extension limit of
// spec.md §4.3 and §8's scenario 6, used when a caller does not
// override it via NewAddressSpace's cap parameter.
const defaultStackCap = 2000

// AddressSpace is the fault handler's policy glue of spec.md §4.3: one
// process's SPT plus the bookkeeping the stack-growth test and the
// deny-write-to-read-only rule need. Grounded on the teacher kernel's
// Vm_t (vm/as.go) and the original Pintos exception.c's page_fault
// handler (original_source/pintos-p3/src/userprog/exception.c),
// generalized from Vm_t's copy-on-write resolution to the four-kind
// materialization policy spec.md names.
type AddressSpace struct {
	name           string
	spt            *SPT
	mapper         Mapper
	kernelBoundary uintptr

	stackCap int

	mu         sync.Mutex
	stackPtr   uintptr
	extensions int
}

// NewAddressSpace builds an address space named name (used only in
// process-fatal diagnostics) over a fresh SPT backed by frames/sw, with
// kernelBoundary the address below which every user page must lie.
// The stack-extension cap defaults to spec.md §4.3's 2000 pages; pass
// stackCap <= 0 to accept that default.
func NewAddressSpace(name string, frames *frame.Table, sw *swap.Store, mapper Mapper, kernelBoundary uintptr, stackCap int) *AddressSpace {
	if stackCap <= 0 {
		stackCap = defaultStackCap
	}
	return &AddressSpace{
		name:           name,
		spt:            NewSPT(frames, sw, mapper),
		mapper:         mapper,
		kernelBoundary: kernelBoundary,
		stackCap:       stackCap,
	}
}

// SPT exposes the underlying supplemental page table, e.g. for the
// syscall layer's page_for_addr.
func (as *AddressSpace) SPT() *SPT { return as.spt }

// Teardown drains the address space on process exit, spec.md §5's
// cooperative termination.
func (as *AddressSpace) Teardown() { as.spt.Teardown(as.mapper) }

// Pin excludes addr's resident frame from eviction for the duration of
// a kernel-initiated access, spec.md §6's page_lock. Unpin reverses it.
func (as *AddressSpace) Pin(addr uintptr) defs.Err_t { return as.spt.Pin(addr) }

// Unpin reverses Pin.
func (as *AddressSpace) Unpin(addr uintptr) { as.spt.Unpin(addr) }

// Fault resolves a not-present fault at faultAddr per spec.md §4.3's
// policy. trapSP is the trap frame's stack pointer when the fault
// originated from user mode, memoized for the next kernel-mode fault;
// pass nil for a kernel-mode fault to use the memoized value. write
// reports whether the faulting access was a store. The return value is
// 0 on success or the status (always -1) a process-fatal condition
// reports -- the caller terminates the faulting thread and lets a
// waiting parent collect the status via wait, per spec.md §7.
func (as *AddressSpace) Fault(faultAddr uintptr, trapSP *uintptr, write bool) int {
	if faultAddr == 0 {
		return defs.ProcessFatal(as.name, "null pointer dereference")
	}

	if pe, ok := as.spt.Lookup(faultAddr); ok {
		if write && pe.ReadOnly {
			return defs.ProcessFatal(as.name, "write to read-only page")
		}
		if err := as.spt.PageIn(faultAddr, as.mapper); err != 0 {
			return defs.ProcessFatal(as.name, fmt.Sprintf("page-in failed: %v", err))
		}
		return 0
	}

	sp := as.recordOrRecallSP(trapSP)
	lower := sp - stackGrowthWindow
	if faultAddr < lower || faultAddr >= as.kernelBoundary {
		return defs.ProcessFatal(as.name, "unmapped access outside stack-growth window")
	}

	as.mu.Lock()
	if as.extensions >= as.stackCap {
		as.mu.Unlock()
		return defs.ProcessFatal(as.name, "stack extension cap exceeded")
	}
	as.extensions++
	as.mu.Unlock()

	pe := as.spt.Allocate(util.Rounddown(faultAddr, uintptr(pageSize)), Stack, false)
	if err := as.spt.PageIn(pe.Addr, as.mapper); err != 0 {
		return defs.ProcessFatal(as.name, fmt.Sprintf("stack page-in failed: %v", err))
	}
	return 0
}

func (as *AddressSpace) recordOrRecallSP(trapSP *uintptr) uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	if trapSP != nil {
		as.stackPtr = *trapSP
	}
	return as.stackPtr
}

// Mmap installs MMAP PageEntries covering [addr, addr+length) backed by
// file starting at fileOff, page by page; it does not fault any page
// in, matching the lazy-materialization contract used everywhere else.
func (as *AddressSpace) Mmap(addr uintptr, length int, file FileBacking, fileOff int64) defs.Err_t {
	if length <= 0 {
		return defs.EINVAL
	}
	base := util.Rounddown(addr, uintptr(pageSize))
	for off := 0; off < length; off += pageSize {
		va := base + uintptr(off)
		remaining := length - off
		n := remaining
		if n > pageSize {
			n = pageSize
		}
		as.spt.AllocateFile(va, Mmap, false, file, fileOff+int64(off), n)
	}
	return 0
}

// Munmap tears down the MMAP mapping covering [addr, addr+length),
// writing back any dirty page to its backing file -- spec.md §9's
// "a conforming implementation must at minimum honor writeback on
// unmap."
func (as *AddressSpace) Munmap(addr uintptr, length int) defs.Err_t {
	base := util.Rounddown(addr, uintptr(pageSize))
	for off := 0; off < length; off += pageSize {
		va := base + uintptr(off)
		if err := as.spt.Deallocate(va, as.mapper); err != 0 {
			return err
		}
	}
	return 0
}
