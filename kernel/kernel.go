package kernel

import (
	"github.com/allonsy/pintos/cache"
	"github.com/allonsy/pintos/disk"
	"github.com/allonsy/pintos/frame"
	"github.com/allonsy/pintos/inode"
	"github.com/allonsy/pintos/swap"
	"github.com/allonsy/pintos/vm"
)

// Kernel is the single wired-up value DESIGN NOTES §9 calls for: the
// frame table, swap store, sector cache, open-inodes registry and
// running stats are process-wide singletons, held here by reference
// and handed out to every per-process AddressSpace this boot creates,
// rather than reached for as hidden package-level globals.
type Kernel struct {
	Limits Limits

	FSDisk   disk.Device
	SwapDisk disk.Device

	Frames *frame.Table
	Swap   *swap.Store
	Cache  *cache.Table
	Inodes *inode.Registry

	Stats Stats
	OomCh chan OomMsg_t
}

// New wires a Kernel from already-open filesystem and swap devices,
// sizing every subsystem from limits. fm is the free-sector bitmap the
// directory layer owns; this module treats it as an external
// collaborator per spec.md §1's scope.
func New(limits Limits, fsDisk, swapDisk disk.Device, fm inode.FreeMap) *Kernel {
	pageSectors := limits.PageSize / limits.SectorSize
	k := &Kernel{
		Limits:   limits,
		FSDisk:   fsDisk,
		SwapDisk: swapDisk,
		Frames:   frame.NewTable(limits.Frames, limits.PageSize),
		Swap:     swap.New(swapDisk, pageSectors),
		Cache:    cache.New(fsDisk),
		OomCh:    newOomCh(),
	}
	k.Inodes = inode.NewRegistry(k.Cache, fm, limits.SectorSize)
	k.Frames.OnExhausted = func() { k.NotifyOom("frame-table") }
	k.Swap.OnFull = func() { k.NotifyOom("swap") }
	return k
}

// NewDefault wires a Kernel from DefaultLimits over freshly created
// in-memory devices -- the configuration a standalone demo or a test
// harness boots with, grounded on the teacher kernel's ksinit test
// helpers that stand up Physmem_t/Bdev_i over a fake disk rather than
// real hardware.
func NewDefault(fsSectors, swapSectors uint32) *Kernel {
	limits := DefaultLimits()
	fsDisk := disk.NewMemDevice(limits.SectorSize, fsSectors)
	swapDisk := disk.NewMemDevice(limits.SectorSize, swapSectors)
	fm := inode.NewBitmapFreeMap(int(fsSectors))
	return New(limits, fsDisk, swapDisk, fm)
}

// NewAddressSpace creates a fresh per-process AddressSpace sharing
// this kernel's frame table and swap store, with the stack-extension
// cap taken from Limits and the hardware mapper supplied by the
// caller (a real boot's page-table walker, or a test's in-memory
// stand-in).
func (k *Kernel) NewAddressSpace(name string, mapper vm.Mapper, kernelBoundary uintptr) *vm.AddressSpace {
	return vm.NewAddressSpace(name, k.Frames, k.Swap, mapper, kernelBoundary, k.Limits.StackCapPages)
}

// HandleFault wraps AddressSpace.Fault, timing the resolution and
// recording which path it took in Stats. This bookkeeping lives here
// rather than inside vm itself because vm must not import kernel: the
// package dependency structure keeps every subsystem acyclic of the
// wiring layer that owns cross-cutting diagnostics.
func (k *Kernel) HandleFault(as *vm.AddressSpace, faultAddr uintptr, trapSP *uintptr, write bool) int {
	start := Start()
	_, resident := as.SPT().Lookup(faultAddr)
	status := as.Fault(faultAddr, trapSP, write)
	k.Stats.FaultLatency.Add(start)
	switch {
	case status != 0:
		k.Stats.FaultsFatal.Inc()
	case resident:
		k.Stats.FaultsResident.Inc()
	default:
		k.Stats.FaultsStack.Inc()
	}
	return status
}

// Shutdown flushes the sector cache to disk and stops its background
// tasks -- the cooperative teardown path a boot runs before exit.
func (k *Kernel) Shutdown() {
	k.Cache.FlushAll()
	k.Cache.Close()
}
