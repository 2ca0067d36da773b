// Package kernel wires every subsystem package (disk, swap, frame, vm,
// cache, inode) into the single value DESIGN NOTES §9 recommends: "The
// frame table, swap bitmap, cache array, and open-inodes set are
// process-wide singletons with explicit init/teardown. They are best
// modeled as a single Kernel value passed by reference to every
// subsystem, eliminating hidden globals."
package kernel

// Limits carries the sizing knobs a boot needs to stand up the memory
// hierarchy, grounded on the teacher kernel's limits.Syslimit_t
// (biscuit/src/limits/limits.go), generalized from its process/vnode/
// socket counters (not applicable outside a live multi-user kernel) to
// the knobs spec.md's components actually take: frame-table size,
// page and sector size (which fix the swap device's page-slot
// geometry), and the stack-growth cap spec.md §4.3 fixes at 2000. The
// cache capacity is not a knob here; it is the cache.Capacity constant.
type Limits struct {
	Frames        int // physical frame-table size
	PageSize      int // bytes per page; also the unit frames are sized in
	SectorSize    int // bytes per disk sector
	StackCapPages int // spec.md §4.3's fixed 2000-page stack-extension cap
}

// DefaultLimits returns the configuration spec.md's components assume
// unless a caller overrides it, the way limits.MkSysLimit builds the
// teacher's default Syslimit.
func DefaultLimits() Limits {
	return Limits{
		Frames:        256,
		PageSize:      4096,
		SectorSize:    512,
		StackCapPages: 2000,
	}
}
