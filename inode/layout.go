// Package inode implements spec.md §4.5's indexed-inode layer: an
// on-disk index record per file (direct, single-indirect and
// double-indirect sector pointers) accessed exclusively through the
// cache package, with sparse allocation, file extension, an open-inode
// registry with reference counting, and writer-exclusion for pinning
// an executable's image during exec.
//
// Grounded on the original Pintos filesys/inode.c's struct inode_disk /
// struct inode (see original_source/src/filesys/inode.c), generalized
// from that file's single-extent "start sector + length" layout (no
// indirection at all) to the direct/indirect/double-indirect index
// spec.md §6 specifies, and on the teacher kernel's fs.Superblock_t
// (fs/super.go) for the on-disk field-accessor convention -- here
// realized with encoding/binary rather than the teacher's unexported
// fieldr/fieldw helpers, since the inode's fields are no longer
// uniform int-sized slots but distinct int32 and uint32 arrays.
package inode

import "encoding/binary"

// Magic identifies a well-formed on-disk inode, spec.md §6's
// 0x494e4f44.
const Magic = int32(0x494e4f44)

// Invalid is the sentinel "unallocated pointer" value, spec.md §6's
// 0xFFFFFFFF.
const Invalid = uint32(0xFFFFFFFF)

// TypeFile and TypeDir are the two on-disk type tags a directory-layer
// collaborator may record; the inode layer itself never interprets
// Type beyond storing and returning it.
const (
	TypeFile int32 = 0
	TypeDir  int32 = 1
)

const headerBytes = 12 // length int32 + type int32 + magic int32

// Layout describes the geometry of an on-disk inode for a given sector
// size: how many direct pointers fit after the header, and how many
// pointers an index sector holds.
type Layout struct {
	SectorSize    int
	PtrsPerSector int // pointers held by one indirect/double-indirect sector
	Direct        int
	Indirect      int // always 1
	DblIndirect   int // always 1
}

// NewLayout computes the layout for sectorSize, filling every pointer
// slot the header leaves in one sector -- spec.md §6's "typical layout:
// 123 direct, 1 indirect, 1 double-indirect" falls out exactly for a
// 512-byte sector.
func NewLayout(sectorSize int) Layout {
	ptrsPerSector := sectorSize / 4
	totalPtrs := (sectorSize - headerBytes) / 4
	return Layout{
		SectorSize:    sectorSize,
		PtrsPerSector: ptrsPerSector,
		Direct:        totalPtrs - 2,
		Indirect:      1,
		DblIndirect:   1,
	}
}

// TotalPtrs is the number of sector-pointer slots an on-disk inode
// record carries (Direct + Indirect + DblIndirect).
func (l Layout) TotalPtrs() int { return l.Direct + l.Indirect + l.DblIndirect }

// indirectSlot and dblIndirectSlot are the fixed positions of the
// single indirect and double-indirect pointers within the inode's
// pointer array, spec.md §6's "with the indirect and double-indirect
// pointers last".
func (l Layout) indirectSlot() int    { return l.Direct }
func (l Layout) dblIndirectSlot() int { return l.Direct + 1 }

// locKind names which level of indirection a logical sector index
// resolves through.
type locKind int

const (
	locDirect locKind = iota
	locIndirect
	locDouble
)

// locate translates a logical sector index L per spec.md §4.5: direct
// for L < DIRECT, single-indirect for L < DIRECT+PTRS_PER_SECTOR, else
// double-indirect, returning the index/indices needed at each level.
func (l Layout) locate(L int) (kind locKind, i1, i2 int) {
	if L < l.Direct {
		return locDirect, L, 0
	}
	L -= l.Direct
	if L < l.PtrsPerSector {
		return locIndirect, L, 0
	}
	L -= l.PtrsPerSector
	return locDouble, L / l.PtrsPerSector, L % l.PtrsPerSector
}

// sectorsFor returns ceil(length/SectorSize), the original's
// bytes_to_sectors. Neither extension nor deallocation calls it:
// WriteAt compares the write's end offset with the length directly,
// and deallocate walks every valid pointer regardless of length.
func (l Layout) sectorsFor(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + int64(l.SectorSize) - 1) / int64(l.SectorSize))
}

// encodeHeader writes length/typ/magic into the first 12 bytes of buf.
func encodeHeader(buf []byte, length int64, typ int32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(length)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(typ))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(Magic))
}

func decodeHeader(buf []byte) (length int64, typ int32, magic int32) {
	length = int64(int32(binary.LittleEndian.Uint32(buf[0:4])))
	typ = int32(binary.LittleEndian.Uint32(buf[4:8]))
	magic = int32(binary.LittleEndian.Uint32(buf[8:12]))
	return
}

// ptrAt / setPtrAt address the i-th pointer slot of an on-disk sector
// that is entirely a pointer array (an indirect or double-indirect
// block), or -- via the header-offset variant -- the i-th pointer of
// the inode's own record.
func ptrAt(buf []byte, i int) uint32 {
	off := i * 4
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

func setPtrAt(buf []byte, i int, v uint32) {
	off := i * 4
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

func inodePtrAt(buf []byte, i int) uint32 {
	return ptrAt(buf[headerBytes:], i)
}

func setInodePtrAt(buf []byte, i int, v uint32) {
	setPtrAt(buf[headerBytes:], i, v)
}

// fillInvalid sets every pointer slot of an index sector to Invalid,
// spec.md §4.5's "all-ones to denote all entries invalid" convention.
func fillInvalid(buf []byte, n int) {
	for i := 0; i < n; i++ {
		setPtrAt(buf, i, Invalid)
	}
}
