// Package disk implements a synchronous, whole-sector block-device
// contract with no partial I/O, shared between the filesystem device
// and the swap device -- two named roles over the same Device
// interface, each opening its own backing file or in-memory medium.
//
// Grounded on the teacher kernel's fs.Disk_i / fs.Bdev_req_t request
// plumbing (fs/blk.go) and ufs/driver.go's ahci_disk_t, which backs a
// simulated disk with a plain os.File and a Seek-then-read/write
// critical section.
package disk

import (
	"errors"
	"os"
	"sync"

	"github.com/allonsy/pintos/defs"
)

// ErrBounds is returned when a sector number is out of range.
var ErrBounds = errors.New("disk: sector out of range")

// ErrShortIO is returned when the underlying medium did not transfer a
// full sector; partial sector I/O is never tolerated.
var ErrShortIO = errors.New("disk: short read or write")

// Device is the block-device contract external to this module. Two
// roles consume it: the filesystem device (cache package) and the swap
// device (swap package).
type Device interface {
	ReadSector(sector uint32, buf []byte) error
	WriteSector(sector uint32, buf []byte) error
	SectorSize() int
	NumSectors() uint32
}

// FileDevice backs a Device with an ordinary file, the way ahci_disk_t
// simulates a disk with an os.File plus an internal Seek. A mutex makes
// the seek-then-transfer sequence atomic, exactly as ahci_disk_t.Start
// holds its lock for the duration of the request.
type FileDevice struct {
	mu         sync.Mutex
	f          *os.File
	sectorSize int
	nsectors   uint32
}

// OpenFileDevice opens (creating if necessary) a file-backed device with
// the given sector size and sector count. If the file is smaller than
// nsectors*sectorSize it is extended with zero bytes.
func OpenFileDevice(path string, sectorSize int, nsectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	want := int64(sectorSize) * int64(nsectors)
	if err := f.Truncate(want); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, sectorSize: sectorSize, nsectors: nsectors}, nil
}

func (d *FileDevice) SectorSize() int    { return d.sectorSize }
func (d *FileDevice) NumSectors() uint32 { return d.nsectors }

// Close releases the backing file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDevice) bounds(sector uint32, buflen int) error {
	if sector >= d.nsectors {
		return ErrBounds
	}
	if buflen != d.sectorSize {
		return ErrShortIO
	}
	return nil
}

// ReadSector reads exactly one sector synchronously.
func (d *FileDevice) ReadSector(sector uint32, buf []byte) error {
	if err := d.bounds(sector, len(buf)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sector) * int64(d.sectorSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != d.sectorSize {
		return ErrShortIO
	}
	return nil
}

// WriteSector writes exactly one sector synchronously.
func (d *FileDevice) WriteSector(sector uint32, buf []byte) error {
	if err := d.bounds(sector, len(buf)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(sector) * int64(d.sectorSize)
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != d.sectorSize {
		return ErrShortIO
	}
	return nil
}

// MemDevice is an in-memory Device used by tests and by callers that
// never need durability (e.g. a throwaway swap device in a unit test).
type MemDevice struct {
	mu         sync.Mutex
	sectorSize int
	sectors    [][]byte
}

// NewMemDevice allocates an in-memory device of nsectors sectors.
func NewMemDevice(sectorSize int, nsectors uint32) *MemDevice {
	sectors := make([][]byte, nsectors)
	for i := range sectors {
		sectors[i] = make([]byte, sectorSize)
	}
	return &MemDevice{sectorSize: sectorSize, sectors: sectors}
}

func (d *MemDevice) SectorSize() int    { return d.sectorSize }
func (d *MemDevice) NumSectors() uint32 { return uint32(len(d.sectors)) }

func (d *MemDevice) ReadSector(sector uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(sector) >= len(d.sectors) {
		return ErrBounds
	}
	if len(buf) != d.sectorSize {
		return ErrShortIO
	}
	copy(buf, d.sectors[sector])
	return nil
}

func (d *MemDevice) WriteSector(sector uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(sector) >= len(d.sectors) {
		return ErrBounds
	}
	if len(buf) != d.sectorSize {
		return ErrShortIO
	}
	copy(d.sectors[sector], buf)
	return nil
}

// MustOK panics with a kernel-fatal diagnostic if err is non-nil. Used
// at call sites where a device error reflects an unrecoverable
// condition (an unreadable backing file at init time); callers that
// instead want to fail just the requesting process use
// defs.ProcessFatal directly rather than this helper.
func MustOK(err error) {
	if err != nil {
		defs.Panicf("disk I/O failed: %v", err)
	}
}
