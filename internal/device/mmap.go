package device

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wayslog/rskv-go/pkg/fs"
)

// MmapDevice is a Device backed by a shared memory mapping of the backing
// file. Writes go straight into the mapped region; growth truncates the
// file and remaps. Grounded on pkg/slotcache/open.go's mmapAndCreateCache
// (fstat, syscall.Mmap with PROT_READ|PROT_WRITE and MAP_SHARED), adapted
// to golang.org/x/sys/unix and to grow-by-GrowthChunk instead of a single
// fixed size computed once at creation.
type MmapDevice struct {
	file fs.File
	fd   int
	data []byte
	size int64 // logical size; may be < len(data) after a chunked grow
	dirty bool
	closed bool
}

// OpenMmapDevice opens (creating if necessary) path via fsys, maps it, and
// grows the mapping to at least initialSize.
func OpenMmapDevice(fsys fs.FS, path string, initialSize int64) (*MmapDevice, error) {
	f, err := fsys.OpenFile(path, osRDWRCreate, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}

	d := &MmapDevice{file: f, fd: int(f.Fd()), size: info.Size()}

	mapSize := alignToGrowthChunk(info.Size())
	if mapSize == 0 {
		mapSize = GrowthChunk
	}

	if err := d.remap(mapSize); err != nil {
		_ = f.Close()
		return nil, err
	}

	if d.size < initialSize {
		if err := d.Grow(initialSize); err != nil {
			_ = d.unmapLocked()
			_ = f.Close()
			return nil, err
		}
	}

	return d, nil
}

func alignToGrowthChunk(n int64) int64 {
	if n <= 0 {
		return 0
	}

	return ((n + GrowthChunk - 1) / GrowthChunk) * GrowthChunk
}

// remap truncates the backing file up to mapSize (if it is currently
// shorter) and replaces the mapping with one covering exactly mapSize
// bytes. The caller is responsible for having flushed any previous mapping
// it cares about durability for.
func (d *MmapDevice) remap(mapSize int64) error {
	if err := unix.Ftruncate(d.fd, mapSize); err != nil {
		return fmt.Errorf("device: ftruncate to %d: %w", mapSize, err)
	}

	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil {
			return fmt.Errorf("device: munmap: %w", err)
		}

		d.data = nil
	}

	data, err := unix.Mmap(d.fd, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("device: mmap: %w", err)
	}

	d.data = data

	return nil
}

func (d *MmapDevice) unmapLocked() error {
	if d.data == nil {
		return nil
	}

	err := unix.Munmap(d.data)
	d.data = nil

	return err
}

func (d *MmapDevice) ReadAt(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}

	if offset < 0 || offset+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}

	n := copy(p, d.data[offset:offset+int64(len(p))])

	return n, nil
}

func (d *MmapDevice) WriteAt(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}

	need := offset + int64(len(p))
	if need > int64(len(d.data)) {
		if err := d.growMapping(need); err != nil {
			return 0, err
		}
	}

	n := copy(d.data[offset:need], p)
	d.dirty = true

	if need > d.size {
		d.size = need
	}

	return n, nil
}

func (d *MmapDevice) Grow(size int64) error {
	if d.closed {
		return ErrClosed
	}

	if size <= d.size {
		return nil
	}

	if size > int64(len(d.data)) {
		if err := d.growMapping(size); err != nil {
			return err
		}
	}

	d.size = size

	return nil
}

// growMapping expands the mapping in GrowthChunk-sized steps so repeated
// small writes past the current mapping don't each trigger their own
// ftruncate/mmap round trip.
func (d *MmapDevice) growMapping(need int64) error {
	newMapSize := alignToGrowthChunk(need)
	if newMapSize < need {
		newMapSize += GrowthChunk
	}

	if d.dirty {
		if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("device: msync before remap: %w", err)
		}

		d.dirty = false
	}

	return d.remap(newMapSize)
}

func (d *MmapDevice) Size() int64 { return d.size }

func (d *MmapDevice) Flush() error {
	if d.closed {
		return ErrClosed
	}

	if !d.dirty {
		return nil
	}

	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("device: msync: %w", err)
	}

	d.dirty = false

	return nil
}

func (d *MmapDevice) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	var errs []error

	if err := d.unmapLocked(); err != nil {
		errs = append(errs, err)
	}

	if err := d.file.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
