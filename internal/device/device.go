// Package device abstracts the byte-addressable backing store the hybrid
// log writes segments to: either a plain file accessed with positioned
// reads/writes, or an mmap-backed file the log can address directly as
// memory, using fstat, unix.Mmap with MAP_SHARED, and
// growth-by-truncate-then-remap. It is wired to the filesystem abstraction
// in pkg/fs rather than calling os.* directly.
package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/wayslog/rskv-go/pkg/fs"
)

// GrowthChunk is the minimum amount a mmap-backed Device grows by when a
// write runs past the current mapping, so remaps stay infrequent under
// sustained append traffic: segments are allocated in bulk, not
// record-by-record.
const GrowthChunk = 64 << 20 // 64 MiB

// ErrClosed is returned by any operation on a Device after Close.
var ErrClosed = errors.New("device: closed")

// ErrOutOfRange is returned when a read addresses bytes past the device's
// current size.
var ErrOutOfRange = errors.New("device: read past end of device")

// Device is the storage backend a log segment writes to and reads from.
// Implementations must be safe for concurrent ReadAt/WriteAt from multiple
// goroutines; Grow and Close are serialized by the caller.
type Device interface {
	// ReadAt copies len(p) bytes starting at offset into p.
	ReadAt(p []byte, offset int64) (int, error)

	// WriteAt writes p at offset, growing the device first if needed.
	WriteAt(p []byte, offset int64) (int, error)

	// Grow ensures the device is at least size bytes long.
	Grow(size int64) error

	// Size returns the device's current length in bytes.
	Size() int64

	// Flush commits any buffered or mapped writes to stable storage.
	Flush() error

	// Close releases the device's resources. Flush is not implied; callers
	// that need durability must call Flush first.
	Close() error
}

// FileDevice is a Device backed by ordinary positioned file I/O, with no
// memory mapping. The store opens it unless configured to use the mmap
// device.
type FileDevice struct {
	file   fs.File
	size   int64
	closed bool
}

// OpenFileDevice opens (creating if necessary) a FileDevice at path using
// fsys, truncating it up to initialSize if it is currently shorter.
func OpenFileDevice(fsys fs.FS, path string, initialSize int64) (*FileDevice, error) {
	f, err := fsys.OpenFile(path, osRDWRCreate, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}

	d := &FileDevice{file: f, size: info.Size()}

	if d.size < initialSize {
		if err := d.Grow(initialSize); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return d, nil
}

func (d *FileDevice) ReadAt(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}

	if offset+int64(len(p)) > d.size {
		return 0, ErrOutOfRange
	}

	n, err := readFullAt(d.file, p, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("device: read at %d: %w", offset, err)
	}

	return n, nil
}

func (d *FileDevice) WriteAt(p []byte, offset int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}

	if need := offset + int64(len(p)); need > d.size {
		if err := d.Grow(need); err != nil {
			return 0, err
		}
	}

	n, err := writeAtSeeker(d.file, p, offset)
	if err != nil {
		return n, fmt.Errorf("device: write at %d: %w", offset, err)
	}

	return n, nil
}

func (d *FileDevice) Grow(size int64) error {
	if d.closed {
		return ErrClosed
	}

	if size <= d.size {
		return nil
	}

	if err := doTruncate(d.file, size); err != nil {
		return fmt.Errorf("device: grow to %d: %w", size, err)
	}

	d.size = size

	return nil
}

func (d *FileDevice) Size() int64 { return d.size }

func (d *FileDevice) Flush() error {
	if d.closed {
		return ErrClosed
	}

	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	return d.file.Close()
}
