package ext4

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RawDevice is the polymorphic capability set the core depends on (§9
// design notes: "the block device interface is the only polymorphic
// boundary"). A caller supplies an implementation; the core never opens
// devices itself beyond what is handed to File-backed helpers below.
type RawDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	io.Closer
}

// BlockDevice is component C: physical read/write plus partition offset,
// bound to the buffer cache. lg_bsize is the logical (filesystem) block
// size; ph_bsize is the device's physical sector size. The core always
// issues integer-physical-block reads/writes, computed as
// pba = lba * lgBsize / phBsize.
type BlockDevice struct {
	raw RawDevice

	// partOffset/partSize describe an optional linear window onto raw,
	// in bytes. partSize == 0 means "to the end of the device".
	partOffset int64
	partSize   int64

	lgBsize int64
	phBsize int64

	refcount int
	mu       sync.Mutex

	// scratch is a device-owned buffer used to absorb unaligned
	// head/tail reads and writes in ReadBytes/WriteBytes.
	scratch []byte
}

// NewBlockDevice binds raw to a logical/physical block size pair and an
// optional partition window. phBsize defaults to lgBsize when 0.
func NewBlockDevice(raw RawDevice, lgBsize, phBsize int64, partOffset, partSize int64) (*BlockDevice, error) {
	if lgBsize <= 0 {
		return nil, newErr("NewBlockDevice", EINVAL, fmt.Errorf("logical block size must be positive, got %d", lgBsize))
	}
	if phBsize <= 0 {
		phBsize = lgBsize
	}
	if lgBsize%phBsize != 0 && phBsize%lgBsize != 0 {
		return nil, newErr("NewBlockDevice", EINVAL, fmt.Errorf("logical block size %d and physical block size %d must divide evenly", lgBsize, phBsize))
	}
	return &BlockDevice{
		raw:        raw,
		partOffset: partOffset,
		partSize:   partSize,
		lgBsize:    lgBsize,
		phBsize:    phBsize,
		scratch:    make([]byte, phBsize),
	}, nil
}

// Open bumps the device's refcount; Close is idempotent under it, matching
// §4.C's "open/close lifecycle, idempotent under refcount".
func (bd *BlockDevice) Open() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	bd.refcount++
}

// Close decrements the refcount, closing the underlying raw device once it
// reaches zero.
func (bd *BlockDevice) Close() error {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.refcount > 0 {
		bd.refcount--
	}
	if bd.refcount > 0 {
		return nil
	}
	return bd.raw.Close()
}

func (bd *BlockDevice) physicalOffset(lba uint64) int64 {
	pba := int64(lba) * bd.lgBsize / bd.phBsize
	return bd.partOffset + pba*bd.phBsize
}

// Bread reads n logical blocks starting at lba into buf, addressing
// physical blocks under the hood.
func (bd *BlockDevice) Bread(buf []byte, lba uint64, n int) error {
	want := int(bd.lgBsize) * n
	if len(buf) < want {
		return newErr("Bread", EINVAL, fmt.Errorf("buffer of %d bytes too small for %d blocks of %d bytes", len(buf), n, bd.lgBsize))
	}
	off := bd.physicalOffset(lba)
	if _, err := io.ReadFull(&offsetReaderAt{bd.raw, off}, buf[:want]); err != nil {
		return newErr("Bread", EIO, err)
	}
	return nil
}

// Bwrite writes n logical blocks from buf to lba.
func (bd *BlockDevice) Bwrite(buf []byte, lba uint64, n int) error {
	want := int(bd.lgBsize) * n
	if len(buf) < want {
		return newErr("Bwrite", EINVAL, fmt.Errorf("buffer of %d bytes too small for %d blocks of %d bytes", len(buf), n, bd.lgBsize))
	}
	off := bd.physicalOffset(lba)
	if _, err := bd.raw.WriteAt(buf[:want], off); err != nil {
		return newErr("Bwrite", EIO, err)
	}
	return nil
}

// ReadBytes handles an unaligned head/tail read by staging through the
// device's scratch block, reading byte range [off, off+len) relative to
// the start of the partition window (partOffset is added to off).
func (bd *BlockDevice) ReadBytes(off int64, buf []byte) error {
	return bd.transferBytes(off, buf, false)
}

// WriteBytes is the write-side counterpart of ReadBytes.
func (bd *BlockDevice) WriteBytes(off int64, buf []byte) error {
	return bd.transferBytes(off, buf, true)
}

func (bd *BlockDevice) transferBytes(off int64, buf []byte, write bool) error {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	remaining := buf
	cur := off
	for len(remaining) > 0 {
		blockStart := (cur / bd.phBsize) * bd.phBsize
		blockOff := cur - blockStart
		n := int64(len(bd.scratch)) - blockOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		full := blockOff == 0 && n == int64(len(bd.scratch))
		if !full {
			if _, err := bd.raw.ReadAt(bd.scratch, bd.partOffset+blockStart); err != nil && err != io.EOF {
				return newErr("transferBytes", EIO, err)
			}
		}
		if write {
			copy(bd.scratch[blockOff:blockOff+n], remaining[:n])
			if _, err := bd.raw.WriteAt(bd.scratch, bd.partOffset+blockStart); err != nil {
				return newErr("transferBytes", EIO, err)
			}
		} else {
			copy(remaining[:n], bd.scratch[blockOff:blockOff+n])
		}
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

// Sync flushes the underlying device.
func (bd *BlockDevice) Sync() error {
	if err := bd.raw.Sync(); err != nil {
		return newErr("Sync", EIO, err)
	}
	return nil
}

// LogicalBlockSize returns lg_bsize.
func (bd *BlockDevice) LogicalBlockSize() int64 { return bd.lgBsize }

// PhysicalBlockSize returns ph_bsize.
func (bd *BlockDevice) PhysicalBlockSize() int64 { return bd.phBsize }

// offsetReaderAt adapts a RawDevice + fixed offset to io.Reader for use
// with io.ReadFull, so Bread gets the same short-read retry semantics
// ReadAt alone does not guarantee.
type offsetReaderAt struct {
	r   RawDevice
	off int64
}

func (o *offsetReaderAt) Read(p []byte) (int, error) {
	n, err := o.r.ReadAt(p, o.off)
	o.off += int64(n)
	return n, err
}

// FileDevice is the default hosted RawDevice backend: a plain *os.File
// opened by the caller, following the teacher's util.File convention of
// passing an already-open handle rather than a path.
type FileDevice struct {
	f *os.File
}

// NewFileDevice wraps an already-open *os.File.
func NewFileDevice(f *os.File) *FileDevice { return &FileDevice{f: f} }

func (fd *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return fd.f.ReadAt(p, off) }
func (fd *FileDevice) WriteAt(p []byte, off int64) (int, error) { return fd.f.WriteAt(p, off) }
func (fd *FileDevice) Sync() error                              { return fd.f.Sync() }
func (fd *FileDevice) Close() error                              { return fd.f.Close() }

// OpenDirectFile opens path with O_DIRECT when the platform supports it,
// for the embedded/raw-partition deployment the spec targets; falls back
// to a buffered open if O_DIRECT is refused (e.g. on a loopback or tmpfs
// mount that does not support it).
func OpenDirectFile(path string, writable bool) (*FileDevice, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags|unix.O_DIRECT, 0)
	if err != nil {
		f, err = os.OpenFile(path, flags, 0)
		if err != nil {
			return nil, newErr("OpenDirectFile", ENODEV, err)
		}
	}
	return NewFileDevice(f), nil
}
