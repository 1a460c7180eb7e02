package ext4

import (
	"fmt"
	"io"
)

// File is a random-access handle on an already-resolved inode's data
// stream (§4.J/§4.K "pread/pwrite" unified across extent- and
// indirect-mapped inodes). Path resolution that produces the inode in
// the first place is an external collaborator per spec.md §1; this
// type only needs an inode number and its parsed record.
type File struct {
	fs          *FileSystem
	inodeNumber int64
	inode       *inode
	isReadWrite bool
	isAppend    bool
	offset      int64
}

// OpenFile wraps an already-loaded inode in a readable/writable stream.
func (fs *FileSystem) OpenFile(inodeNumber int64, i *inode, readWrite, appendMode bool) (*File, error) {
	if !i.IsRegular() && !i.IsSymlink() {
		return nil, newErr("OpenFile", EISDIR, fmt.Errorf("inode %d is not a regular file", inodeNumber))
	}
	if readWrite && fs.readOnly {
		return nil, newErr("OpenFile", EROFS, fmt.Errorf("filesystem is mounted read-only"))
	}
	f := &File{fs: fs, inodeNumber: inodeNumber, inode: i, isReadWrite: readWrite, isAppend: appendMode}
	if appendMode {
		f.offset = int64(i.size)
	}
	return f, nil
}

func (fl *File) blockSize() int64 { return int64(fl.fs.superblock.BlockSize()) }

// Read reads up to len(b) bytes starting at the file's current offset,
// per §4.J/§4.K "pread": each logical block touched is resolved
// through GetBlockMapping, with unmapped (sparse) blocks read back as
// zeros rather than erroring.
func (fl *File) Read(b []byte) (int, error) {
	if fl.offset >= int64(fl.inode.size) {
		return 0, io.EOF
	}
	bs := fl.blockSize()
	total := 0
	for total < len(b) {
		if fl.offset >= int64(fl.inode.size) {
			break
		}
		lblk := uint32(fl.offset / bs)
		inBlock := int(fl.offset % bs)
		want := len(b) - total
		avail := int(bs) - inBlock
		if remaining := int64(fl.inode.size) - fl.offset; int64(want) > remaining {
			want = int(remaining)
		}
		if want > avail {
			want = avail
		}
		if want <= 0 {
			break
		}
		n, err := fl.readBlockInto(b[total:total+want], lblk, inBlock, want)
		if err != nil {
			return total, err
		}
		total += n
		fl.offset += int64(n)
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (fl *File) readBlockInto(dst []byte, lblk uint32, inBlock, want int) (int, error) {
	physical, found, err := fl.fs.GetBlockMapping(fl.inode, lblk)
	if err != nil {
		return 0, err
	}
	if !found {
		for i := range dst[:want] {
			dst[i] = 0
		}
		return want, nil
	}
	blk, err := fl.fs.cache.Get(physical)
	if err != nil {
		return 0, fmt.Errorf("reading file block %d (logical %d): %w", physical, lblk, err)
	}
	copy(dst[:want], blk.Data[inBlock:inBlock+want])
	return want, fl.fs.cache.Put(blk)
}

// Write writes len(p) bytes at the file's current offset, per §4.J/§4.K
// "pwrite": missing logical blocks are allocated via AppendBlock
// (growing the extent tree or indirect chain as needed), and the
// inode's size and iBlock[] are persisted to disk before returning.
func (fl *File) Write(p []byte) (int, error) {
	if !fl.isReadWrite {
		return 0, newErr("Write", EPERM, fmt.Errorf("file not opened for writing"))
	}
	if fl.isAppend {
		fl.offset = int64(fl.inode.size)
	}
	bs := fl.blockSize()
	total := 0
	for total < len(p) {
		lblk := uint32(fl.offset / bs)
		inBlock := int(fl.offset % bs)
		want := len(p) - total
		if want > int(bs)-inBlock {
			want = int(bs) - inBlock
		}
		n, err := fl.writeBlockFrom(p[total:total+want], lblk, inBlock, want)
		if err != nil {
			return total, err
		}
		total += n
		fl.offset += int64(n)
		if uint64(fl.offset) > fl.inode.size {
			fl.inode.size = uint64(fl.offset)
		}
	}
	if err := fl.fs.WriteInode(fl.inodeNumber, fl.inode); err != nil {
		return total, err
	}
	if total != len(p) {
		return total, io.ErrShortWrite
	}
	return total, nil
}

func (fl *File) writeBlockFrom(src []byte, lblk uint32, inBlock, want int) (int, error) {
	physical, found, err := fl.fs.GetBlockMapping(fl.inode, lblk)
	if err != nil {
		return 0, err
	}
	if !found {
		goal := uint64(0)
		if lblk > 0 {
			if prev, ok, _ := fl.fs.GetBlockMapping(fl.inode, lblk-1); ok {
				goal = prev + 1
			}
		}
		newInode, p, err := fl.fs.AppendBlock(fl.inode, lblk, goal)
		if err != nil {
			return 0, err
		}
		fl.inode = newInode
		physical = p
	}
	var blk *Block
	if found {
		blk, err = fl.fs.cache.Get(physical)
	} else {
		blk, err = fl.fs.cache.GetZeroed(physical)
	}
	if err != nil {
		return 0, err
	}
	copy(blk.Data[inBlock:inBlock+want], src[:want])
	blk.Dirty = true
	return want, fl.fs.cache.Put(blk)
}

// Seek sets the offset for the next Read or Write call.
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	newOffset := int64(0)
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.inode.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	default:
		return fl.offset, fmt.Errorf("invalid whence %d", whence)
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Truncate resizes the file to size bytes, releasing any blocks beyond
// the new length via the extent tree's RemoveSpace or the indirect
// mapper's Truncate, per §4.J/§4.K "truncate".
func (fl *File) Truncate(size int64) error {
	if !fl.isReadWrite {
		return newErr("Truncate", EPERM, fmt.Errorf("file not opened for writing"))
	}
	if size < 0 {
		return newErr("Truncate", EINVAL, fmt.Errorf("negative size %d", size))
	}
	bs := fl.blockSize()
	io := &cacheBlockIO{fs: fl.fs}
	if uint64(size) < fl.inode.size {
		fromBlock := uint32((size + bs - 1) / bs)
		if fl.inode.UsesExtents() {
			tree, err := loadExtentTree(fl.inode.iBlock, int(bs), fl.fs.checksumSeedFor())
			if err != nil {
				return err
			}
			toBlock := uint32((fl.inode.size + uint64(bs) - 1) / uint64(bs))
			if err := tree.RemoveSpace(io, fromBlock, toBlock); err != nil {
				return err
			}
			ib, err := tree.InlineBytes()
			if err != nil {
				return err
			}
			fl.inode.iBlock = ib
		} else {
			mapper := newIndirectMapper(fl.inode.iBlock, int(bs))
			if err := mapper.Truncate(io, uint64(fromBlock)); err != nil {
				return err
			}
			fl.inode.iBlock = mapper.iBlock
		}
	}
	fl.inode.size = uint64(size)
	if fl.offset > size {
		fl.offset = size
	}
	return fl.fs.WriteInode(fl.inodeNumber, fl.inode)
}

// Close flushes the inode's current metadata to disk. The underlying
// cache remains responsible for flushing dirty data blocks (FlushAll
// on Unmount, or an explicit Sync).
func (fl *File) Close() error {
	if !fl.isReadWrite {
		return nil
	}
	return fl.fs.WriteInode(fl.inodeNumber, fl.inode)
}
