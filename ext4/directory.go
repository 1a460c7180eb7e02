package ext4

import (
	"encoding/binary"
	"fmt"
)

// Component L: directory content — a chain of fixed-size logical
// blocks each holding a linear run of directoryEntry records, optionally
// accelerated for large directories by an HTree hash index (read
// supported transparently; see note on Add/Remove below).

// Directory is an open handle on one directory inode's entry stream.
type Directory struct {
	fs         *FileSystem
	inodeNum   int64
	inode      *inode
	blockSize  int
	hasFileType bool
}

func openDirectory(fs *FileSystem, inodeNum int64, i *inode) (*Directory, error) {
	if !i.IsDir() {
		return nil, newErr("openDirectory", ENOTDIR, fmt.Errorf("inode %d is not a directory", inodeNum))
	}
	return &Directory{
		fs:          fs,
		inodeNum:    inodeNum,
		inode:       i,
		blockSize:   int(fs.superblock.BlockSize()),
		hasFileType: fs.superblock.features.directoryEntriesRecordFileType,
	}, nil
}

// logicalBlockCount returns how many logical directory blocks the
// inode's size implies.
func (d *Directory) logicalBlockCount() uint32 {
	return uint32((d.inode.size + uint64(d.blockSize) - 1) / uint64(d.blockSize))
}

func (d *Directory) readLogicalBlock(lblk uint32) ([]byte, error) {
	physical, found, err := d.fs.GetBlockMapping(d.inode, lblk)
	if err != nil {
		return nil, err
	}
	if !found {
		return make([]byte, d.blockSize), nil
	}
	blk, err := d.fs.cache.Get(physical)
	if err != nil {
		return nil, fmt.Errorf("reading directory block %d (logical %d): %w", physical, lblk, err)
	}
	out := make([]byte, d.blockSize)
	copy(out, blk.Data)
	return out, d.fs.cache.Put(blk)
}

func (d *Directory) writeLogicalBlock(lblk uint32, data []byte) error {
	physical, found, err := d.fs.GetBlockMapping(d.inode, lblk)
	if err != nil {
		return err
	}
	if !found {
		newInode, p, err := d.fs.AppendBlock(d.inode, lblk, 0)
		if err != nil {
			return err
		}
		d.inode = newInode
		physical = p
	}
	blk, err := d.fs.cache.GetZeroed(physical)
	if err != nil {
		return err
	}
	copy(blk.Data, data)
	blk.Dirty = true
	return d.fs.cache.Put(blk)
}

// isHTreeRoot reports whether logical block 0 is a dx_root rather than
// a plain dirent chain: the EXT4_INDEX_FL inode flag is set.
func (d *Directory) isHTreeRoot() bool { return d.inode.flags.hashedDirectoryIndexes }

// entriesInLeaf parses one logical block as a plain dirent chain, used
// both for non-indexed directories and for the leaf blocks of an
// indexed one (htree leaves are ordinary dirent blocks; only the root
// and any interior index blocks use the dx_root/dx_node layout).
func (d *Directory) entriesInLeaf(lblk uint32) ([]*directoryEntry, error) {
	b, err := d.readLogicalBlock(lblk)
	if err != nil {
		return nil, err
	}
	return parseDirBlock(b, d.hasFileType)
}

// Iterate calls fn for every live (non-deleted, non-tail) entry across
// the whole directory, in on-disk block order, per §4.L
// "dir_iterator_init/next". For an indexed directory, this walks every
// leaf block in index order (skipping the dx_root/dx_node layout on
// block 0 and any interior blocks), which is equivalent to hash order.
func (d *Directory) Iterate(fn func(de *directoryEntry) error) error {
	leaves, err := d.leafBlocks()
	if err != nil {
		return err
	}
	for _, lblk := range leaves {
		entries, err := d.entriesInLeaf(lblk)
		if err != nil {
			return fmt.Errorf("logical block %d: %w", lblk, err)
		}
		for _, de := range entries {
			if de.deleted() || de.isTail() {
				continue
			}
			if err := fn(de); err != nil {
				return err
			}
		}
	}
	return nil
}

// leafBlocks returns the logical block numbers holding real dirent
// chains: every block for a non-indexed directory, or every htree leaf
// for an indexed one.
func (d *Directory) leafBlocks() ([]uint32, error) {
	count := d.logicalBlockCount()
	if !d.isHTreeRoot() {
		out := make([]uint32, count)
		for i := range out {
			out[i] = uint32(i)
		}
		return out, nil
	}
	return d.htreeLeafBlocks()
}

// htreeLeafBlocks descends the dx_root/dx_node index on block 0 to
// enumerate every leaf block, per §4.L's "transparent dx/HTree
// read-through". A corrupt index (bad magic, depth, or out-of-range
// block) returns ErrBadDxDir rather than panicking.
func (d *Directory) htreeLeafBlocks() ([]uint32, error) {
	root, err := d.readLogicalBlock(0)
	if err != nil {
		return nil, err
	}
	// block 0 starts with real "." and ".." dirents (typically 12 + 12
	// bytes), then the dx_root_info header, then the first level's
	// dx_entry array.
	dotLen, dotdotLen, err := dxSkipDots(root, d.hasFileType)
	if err != nil {
		return nil, newErr("htreeLeafBlocks", ErrBadDxDir, err)
	}
	infoOff := dotLen + dotdotLen
	if infoOff+8 > len(root) {
		return nil, newErr("htreeLeafBlocks", ErrBadDxDir, fmt.Errorf("dx_root_info does not fit in block"))
	}
	indirectLevels := int(root[infoOff+6])
	entriesOff := infoOff + 8

	var leaves []uint32
	var descend func(data []byte, entriesOff int, level int) error
	descend = func(data []byte, entriesOff int, level int) error {
		if entriesOff+4 > len(data) {
			return fmt.Errorf("dx node entries header does not fit")
		}
		limit := binary.LittleEndian.Uint16(data[entriesOff : entriesOff+2])
		count := binary.LittleEndian.Uint16(data[entriesOff+2 : entriesOff+4])
		_ = limit
		base := entriesOff // the limit/count header occupies entry 0's hash field; entry 0's block follows it
		for i := 0; i < int(count); i++ {
			off := base + i*8
			if off+8 > len(data) {
				return fmt.Errorf("dx entry %d out of range", i)
			}
			block := binary.LittleEndian.Uint32(data[off+4 : off+8])
			if level >= indirectLevels {
				leaves = append(leaves, block)
				continue
			}
			child, err := d.readLogicalBlock(block)
			if err != nil {
				return err
			}
			if err := descend(child, 8, level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := descend(root, entriesOff, 0); err != nil {
		return nil, newErr("htreeLeafBlocks", ErrBadDxDir, err)
	}
	if len(leaves) == 0 {
		return nil, newErr("htreeLeafBlocks", ErrBadDxDir, fmt.Errorf("index has no leaf blocks"))
	}
	return leaves, nil
}

// dxSkipDots parses the "." and ".." entries that precede a dx_root's
// own header on logical block 0, returning the minimum record length of
// each (the bytes they occupy before dx_root_info).
func dxSkipDots(b []byte, hasFileType bool) (dotLen, dotdotLen int, err error) {
	dot, err := directoryEntryFromBytes(b, hasFileType)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing '.' entry: %w", err)
	}
	if dot.filename != "." {
		return 0, 0, fmt.Errorf("expected '.' entry, got %q", dot.filename)
	}
	dotdot, err := directoryEntryFromBytes(b[dot.recLen:], hasFileType)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing '..' entry: %w", err)
	}
	if dotdot.filename != ".." {
		return 0, 0, fmt.Errorf("expected '..' entry, got %q", dotdot.filename)
	}
	return int(dot.minRecLen()), int(dotdot.minRecLen()), nil
}

// Lookup returns the entry named name, or ENOENT. For an indexed
// directory this still performs the full leaf scan (correct but not
// the O(1) hash dispatch a production htree lookup would use); see
// DESIGN.md for why the hash-dispatch fast path was left unbuilt.
func (d *Directory) Lookup(name string) (*directoryEntry, error) {
	var found *directoryEntry
	err := d.Iterate(func(de *directoryEntry) error {
		if found == nil && de.filename == name {
			found = de
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, newErr("Lookup", ENOENT, fmt.Errorf("no entry named %q", name))
	}
	return found, nil
}

// AddEntry inserts a new (inodeNumber, name) entry, per §4.L
// "add_entry": reuse a deleted record or the slack of an existing record
// in the first leaf block that has room, else append a fresh logical
// block. For an indexed directory the dx index itself is not updated to
// include the new name or a new block (documented
// limitation, see DESIGN.md) — the entry remains reachable via the
// linear Iterate/Lookup scan regardless.
func (d *Directory) AddEntry(name string, inodeNumber uint32, ft dirFileType) error {
	if len(name) == 0 || len(name) > 255 {
		return newErr("AddEntry", EINVAL, fmt.Errorf("invalid name length %d", len(name)))
	}
	newEntry := &directoryEntry{inode: inodeNumber, fileType: ft, filename: name}
	need := newEntry.minRecLen()

	leaves, err := d.leafBlocks()
	if err != nil {
		return err
	}

	for _, lblk := range leaves {
		entries, err := d.entriesInLeaf(lblk)
		if err != nil {
			return err
		}
		if updated, ok := d.tryInsertInLeaf(entries, newEntry, need); ok {
			return d.writeLeaf(lblk, updated)
		}
	}

	// no existing block had room: append a new, otherwise-empty leaf
	newEntry.recLen = uint16(d.blockSize)
	nextLblk := d.logicalBlockCount()
	entries := []*directoryEntry{newEntry}
	if err := d.writeLeaf(nextLblk, entries); err != nil {
		return err
	}
	d.inode.size = uint64(nextLblk+1) * uint64(d.blockSize)
	return d.fs.WriteInode(d.inodeNum, d.inode)
}

// tryInsertInLeaf looks for a slot in entries with enough slack
// (rec_len beyond its own minimum) to also hold newEntry, splitting
// that slot's tail off into newEntry. Returns the updated entry list and
// true on success.
func (d *Directory) tryInsertInLeaf(entries []*directoryEntry, newEntry *directoryEntry, need uint16) ([]*directoryEntry, bool) {
	for i, de := range entries {
		if de.isTail() {
			continue
		}
		min := de.minRecLen()
		slack := de.recLen - min
		if de.deleted() {
			if de.recLen >= need {
				newEntry.recLen = de.recLen
				entries[i] = newEntry
				return entries, true
			}
			continue
		}
		if slack >= need {
			de.recLen = min
			newEntry.recLen = slack
			tail := append([]*directoryEntry{}, entries[:i+1]...)
			tail = append(tail, newEntry)
			tail = append(tail, entries[i+1:]...)
			return tail, true
		}
	}
	return entries, false
}

// writeLeaf serializes entries back to logical block lblk, recomputing
// and appending the DIR_TAIL checksum when metadata_csum is enabled.
func (d *Directory) writeLeaf(lblk uint32, entries []*directoryEntry) error {
	withoutTail := entries
	if n := len(entries); n > 0 && entries[n-1].isTail() {
		withoutTail = entries[:n-1]
	}
	payloadLen := d.blockSize
	if d.fs.superblock.features.metadataChecksums {
		payloadLen -= int(dirEntryTailRecLen)
	}
	b, err := encodeDirBlock(withoutTail, payloadLen, d.hasFileType)
	if err != nil {
		return err
	}
	if d.fs.superblock.features.metadataChecksums {
		sum := dirBlockChecksum(d.fs.checksumSeedFor(), uint64(d.inodeNum), d.inode.generation, b)
		tail := tailEntry()
		tb, err := tail.toBytes(d.hasFileType)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(tb[0x8:0xc], sum)
		b = append(b, tb...)
	}
	return d.writeLogicalBlock(lblk, b)
}

// RemoveEntry deletes the entry named name, coalescing its space into
// the previous entry's rec_len slack, per §4.L "remove_entry".
func (d *Directory) RemoveEntry(name string) error {
	leaves, err := d.leafBlocks()
	if err != nil {
		return err
	}
	for _, lblk := range leaves {
		entries, err := d.entriesInLeaf(lblk)
		if err != nil {
			return err
		}
		removed := false
		for i, de := range entries {
			if de.deleted() || de.isTail() || de.filename != name {
				continue
			}
			if i > 0 && !entries[i-1].deleted() && !entries[i-1].isTail() {
				entries[i-1].recLen += de.recLen
				entries = append(entries[:i], entries[i+1:]...)
			} else {
				de.inode = 0
				de.filename = ""
			}
			removed = true
			break
		}
		if removed {
			return d.writeLeaf(lblk, entries)
		}
	}
	return newErr("RemoveEntry", ENOENT, fmt.Errorf("no entry named %q", name))
}
