package ext4

import (
	"bytes"
	"testing"
	"time"
)

// memRawDevice is an in-memory RawDevice backing a hand-built, minimal
// single-block-group ext4 image, used to exercise Mount/Unmount and the
// read path end to end without a real disk image fixture.
type memRawDevice struct {
	data []byte
}

func (m *memRawDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memRawDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *memRawDevice) Sync() error { return nil }
func (m *memRawDevice) Close() error { return nil }

// buildTinyImage lays out a single-group, 1 KiB block, non-extent,
// non-journaled, non-checksummed ext4 image by hand: boot block, primary
// superblock, a one-descriptor GDT, block/inode bitmaps, a 4-block inode
// table, and two data blocks (the root directory and one regular file).
func buildTinyImage(t *testing.T) []byte {
	t.Helper()
	const (
		blockSize      = 1024
		blocksPerGroup = 64
		inodesPerGroup = 32
		blockCount     = 64
		firstDataBlock = 1

		gdtBlock    = 2
		blockBmBlk  = 3
		inodeBmBlk  = 4
		inodeTblBlk = 5 // through 8, 4 blocks
		rootDirBlk  = 9
		fileDataBlk = 10
	)

	zeroTime := time.Unix(0, 0).UTC()
	sb := &Superblock{
		inodeCount:            inodesPerGroup,
		blockCount:            blockCount,
		freeBlocks:            54,
		freeInodes:            30,
		firstDataBlock:        firstDataBlock,
		blockSize:             blockSize,
		clusterSize:           blockSize,
		blocksPerGroup:        blocksPerGroup,
		clustersPerGroup:      blocksPerGroup,
		inodesPerGroup:        inodesPerGroup,
		mountTime:             zeroTime,
		writeTime:             zeroTime,
		lastCheck:             zeroTime,
		mkfsTime:              zeroTime,
		revisionLevel:         1,
		firstNonReservedInode: 11,
		inodeSize:             uint16(inodeBaseSize),
		features:              featureFlags{directoryEntriesRecordFileType: true},
		uuid:                  "00000000-0000-0000-0000-00000000002a",
		journalSuperblockUUID: "00000000-0000-0000-0000-000000000000",
		errorFirstTime:        zeroTime,
		errorLastTime:         zeroTime,
	}

	sbBytes, err := sb.ToBytes()
	if err != nil {
		t.Fatalf("Superblock.ToBytes: %v", err)
	}

	gd := groupDescriptor{
		blockBitmapLocation: blockBmBlk,
		inodeBitmapLocation: inodeBmBlk,
		inodeTableLocation:  inodeTblBlk,
		freeBlocks:          54,
		freeInodes:          30,
		usedDirectories:     1,
		number:              0,
	}
	gds := &groupDescriptors{descriptors: []groupDescriptor{gd}}
	gdtBytes, err := gds.toBytes(gdtChecksumNone, nil)
	if err != nil {
		t.Fatalf("groupDescriptors.toBytes: %v", err)
	}

	blockBm := newBitmap(blockSize)
	blockBm.SetRange(0, 9) // blocks [1,10) relative to firstDataBlock: superblock..root dir
	blockBmBytes, err := blockBm.toBytes()
	if err != nil {
		t.Fatalf("block bitmap toBytes: %v", err)
	}

	inodeBm := newBitmap(blockSize)
	inodeBm.Set(1)  // inode #2 (root)
	inodeBm.Set(11) // inode #12 (hello.txt)
	inodeBmBytes, err := inodeBm.toBytes()
	if err != nil {
		t.Fatalf("inode bitmap toBytes: %v", err)
	}

	fileData := []byte("hello, ext4\n")

	rootInode := &inode{
		number:           2,
		fileType:         fileTypeDirectory,
		permissionsOwner: filePermissions{read: true, write: true, execute: true},
		permissionsGroup: filePermissions{read: true, execute: true},
		permissionsOther: filePermissions{read: true, execute: true},
		size:             blockSize,
		hardLinks:        2,
		blocks512:        blockSize / 512,
		inodeSize:        uint16(inodeBaseSize),
	}
	rootInode.setDirectBlock(rootDirBlk)
	rootBytes, err := rootInode.toBytes(sb)
	if err != nil {
		t.Fatalf("root inode toBytes: %v", err)
	}

	fileInode := &inode{
		number:           12,
		fileType:         fileTypeRegularFile,
		permissionsOwner: filePermissions{read: true, write: true},
		permissionsGroup: filePermissions{read: true},
		permissionsOther: filePermissions{read: true},
		size:             uint64(len(fileData)),
		hardLinks:        1,
		blocks512:        blockSize / 512,
		inodeSize:        uint16(inodeBaseSize),
	}
	fileInode.setDirectBlock(fileDataBlk)
	fileBytes, err := fileInode.toBytes(sb)
	if err != nil {
		t.Fatalf("file inode toBytes: %v", err)
	}

	rootEntries := []*directoryEntry{
		{inode: 2, recLen: 12, fileType: dirFileTypeDirectory, filename: "."},
		{inode: 2, recLen: 12, fileType: dirFileTypeDirectory, filename: ".."},
		{inode: 12, recLen: blockSize - 24, fileType: dirFileTypeRegular, filename: "hello.txt"},
	}
	rootDirBytes, err := encodeDirBlock(rootEntries, blockSize, true)
	if err != nil {
		t.Fatalf("encodeDirBlock: %v", err)
	}

	img := make([]byte, blockCount*blockSize)
	put := func(blk int, data []byte) { copy(img[blk*blockSize:], data) }
	put(1, sbBytes)
	put(gdtBlock, gdtBytes)
	put(blockBmBlk, blockBmBytes)
	put(inodeBmBlk, inodeBmBytes)
	// inode table: inode #2 is index 1 in group 0 (byte offset 128 into
	// block 5); inode #12 is index 11 (byte offset 1408, block 6 offset 384).
	copy(img[(inodeTblBlk*blockSize)+128:], rootBytes)
	copy(img[(inodeTblBlk*blockSize)+1408:], fileBytes)
	put(rootDirBlk, rootDirBytes)
	put(fileDataBlk, fileData)

	return img
}

// setDirectBlock installs physical as i_block[0], the classic (non-extent)
// direct pointer for logical block 0 — used only by buildTinyImage to hand
// construct a one-block file/directory without going through AppendBlock.
func (i *inode) setDirectBlock(physical uint32) {
	var m indirectMapper
	m.iBlock = i.iBlock
	m.setDirectPointer(0, physical)
	i.iBlock = m.iBlock
}

func openTinyFS(t *testing.T, readOnly bool) *FileSystem {
	t.Helper()
	raw := &memRawDevice{data: buildTinyImage(t)}
	bd, err := NewBlockDevice(raw, 1024, 1024, 0, 0)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	fs, err := Mount(bd, MountOptions{ReadOnly: readOnly})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestMountReadsSuperblockAndGroupDescriptors(t *testing.T) {
	fs := openTinyFS(t, true)
	if !fs.ReadOnly() {
		t.Fatalf("ReadOnly() = false, want true")
	}
	sb := fs.Superblock()
	if sb.InodesCount() != 32 {
		t.Fatalf("InodesCount() = %d, want 32", sb.InodesCount())
	}
	if sb.GroupCount() != 1 {
		t.Fatalf("GroupCount() = %d, want 1", sb.GroupCount())
	}
	if len(fs.groupDescriptors.descriptors) != 1 {
		t.Fatalf("loaded %d group descriptors, want 1", len(fs.groupDescriptors.descriptors))
	}
}

func TestMountReadRootDirectory(t *testing.T) {
	fs := openTinyFS(t, true)

	root, err := fs.ReadInode(2)
	if err != nil {
		t.Fatalf("ReadInode(2): %v", err)
	}
	if !root.IsDir() {
		t.Fatalf("root inode is not a directory")
	}

	dir, err := openDirectory(fs, 2, root)
	if err != nil {
		t.Fatalf("openDirectory: %v", err)
	}

	var names []string
	if err := dir.Iterate(func(de *directoryEntry) error {
		names = append(names, de.filename)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []string{".", "..", "hello.txt"}
	if len(names) != len(want) {
		t.Fatalf("Iterate returned %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}

	de, err := dir.Lookup("hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if de.inode != 12 {
		t.Fatalf("Lookup(hello.txt).inode = %d, want 12", de.inode)
	}

	if _, err := dir.Lookup("nonexistent"); err == nil {
		t.Fatalf("Lookup(nonexistent) succeeded, want an error")
	}
}

func TestMountReadFileContents(t *testing.T) {
	fs := openTinyFS(t, true)

	fi, err := fs.ReadInode(12)
	if err != nil {
		t.Fatalf("ReadInode(12): %v", err)
	}
	if !fi.IsRegular() {
		t.Fatalf("inode 12 is not a regular file")
	}

	f, err := fs.OpenFile(12, fi, false, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	buf := make([]byte, fi.size)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(buf))
	}
	if !bytes.Equal(buf, []byte("hello, ext4\n")) {
		t.Fatalf("Read content = %q, want %q", buf, "hello, ext4\n")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMountRejectsWriteOnReadOnlyFilesystem(t *testing.T) {
	fs := openTinyFS(t, true)
	fi, err := fs.ReadInode(12)
	if err != nil {
		t.Fatalf("ReadInode(12): %v", err)
	}
	if _, err := fs.OpenFile(12, fi, true, false); err == nil {
		t.Fatalf("OpenFile(readWrite=true) on a read-only mount succeeded, want an error")
	}
}
