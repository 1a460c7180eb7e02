package ext4

import "testing"

// newMkfsDevice backs a freshly zeroed image of n blocks of size bs,
// sized generously enough for Mkfs's own geometry to fit.
func newMkfsDevice(t *testing.T, totalBlocks uint64, blockSize uint32) *BlockDevice {
	t.Helper()
	raw := &memRawDevice{data: make([]byte, totalBlocks*uint64(blockSize))}
	bd, err := NewBlockDevice(raw, int64(blockSize), int64(blockSize), 0, 0)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	return bd
}

func TestMkfsMountsAndCreatesRootDirectory(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	fs, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 1024})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	defer fs.Unmount()

	sb := fs.Superblock()
	if sb.GroupCount() == 0 {
		t.Fatalf("GroupCount() = 0")
	}
	if sb.InodesCount() == 0 {
		t.Fatalf("InodesCount() = 0")
	}
	// block 0 reserved for the boot sector at 1 KiB block size, so
	// firstDataBlock must be 1.
	if sb.FirstDataBlock() != 1 {
		t.Fatalf("FirstDataBlock() = %d, want 1", sb.FirstDataBlock())
	}

	root, err := fs.ReadInode(rootInodeNumber)
	if err != nil {
		t.Fatalf("ReadInode(root): %v", err)
	}
	dir, err := openDirectory(fs, rootInodeNumber, root)
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
	if len(names) != 2 || names[0] != "." || names[1] != ".." {
		t.Fatalf("root entries = %v, want [. ..]", names)
	}
}

func TestMkfsFreeBlocksAccountsForMetadata(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	fs, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 1024})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	defer fs.Unmount()

	sb := fs.Superblock()
	if sb.FreeBlocks() == 0 || sb.FreeBlocks() >= sb.BlocksCount() {
		t.Fatalf("FreeBlocks() = %d, want in (0, %d)", sb.FreeBlocks(), sb.BlocksCount())
	}
	// 10 reserved inodes (1..10), all accounted as used up front.
	if sb.FreeInodes() != sb.InodesCount()-reservedInodeCount {
		t.Fatalf("FreeInodes() = %d, want %d", sb.FreeInodes(), sb.InodesCount()-reservedInodeCount)
	}
}

func TestMkfsRejectsZeroTotalBlocks(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	if _, err := Mkfs(bd, Params{BlockSize: 1024}); err == nil {
		t.Fatal("expected error for TotalBlocks == 0")
	}
}

func TestMkfsRejectsBadBlockSize(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	if _, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 3000}); err == nil {
		t.Fatal("expected error for non-power-of-two block size")
	}
}

func TestMkfsWithJournalReservesJournalBlocks(t *testing.T) {
	bd := newMkfsDevice(t, 8192, 1024)
	const journalBlocks = 64
	fs, err := Mkfs(bd, Params{
		TotalBlocks:   8192,
		BlockSize:     1024,
		Journal:       true,
		JournalBlocks: journalBlocks,
	})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	defer fs.Unmount()

	sb := fs.Superblock()
	if !sb.HasJournal() {
		t.Fatal("HasJournal() = false, want true")
	}
	if sb.JournalInode() != uint32(journalInodeNumber) {
		t.Fatalf("JournalInode() = %d, want %d", sb.JournalInode(), journalInodeNumber)
	}

	journal, err := fs.ReadInode(journalInodeNumber)
	if err != nil {
		t.Fatalf("ReadInode(journal): %v", err)
	}
	if journal.size != journalBlocks*uint64(sb.BlockSize()) {
		t.Fatalf("journal inode size = %d, want %d", journal.size, journalBlocks*uint64(sb.BlockSize()))
	}
	for lblk := uint32(0); lblk < journalBlocks; lblk++ {
		_, found, err := fs.GetBlockMapping(journal, lblk)
		if err != nil {
			t.Fatalf("journal block %d not mapped: %v", lblk, err)
		}
		if !found {
			t.Fatalf("journal block %d reports not found", lblk)
		}
	}
}

func TestMkfsWithoutJournalLeavesFeatureOff(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	fs, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 1024, Journal: false})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	defer fs.Unmount()

	if fs.Superblock().HasJournal() {
		t.Fatal("HasJournal() = true, want false")
	}
}

func TestMkfsChecksumGatesExtentTailChecksum(t *testing.T) {
	bd := newMkfsDevice(t, 4096, 1024)
	fs, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 1024, Checksum: true})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	defer fs.Unmount()

	if !fs.Superblock().Features().metadataChecksums {
		t.Fatal("metadataChecksums feature not set")
	}
	// The root directory must still be fully readable with checksums on:
	// a wrongly-gated (or wrongly-omitted) extent tail checksum would
	// make loadExtentTree reject the root inode's inline root node.
	root, err := fs.ReadInode(rootInodeNumber)
	if err != nil {
		t.Fatalf("ReadInode(root): %v", err)
	}
	if _, err := openDirectory(fs, rootInodeNumber, root); err != nil {
		t.Fatalf("openDirectory with checksums on: %v", err)
	}
}

func TestMkfsRemountSeesPersistedState(t *testing.T) {
	raw := &memRawDevice{data: make([]byte, 4096*1024)}
	bd, err := NewBlockDevice(raw, 1024, 1024, 0, 0)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	fs, err := Mkfs(bd, Params{TotalBlocks: 4096, BlockSize: 1024})
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	wantFree := fs.Superblock().FreeBlocks()
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	remounted, err := Mount(bd, MountOptions{})
	if err != nil {
		t.Fatalf("Mount after Mkfs: %v", err)
	}
	defer remounted.Unmount()

	if remounted.Superblock().FreeBlocks() != wantFree {
		t.Fatalf("FreeBlocks() after remount = %d, want %d", remounted.Superblock().FreeBlocks(), wantFree)
	}
	root, err := remounted.ReadInode(rootInodeNumber)
	if err != nil {
		t.Fatalf("ReadInode(root) after remount: %v", err)
	}
	dir, err := openDirectory(remounted, rootInodeNumber, root)
	if err != nil {
		t.Fatalf("openDirectory after remount: %v", err)
	}
	var count int
	if err := dir.Iterate(func(de *directoryEntry) error { count++; return nil }); err != nil {
		t.Fatalf("Iterate after remount: %v", err)
	}
	if count != 2 {
		t.Fatalf("root entry count after remount = %d, want 2", count)
	}
}
