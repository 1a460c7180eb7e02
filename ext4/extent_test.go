package ext4

import "testing"

// memBlockIO is a minimal in-memory blockDeviceIO fake for exercising
// extent.go/indirect.go without a real BlockDevice/Cache, the way the
// teacher's own package-level tests stay self-contained with small
// fixtures rather than full disk images where possible.
type memBlockIO struct {
	blocks map[uint64][]byte
	next   uint64
	size   int
}

func newMemBlockIO(blockSize int) *memBlockIO {
	return &memBlockIO{blocks: make(map[uint64][]byte), next: 100, size: blockSize}
}

func (m *memBlockIO) ReadBlock(lba uint64) ([]byte, error) {
	b, ok := m.blocks[lba]
	if !ok {
		return make([]byte, m.size), nil
	}
	out := make([]byte, m.size)
	copy(out, b)
	return out, nil
}

func (m *memBlockIO) WriteBlock(lba uint64, data []byte) error {
	b := make([]byte, m.size)
	copy(b, data)
	m.blocks[lba] = b
	return nil
}

func (m *memBlockIO) AllocBlock() (uint64, error) {
	lba := m.next
	m.next++
	return lba, nil
}

func (m *memBlockIO) FreeBlock(lba uint64) error {
	delete(m.blocks, lba)
	return nil
}

func TestExtentTreeInsertAndLookupInline(t *testing.T) {
	const blockSize = 1024
	tree := newExtentTree(blockSize, nil)
	io := newMemBlockIO(blockSize)

	if err := tree.InsertExtent(io, 0, 4, 5000, false); err != nil {
		t.Fatalf("InsertExtent: %v", err)
	}

	physical, length, unwritten, found, err := tree.GetBlocks(io, 2)
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if !found {
		t.Fatalf("GetBlocks(2): not found")
	}
	if unwritten {
		t.Fatalf("GetBlocks(2): unexpectedly marked unwritten")
	}
	if want := uint64(5002); physical != want {
		t.Fatalf("GetBlocks(2) physical = %d, want %d", physical, want)
	}
	if length < 2 {
		t.Fatalf("GetBlocks(2) length = %d, too short to cover the request", length)
	}

	_, _, _, found, err = tree.GetBlocks(io, 10)
	if err != nil {
		t.Fatalf("GetBlocks(10): %v", err)
	}
	if found {
		t.Fatalf("GetBlocks(10): expected a sparse hole, found a mapping")
	}
}

func TestExtentTreeGrowsRootBeyondInlineCapacity(t *testing.T) {
	const blockSize = 1024
	tree := newExtentTree(blockSize, nil)
	io := newMemBlockIO(blockSize)

	// extentInodeMaxEntries (4) non-adjacent single-block extents fit
	// inline; a 5th, non-mergeable insert must grow the root to depth 1.
	for i := 0; i < int(extentInodeMaxEntries); i++ {
		fileBlock := uint32(i * 10)
		if err := tree.InsertExtent(io, fileBlock, 1, uint64(1000+i*10), false); err != nil {
			t.Fatalf("InsertExtent #%d: %v", i, err)
		}
	}
	if tree.root.depth != 0 {
		t.Fatalf("root depth = %d before overflow, want 0", tree.root.depth)
	}

	if err := tree.InsertExtent(io, 1000, 1, 9000, false); err != nil {
		t.Fatalf("InsertExtent overflow: %v", err)
	}
	if tree.root.depth == 0 {
		t.Fatalf("root did not grow past depth 0 after exceeding inline capacity")
	}

	for i := 0; i < int(extentInodeMaxEntries); i++ {
		fileBlock := uint32(i * 10)
		physical, _, _, found, err := tree.GetBlocks(io, fileBlock)
		if err != nil {
			t.Fatalf("GetBlocks(%d) after growth: %v", fileBlock, err)
		}
		if !found || physical != uint64(1000+i*10) {
			t.Fatalf("GetBlocks(%d) after growth = %d,%v, want %d,true", fileBlock, physical, found, 1000+i*10)
		}
	}
	physical, _, _, found, err := tree.GetBlocks(io, 1000)
	if err != nil || !found || physical != 9000 {
		t.Fatalf("GetBlocks(1000) after growth = %d,%v,%v, want 9000,true,nil", physical, found, err)
	}
}

func TestExtentTreeRemoveSpace(t *testing.T) {
	const blockSize = 1024
	tree := newExtentTree(blockSize, nil)
	io := newMemBlockIO(blockSize)

	if err := tree.InsertExtent(io, 0, 10, 2000, false); err != nil {
		t.Fatalf("InsertExtent: %v", err)
	}
	if err := tree.RemoveSpace(io, 3, 6); err != nil {
		t.Fatalf("RemoveSpace: %v", err)
	}

	for _, lblk := range []uint32{0, 1, 2} {
		_, _, _, found, err := tree.GetBlocks(io, lblk)
		if err != nil || !found {
			t.Fatalf("GetBlocks(%d) after hole punch: found=%v err=%v, want mapped", lblk, found, err)
		}
	}
	for _, lblk := range []uint32{3, 4, 5} {
		_, _, _, found, err := tree.GetBlocks(io, lblk)
		if err != nil {
			t.Fatalf("GetBlocks(%d): %v", lblk, err)
		}
		if found {
			t.Fatalf("GetBlocks(%d) still mapped after RemoveSpace punched a hole there", lblk)
		}
	}
	for _, lblk := range []uint32{6, 7, 8, 9} {
		_, _, _, found, err := tree.GetBlocks(io, lblk)
		if err != nil || !found {
			t.Fatalf("GetBlocks(%d) after hole punch: found=%v err=%v, want mapped", lblk, found, err)
		}
	}
}

func TestExtentUnwrittenFlag(t *testing.T) {
	const blockSize = 1024
	tree := newExtentTree(blockSize, nil)
	io := newMemBlockIO(blockSize)

	if err := tree.InsertExtent(io, 0, 5, 3000, true); err != nil {
		t.Fatalf("InsertExtent: %v", err)
	}
	_, _, unwritten, found, err := tree.GetBlocks(io, 2)
	if err != nil || !found {
		t.Fatalf("GetBlocks: found=%v err=%v", found, err)
	}
	if !unwritten {
		t.Fatalf("extent lost its unwritten flag across insert/lookup")
	}
}
