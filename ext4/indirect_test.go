package ext4

import "testing"

func TestIndirectMapperDirectBlocks(t *testing.T) {
	const blockSize = 1024
	m := newIndirectMapper([60]byte{}, blockSize)
	io := newMemBlockIO(blockSize)

	for i := uint64(0); i < indirectDirectCount; i++ {
		if err := m.SetBlock(io, i, uint32(200+i)); err != nil {
			t.Fatalf("SetBlock(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < indirectDirectCount; i++ {
		p, found, err := m.GetBlock(io, i)
		if err != nil || !found {
			t.Fatalf("GetBlock(%d): found=%v err=%v", i, found, err)
		}
		if p != 200+i {
			t.Fatalf("GetBlock(%d) = %d, want %d", i, p, 200+i)
		}
	}
}

func TestIndirectMapperSparseHole(t *testing.T) {
	const blockSize = 1024
	m := newIndirectMapper([60]byte{}, blockSize)
	io := newMemBlockIO(blockSize)

	_, found, err := m.GetBlock(io, 5)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if found {
		t.Fatalf("GetBlock on an untouched mapper reported found=true")
	}
}

func TestIndirectMapperSingleIndirect(t *testing.T) {
	const blockSize = 1024 // pointersPerBlock = 256
	m := newIndirectMapper([60]byte{}, blockSize)
	io := newMemBlockIO(blockSize)

	lblk := m.limits.l0 + 3 // third entry of the single-indirect block
	if err := m.SetBlock(io, lblk, 9999); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	p, found, err := m.GetBlock(io, lblk)
	if err != nil || !found || p != 9999 {
		t.Fatalf("GetBlock(%d) = %d,%v,%v, want 9999,true,nil", lblk, p, found, err)
	}
	if m.directPointer(indirectSingle) == 0 {
		t.Fatalf("single-indirect root pointer was never allocated")
	}

	// an adjacent, still-unset index in the same indirect block must
	// still read back as a hole.
	_, found, err = m.GetBlock(io, m.limits.l0+4)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if found {
		t.Fatalf("unset neighbor entry reported found=true")
	}
}

func TestIndirectMapperDoubleIndirectAndTruncate(t *testing.T) {
	const blockSize = 1024
	m := newIndirectMapper([60]byte{}, blockSize)
	io := newMemBlockIO(blockSize)

	lblk := m.limits.l1 + 5
	if err := m.SetBlock(io, lblk, 4242); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	p, found, err := m.GetBlock(io, lblk)
	if err != nil || !found || p != 4242 {
		t.Fatalf("GetBlock(%d) = %d,%v,%v, want 4242,true,nil", lblk, p, found, err)
	}

	if err := m.Truncate(io, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if m.directPointer(indirectDouble) != 0 {
		t.Fatalf("double-indirect root pointer survived a truncate to 0")
	}
	_, found, err = m.GetBlock(io, lblk)
	if err != nil {
		t.Fatalf("GetBlock after truncate: %v", err)
	}
	if found {
		t.Fatalf("block still mapped after Truncate(0) released it")
	}
}

func TestIndirectMapperDataBlockCount(t *testing.T) {
	const blockSize = 1024
	m := newIndirectMapper([60]byte{}, blockSize)
	io := newMemBlockIO(blockSize)

	for _, lblk := range []uint64{0, 1, 2, m.limits.l0 + 1, m.limits.l1 + 1} {
		if err := m.SetBlock(io, lblk, uint32(1000+lblk)); err != nil {
			t.Fatalf("SetBlock(%d): %v", lblk, err)
		}
	}
	count, err := m.DataBlockCount(io, m.limits.l3)
	if err != nil {
		t.Fatalf("DataBlockCount: %v", err)
	}
	if count != 5 {
		t.Fatalf("DataBlockCount = %d, want 5", count)
	}
}
