package ext4

import (
	"encoding/binary"
	"fmt"
)

// Component J: the classic (non-extent) direct/indirect block mapper,
// used when an inode's usesExtents flag is clear. i_block[] holds 12
// direct pointers followed by single/double/triple indirect pointers,
// each a 32-bit block number; indirect blocks themselves are arrays of
// 32-bit block numbers, blockSize/4 per block.

const (
	indirectDirectCount = 12
	indirectSingle       = 12
	indirectDouble       = 13
	indirectTriple       = 14
)

// indirectLimits holds, for one mount's block size, the number of
// pointers per indirect block (P) and the cumulative logical block
// count covered by each indirection level (L[0..3]), matching §4.J's
// "precomputed per-mount limits".
type indirectLimits struct {
	pointersPerBlock uint64
	l0               uint64 // direct: 12
	l1               uint64 // + single indirect
	l2               uint64 // + double indirect
	l3               uint64 // + triple indirect
}

func newIndirectLimits(blockSize int) indirectLimits {
	p := uint64(blockSize) / 4
	l0 := uint64(indirectDirectCount)
	l1 := l0 + p
	l2 := l1 + p*p
	l3 := l2 + p*p*p
	return indirectLimits{pointersPerBlock: p, l0: l0, l1: l1, l2: l2, l3: l3}
}

// indirectMapper resolves logical-to-physical block numbers for a
// non-extent inode by walking i_block[] and, as needed, indirect
// blocks fetched through io.
type indirectMapper struct {
	iBlock [60]byte
	limits indirectLimits
}

func newIndirectMapper(iBlock [60]byte, blockSize int) *indirectMapper {
	return &indirectMapper{iBlock: iBlock, limits: newIndirectLimits(blockSize)}
}

func (m *indirectMapper) directPointer(i int) uint32 {
	return binary.LittleEndian.Uint32(m.iBlock[i*4 : i*4+4])
}

func (m *indirectMapper) setDirectPointer(i int, v uint32) {
	binary.LittleEndian.PutUint32(m.iBlock[i*4:i*4+4], v)
}

func readPointer(b []byte, i uint64) uint32 {
	return binary.LittleEndian.Uint32(b[i*4 : i*4+4])
}

func writePointer(b []byte, i uint64, v uint32) {
	binary.LittleEndian.PutUint32(b[i*4:i*4+4], v)
}

// GetBlock resolves logical block lblk to a physical block number, per
// §4.J "block_map". Returns found=false on a sparse hole (pointer is 0
// anywhere along the path).
func (m *indirectMapper) GetBlock(io blockDeviceIO, lblk uint64) (physical uint64, found bool, err error) {
	switch {
	case lblk < m.limits.l0:
		p := m.directPointer(int(lblk))
		return uint64(p), p != 0, nil

	case lblk < m.limits.l1:
		idx := lblk - m.limits.l0
		return m.walk(io, m.directPointer(indirectSingle), []uint64{idx})

	case lblk < m.limits.l2:
		idx := lblk - m.limits.l1
		p := m.limits.pointersPerBlock
		return m.walk(io, m.directPointer(indirectDouble), []uint64{idx / p, idx % p})

	case lblk < m.limits.l3:
		idx := lblk - m.limits.l2
		p := m.limits.pointersPerBlock
		pp := p * p
		return m.walk(io, m.directPointer(indirectTriple), []uint64{idx / pp, (idx % pp) / p, idx % p})

	default:
		return 0, false, newErr("indirectMapper.GetBlock", ERANGE, fmt.Errorf("logical block %d exceeds triple-indirect range (max %d)", lblk, m.limits.l3-1))
	}
}

// walk descends through one or more levels of indirect blocks, each
// index in idxPath selecting a pointer within the current level's block.
// A zero pointer encountered anywhere (including the starting block
// itself) means the range is a sparse hole.
func (m *indirectMapper) walk(io blockDeviceIO, startBlock uint32, idxPath []uint64) (uint64, bool, error) {
	if startBlock == 0 {
		return 0, false, nil
	}
	block := uint64(startBlock)
	for level, idx := range idxPath {
		data, err := io.ReadBlock(block)
		if err != nil {
			return 0, false, fmt.Errorf("reading indirect block %d (level %d): %w", block, level, err)
		}
		p := readPointer(data, idx)
		if p == 0 {
			return 0, false, nil
		}
		block = uint64(p)
	}
	return block, true, nil
}

// SetBlock installs physical as the mapping for logical block lblk,
// allocating any indirect blocks the path requires that do not yet
// exist, per §4.J "block_map" write path. Returns only an error; the
// indirect blocks it allocates are not reported to the caller.
func (m *indirectMapper) SetBlock(io blockDeviceIO, lblk uint64, physical uint32) error {
	switch {
	case lblk < m.limits.l0:
		m.setDirectPointer(int(lblk), physical)
		return nil

	case lblk < m.limits.l1:
		idx := lblk - m.limits.l0
		return m.setIndirectDirect(io, indirectSingle, []uint64{idx}, physical)

	case lblk < m.limits.l2:
		idx := lblk - m.limits.l1
		p := m.limits.pointersPerBlock
		return m.setIndirectDirect(io, indirectDouble, []uint64{idx / p, idx % p}, physical)

	case lblk < m.limits.l3:
		idx := lblk - m.limits.l2
		p := m.limits.pointersPerBlock
		pp := p * p
		return m.setIndirectDirect(io, indirectTriple, []uint64{idx / pp, (idx % pp) / p, idx % p}, physical)

	default:
		return newErr("indirectMapper.SetBlock", ERANGE, fmt.Errorf("logical block %d exceeds triple-indirect range (max %d)", lblk, m.limits.l3-1))
	}
}

func (m *indirectMapper) setIndirectDirect(io blockDeviceIO, rootIdx int, idxPath []uint64, physical uint32) error {
	root := m.directPointer(rootIdx)
	if root == 0 {
		nb, err := io.AllocBlock()
		if err != nil {
			return fmt.Errorf("allocating root indirect block: %w", err)
		}
		zero := make([]byte, m.limits.pointersPerBlock*4)
		if err := io.WriteBlock(nb, zero); err != nil {
			return err
		}
		root = uint32(nb)
		m.setDirectPointer(rootIdx, root)
	}
	return m.setIndirect(io, uint64(root), idxPath, physical)
}

// setIndirect descends idxPath, allocating missing intermediate blocks,
// and writes physical at the final level.
func (m *indirectMapper) setIndirect(io blockDeviceIO, block uint64, idxPath []uint64, physical uint32) error {
	data, err := io.ReadBlock(block)
	if err != nil {
		return fmt.Errorf("reading indirect block %d: %w", block, err)
	}
	idx := idxPath[0]
	if len(idxPath) == 1 {
		writePointer(data, idx, physical)
		return io.WriteBlock(block, data)
	}
	next := readPointer(data, idx)
	if next == 0 {
		nb, err := io.AllocBlock()
		if err != nil {
			return fmt.Errorf("allocating intermediate indirect block: %w", err)
		}
		zero := make([]byte, m.limits.pointersPerBlock*4)
		if err := io.WriteBlock(nb, zero); err != nil {
			return err
		}
		next = uint32(nb)
		writePointer(data, idx, next)
		if err := io.WriteBlock(block, data); err != nil {
			return err
		}
	}
	return m.setIndirect(io, uint64(next), idxPath[1:], physical)
}

// Truncate releases every block mapped at or beyond lblk, including any
// indirect blocks left entirely empty by the release, per §4.J's
// truncate support for "can_truncate" inodes. A best-effort, depth-first
// free: an error partway through still leaves previously-freed blocks
// freed (no rollback), matching the teacher's non-transactional
// truncate path.
func (m *indirectMapper) Truncate(io blockDeviceIO, fromBlock uint64) error {
	for i := indirectDirectCount - 1; i >= 0; i-- {
		if uint64(i) < fromBlock {
			break
		}
		if p := m.directPointer(i); p != 0 {
			if err := io.FreeBlock(uint64(p)); err != nil {
				return err
			}
			m.setDirectPointer(i, 0)
		}
	}
	if fromBlock <= m.limits.l0 {
		if err := m.truncateIndirect(io, indirectSingle, 1); err != nil {
			return err
		}
	}
	if fromBlock <= m.limits.l1 {
		if err := m.truncateIndirect(io, indirectDouble, 2); err != nil {
			return err
		}
	}
	if fromBlock <= m.limits.l2 {
		if err := m.truncateIndirect(io, indirectTriple, 3); err != nil {
			return err
		}
	}
	return nil
}

func (m *indirectMapper) truncateIndirect(io blockDeviceIO, rootIdx int, depth int) error {
	root := m.directPointer(rootIdx)
	if root == 0 {
		return nil
	}
	if err := m.freeIndirectTree(io, uint64(root), depth); err != nil {
		return err
	}
	m.setDirectPointer(rootIdx, 0)
	return nil
}

func (m *indirectMapper) freeIndirectTree(io blockDeviceIO, block uint64, depth int) error {
	data, err := io.ReadBlock(block)
	if err != nil {
		return fmt.Errorf("reading indirect block %d for release: %w", block, err)
	}
	for i := uint64(0); i < m.limits.pointersPerBlock; i++ {
		p := readPointer(data, i)
		if p == 0 {
			continue
		}
		if depth > 1 {
			if err := m.freeIndirectTree(io, uint64(p), depth-1); err != nil {
				return err
			}
		} else if err := io.FreeBlock(uint64(p)); err != nil {
			return err
		}
	}
	return io.FreeBlock(block)
}

// DataBlockCount walks the whole tree and counts mapped (non-hole) data
// blocks, for statfs-style accounting and tests.
func (m *indirectMapper) DataBlockCount(io blockDeviceIO, maxLogicalBlocks uint64) (uint64, error) {
	var count uint64
	for i := 0; i < indirectDirectCount; i++ {
		if m.directPointer(i) != 0 {
			count++
		}
	}
	walk := func(root uint32, depth int) error {
		if root == 0 {
			return nil
		}
		var rec func(block uint64, depth int) error
		rec = func(block uint64, depth int) error {
			data, err := io.ReadBlock(block)
			if err != nil {
				return err
			}
			for i := uint64(0); i < m.limits.pointersPerBlock; i++ {
				p := readPointer(data, i)
				if p == 0 {
					continue
				}
				if depth == 1 {
					count++
				} else if err := rec(uint64(p), depth-1); err != nil {
					return err
				}
			}
			return nil
		}
		return rec(uint64(root), depth)
	}
	if err := walk(m.directPointer(indirectSingle), 1); err != nil {
		return 0, err
	}
	if err := walk(m.directPointer(indirectDouble), 2); err != nil {
		return 0, err
	}
	if err := walk(m.directPointer(indirectTriple), 3); err != nil {
		return 0, err
	}
	return count, nil
}
