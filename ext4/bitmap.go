package ext4

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/embedfs/ext4fs/crc"
)

// bitmap is component F: a fixed-size, block-sized bit vector backing the
// inode and block bitmaps of a block group. Bit i set means "in use".
// Built on bits-and-blooms/bitset rather than hand-rolled word shifting.
type bitmap struct {
	bs        *bitset.BitSet
	sizeBits  uint
	sizeBytes int
}

// newBitmap returns a zeroed bitmap covering sizeBytes*8 bits, all clear.
func newBitmap(sizeBytes int) *bitmap {
	return &bitmap{
		bs:        bitset.New(uint(sizeBytes) * 8),
		sizeBits:  uint(sizeBytes) * 8,
		sizeBytes: sizeBytes,
	}
}

// bitmapFromBytes loads a bitmap from its on-disk byte-packed form: bit i
// lives at byte i/8, bit i%8 (LSB first), matching e2fsprogs's convention.
func bitmapFromBytes(b []byte) (*bitmap, error) {
	words := bytesToWords(b)
	bm := &bitmap{
		bs:        bitset.From(words),
		sizeBits:  uint(len(b)) * 8,
		sizeBytes: len(b),
	}
	return bm, nil
}

// toBytes packs the bitmap back to its on-disk byte form.
func (bm *bitmap) toBytes() ([]byte, error) {
	words := bm.bs.Bytes()
	out := wordsToBytes(words, bm.sizeBytes)
	return out, nil
}

func bytesToWords(b []byte) []uint64 {
	n := (len(b) + 7) / 8
	words := make([]uint64, n)
	for i := 0; i < len(b); i++ {
		words[i/8] |= uint64(b[i]) << (8 * uint(i%8))
	}
	return words
}

func wordsToBytes(words []uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		w := uint64(0)
		if i/8 < len(words) {
			w = words[i/8]
		}
		out[i] = byte(w >> (8 * uint(i%8)))
	}
	return out
}

// Set marks bit i (block/inode number, already relativized to the group)
// as in use.
func (bm *bitmap) Set(i uint) {
	bm.bs.Set(i)
}

// Clear marks bit i as free.
func (bm *bitmap) Clear(i uint) {
	bm.bs.Clear(i)
}

// IsSet reports whether bit i is marked in use.
func (bm *bitmap) IsSet(i uint) bool {
	return bm.bs.Test(i)
}

// FreeCount returns the number of clear bits in [0, sizeBits).
func (bm *bitmap) FreeCount() uint {
	return bm.sizeBits - bm.bs.Count()
}

// FindClear scans [start, end) for the first clear bit, per §4.F
// "bit_find_clr"; returns ENOSPC if none is found in range.
func (bm *bitmap) FindClear(start, end uint) (uint, error) {
	if end > bm.sizeBits {
		end = bm.sizeBits
	}
	for i := start; i < end; i++ {
		if !bm.bs.Test(i) {
			return i, nil
		}
	}
	return 0, newErr("bitmap.FindClear", ENOSPC, fmt.Errorf("no clear bit in [%d,%d)", start, end))
}

// FindNClear finds the first run of n consecutive clear bits within
// [start, end), used by the block allocator's goal-directed search for a
// contiguous extent (§4.H).
func (bm *bitmap) FindNClear(start, end uint, n uint) (uint, error) {
	if end > bm.sizeBits {
		end = bm.sizeBits
	}
	if n == 0 {
		return 0, newErr("bitmap.FindNClear", EINVAL, fmt.Errorf("n must be positive"))
	}
	run := uint(0)
	runStart := start
	for i := start; i < end; i++ {
		if bm.bs.Test(i) {
			run = 0
			runStart = i + 1
			continue
		}
		run++
		if run == n {
			return runStart, nil
		}
	}
	return 0, newErr("bitmap.FindNClear", ENOSPC, fmt.Errorf("no run of %d clear bits in [%d,%d)", n, start, end))
}

// SetRange marks [start, start+n) in use, for bulk allocation of a
// contiguous extent.
func (bm *bitmap) SetRange(start, n uint) {
	for i := start; i < start+n; i++ {
		bm.bs.Set(i)
	}
}

// ClearRange marks [start, start+n) free, for bulk release.
func (bm *bitmap) ClearRange(start, n uint) {
	for i := start; i < start+n; i++ {
		bm.bs.Clear(i)
	}
}

// Checksum computes the metadata_csum-flavor CRC32C of this bitmap,
// seeded from fsUUIDOrSeed (the superblock's checksumBase()), the way the
// group descriptor's bg_{inode,block}_bitmap_csum fields are derived —
// the bitmap itself carries no in-block tail.
func (bm *bitmap) Checksum(fsUUIDOrSeed []byte) (uint32, error) {
	b, err := bm.toBytes()
	if err != nil {
		return 0, err
	}
	seed := crc.CRC32CUpdate(crc.CRC32CInit, fsUUIDOrSeed)
	return crc.CRC32CUpdate(seed, b), nil
}
