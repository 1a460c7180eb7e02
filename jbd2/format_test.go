package jbd2

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &header{blockType: blockTypeCommit, sequence: 42}
	got, err := headerFromBytes(h.toBytes())
	if err != nil {
		t.Fatalf("headerFromBytes: %v", err)
	}
	if got.blockType != h.blockType || got.sequence != h.sequence {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	b := make([]byte, headerSize)
	if _, err := headerFromBytes(b); err == nil {
		t.Fatal("expected error for zeroed header")
	}
}

func TestSuperblockV2RoundTrip(t *testing.T) {
	sb := newSuperblock(1024, 256)
	raw := sb.toBytes()
	if len(raw) != superblockSize {
		t.Fatalf("superblock size = %d, want %d", len(raw), superblockSize)
	}

	got, err := superblockFromBytes(raw)
	if err != nil {
		t.Fatalf("superblockFromBytes: %v", err)
	}
	if got.blockSize != sb.blockSize || got.maxLen != sb.maxLen || got.first != sb.first {
		t.Fatalf("got %+v, want %+v", got, sb)
	}
	if got.uuid != sb.uuid {
		t.Fatalf("uuid mismatch: got %v, want %v", got.uuid, sb.uuid)
	}
	if !got.hasChecksums() {
		t.Fatal("expected checksums enabled on a freshly formatted superblock")
	}
}

func TestSuperblockChecksumMismatchRejected(t *testing.T) {
	sb := newSuperblock(1024, 256)
	raw := sb.toBytes()
	raw[0x200] ^= 0xff // corrupt a byte inside the checksummed span

	if _, err := superblockFromBytes(raw); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestTagCodecV3RoundTrip(t *testing.T) {
	sb := newSuperblock(1024, 256) // incompatChecksumV3 | incompat64Bit
	codec := newTagCodec(sb)

	in := tag{block: 0x1_0000_0002, flags: 0, checksum: 0xdeadbeef, uuidData: sb.uuid, hasUUID: true}
	enc := codec.encode(in, true)

	out, n, err := codec.decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d bytes, want %d", n, len(enc))
	}
	if out.block != in.block {
		t.Fatalf("block = %#x, want %#x", out.block, in.block)
	}
	if out.checksum != in.checksum {
		t.Fatalf("checksum = %#x, want %#x", out.checksum, in.checksum)
	}
	if out.flags&tagFlagLastTag == 0 {
		t.Fatal("expected LAST_TAG flag preserved")
	}
	if !out.hasUUID || out.uuidData != in.uuidData {
		t.Fatal("uuid not round-tripped")
	}
}

func TestTagCodecSameUUIDOmitsUUID(t *testing.T) {
	sb := newSuperblock(1024, 256)
	codec := newTagCodec(sb)

	in := tag{block: 7, flags: tagFlagSameUUID}
	enc := codec.encode(in, false)
	if len(enc) != codec.size() {
		t.Fatalf("encoded len = %d, want %d (no uuid)", len(enc), codec.size())
	}

	out, n, err := codec.decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != codec.size() {
		t.Fatalf("consumed %d, want %d", n, codec.size())
	}
	if out.hasUUID {
		t.Fatal("did not expect a uuid when SAME_UUID is set")
	}
}

func TestDescriptorBlockRoundTrip(t *testing.T) {
	sb := newSuperblock(4096, 256)
	d := &descriptorBlock{
		sequence: 3,
		tags: []tag{
			{block: 500, uuidData: sb.uuid, hasUUID: true},
			{block: 501, flags: tagFlagSameUUID},
			{block: 502, flags: tagFlagSameUUID},
		},
	}
	raw := d.toBytes(sb, int(sb.blockSize))

	got, err := descriptorBlockFromBytes(raw, sb)
	if err != nil {
		t.Fatalf("descriptorBlockFromBytes: %v", err)
	}
	if len(got.tags) != len(d.tags) {
		t.Fatalf("got %d tags, want %d", len(got.tags), len(d.tags))
	}
	for i, tg := range got.tags {
		if tg.block != d.tags[i].block {
			t.Fatalf("tag[%d].block = %d, want %d", i, tg.block, d.tags[i].block)
		}
	}
	if got.tags[len(got.tags)-1].flags&tagFlagLastTag == 0 {
		t.Fatal("expected the final decoded tag to carry LAST_TAG")
	}
}

func TestCommitBlockRoundTrip(t *testing.T) {
	c := &commitBlock{sequence: 9, checksumType: checksumTypeCRC32C, v2Checksum: 0x1234, commitSec: 1700000000, commitNsec: 5000}
	raw := c.toBytes(1024)

	got, err := commitBlockFromBytes(raw)
	if err != nil {
		t.Fatalf("commitBlockFromBytes: %v", err)
	}
	if got.sequence != c.sequence || got.checksumType != c.checksumType {
		t.Fatalf("got %+v, want %+v", got, c)
	}
	if got.v2Checksum != c.v2Checksum {
		t.Fatalf("v2Checksum = %#x, want %#x", got.v2Checksum, c.v2Checksum)
	}
	if got.commitSec != c.commitSec || got.commitNsec != c.commitNsec {
		t.Fatalf("timestamp mismatch: got {%d,%d}, want {%d,%d}", got.commitSec, got.commitNsec, c.commitSec, c.commitNsec)
	}
}

func TestRevokeBlockRoundTrip(t *testing.T) {
	sb := newSuperblock(1024, 256)
	r := &revokeBlock{sequence: 11, blocks: []uint64{10, 20, 30}}
	raw := r.toBytes(sb, int(sb.blockSize))

	got, err := revokeBlockFromBytes(raw, sb)
	if err != nil {
		t.Fatalf("revokeBlockFromBytes: %v", err)
	}
	if len(got.blocks) != len(r.blocks) {
		t.Fatalf("got %d blocks, want %d", len(got.blocks), len(r.blocks))
	}
	for i, b := range got.blocks {
		if b != r.blocks[i] {
			t.Fatalf("blocks[%d] = %d, want %d", i, b, r.blocks[i])
		}
	}
}

func TestMaxRevokeRecordsPerBlock(t *testing.T) {
	n := maxRevokeRecordsPerBlock(1024, true, true)
	if n <= 0 {
		t.Fatalf("expected positive capacity, got %d", n)
	}
	want := (1024 - 16 - 4) / 8
	if n != want {
		t.Fatalf("got %d, want %d", n, want)
	}
}

func TestChecksumZeroedDoesNotMutateInput(t *testing.T) {
	sb := newSuperblock(1024, 256)
	raw := sb.toBytes()
	orig := append([]byte(nil), raw...)

	_ = checksumZeroed(raw)
	if !bytes.Equal(raw, orig) {
		t.Fatal("checksumZeroed mutated its input")
	}
}
