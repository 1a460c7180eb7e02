package jbd2

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/embedfs/ext4fs/crc"
	"github.com/embedfs/ext4fs/ext4"
)

// transaction is jbd_trans: one filesystem-visible unit of work bound
// to a journal, per §4.O.
type transaction struct {
	j  *Journal
	id uint32

	mu     sync.Mutex
	dirty  map[uint64]*ext4.Block
	order  []uint64
	revoke map[uint64]struct{}

	committed bool
	aborted   bool

	logStart     uint32 // first log block this transaction's descriptor occupies
	dataCount    int    // number of real (non-descriptor/commit/revoke) buffers checkpointed
	writtenCount int

	cpNext *transaction // checkpoint queue link, owned by Journal.mu
}

func newTransaction(j *Journal, id uint32) *transaction {
	return &transaction{
		j:      j,
		id:     id,
		dirty:  make(map[uint64]*ext4.Block),
		revoke: make(map[uint64]struct{}),
	}
}

// Dirty records blk as touched by this transaction (§4.O's
// set_block_dirty): blk's Dirty flag is set now, which the cache picks
// up when the caller Puts the block, but its data isn't written to the
// log until Stop commits the transaction.
func (t *transaction) Dirty(blk *ext4.Block) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.aborted {
		return fmt.Errorf("jbd2: transaction %d already closed", t.id)
	}
	if _, ok := t.dirty[blk.LBA]; !ok {
		t.order = append(t.order, blk.LBA)
	}
	blk.Dirty = true
	t.dirty[blk.LBA] = blk
	return nil
}

// RevokeBlock unconditionally records lba for this transaction's revoke
// block, per jbd_trans_revoke_block: a later replay must never apply
// an older copy of lba found earlier in the log.
func (t *transaction) RevokeBlock(lba uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.aborted {
		return fmt.Errorf("jbd2: transaction %d already closed", t.id)
	}
	t.revoke[lba] = struct{}{}
	return nil
}

// TryRevokeBlock records lba for revocation only if an earlier,
// not-yet-checkpointed transaction still has a logged copy of it in
// flight, per jbd_trans_try_revoke_block — avoids emitting a revoke
// record for a block no older transaction could still supply a stale
// copy of.
func (t *transaction) TryRevokeBlock(lba uint64) error {
	if !t.j.lbaInFlight(lba) {
		return nil
	}
	return t.RevokeBlock(lba)
}

// Stop commits the transaction (§4.O's commit_trans), appending it to
// the log and the checkpoint queue.
func (t *transaction) Stop() error {
	return t.commit()
}

// Abort ends this transaction without committing it. It clears the
// Dirty flag on every block handle the transaction recorded; no
// buffer's content is restored to an earlier transaction's copy. The
// in-memory modification is discarded from the journal's perspective,
// left for the cache's normal (non-journaled) write-back path to deal
// with.
func (t *transaction) Abort(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.aborted {
		return
	}
	t.aborted = true
	t.j.log.WithError(err).WithField("trans_id", t.id).Warn("jbd2: transaction aborted")
	for _, lba := range t.order {
		if blk, ok := t.dirty[lba]; ok {
			blk.Dirty = false
		}
	}
}

// commit implements §4.O's six commit_trans steps.
func (t *transaction) commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.aborted {
		return fmt.Errorf("jbd2: transaction %d already closed", t.id)
	}

	j := t.j
	j.mu.Lock()
	defer j.mu.Unlock()

	// Step 1: drop buffers that turned out clean by commit time (a
	// later Put with Dirty=false, or a prior flush, already settled
	// them).
	var live []uint64
	for _, lba := range t.order {
		if blk, ok := t.dirty[lba]; ok && blk.Dirty {
			live = append(live, lba)
		}
	}

	if len(live) == 0 && len(t.revoke) == 0 {
		t.committed = true
		return nil
	}

	t.logStart = j.writeCursor
	sb := j.sb
	codec := newTagCodec(sb)
	blockSize := int(sb.blockSize)
	tailLen := 0
	if sb.hasChecksums() {
		tailLen = 4
	}

	var v2Running uint32
	if sb.hasChecksums() {
		v2Running = crc.CRC32CUpdate(crc.CRC32CInit, sb.uuid[:])
	}
	var v1Running uint32 = 0xFFFFFFFF

	// Step 3: descriptor block(s) + their data blocks.
	written := 0
	for written < len(live) {
		d := &descriptorBlock{sequence: t.id}
		avail := blockSize - headerSize - tailLen
		used := 0
		firstInBlock := true
		batch := written
		for batch < len(live) {
			lba := live[batch]
			blk := t.dirty[lba]

			size := codec.size()
			if firstInBlock {
				size += 16 // uuid
			}
			if used+size > avail {
				break
			}

			data := make([]byte, len(blk.Data))
			copy(data, blk.Data)
			var flags uint32
			if len(data) >= 4 && binary.BigEndian.Uint32(data[0:4]) == journalMagic {
				binary.BigEndian.PutUint32(data[0:4], 0)
				flags |= tagFlagEscape
			}

			tg := tag{block: lba, flags: flags}
			if firstInBlock {
				tg.uuidData = sb.uuid
				tg.hasUUID = true
			} else {
				tg.flags |= tagFlagSameUUID
			}
			if sb.hasChecksums() {
				seed := crc.CRC32CUpdate(crc.CRC32CInit, sb.uuid[:])
				tg.checksum = crc.CRC32CUpdate(seed, data)
			}
			d.tags = append(d.tags, tg)

			if sb.v1Checksum() {
				v1Running = crc.CRC32(v1Running, data)
			}

			used += size
			firstInBlock = false
			batch++
		}
		if len(d.tags) == 0 {
			return fmt.Errorf("jbd2: a single dirty block is too large to tag (block size %d)", blockSize)
		}

		descBytes := d.toBytes(sb, blockSize)
		if sb.hasChecksums() {
			v2Running = crc.CRC32CUpdate(v2Running, descBytes)
		}
		if err := j.writeLogBlock(descBytes); err != nil {
			return err
		}

		for i := written; i < batch; i++ {
			lba := live[i]
			blk := t.dirty[lba]
			data := make([]byte, len(blk.Data))
			copy(data, blk.Data)
			if len(data) >= 4 && binary.BigEndian.Uint32(data[0:4]) == journalMagic {
				binary.BigEndian.PutUint32(data[0:4], 0)
			}
			if sb.hasChecksums() {
				v2Running = crc.CRC32CUpdate(v2Running, data)
			}
			if err := j.writeLogBlock(data); err != nil {
				return err
			}
		}
		written = batch
	}

	// Step 4: revoke block(s), paged across blocks as needed.
	if len(t.revoke) > 0 {
		blocks := make([]uint64, 0, len(t.revoke))
		for lba := range t.revoke {
			blocks = append(blocks, lba)
		}
		perBlock := maxRevokeRecordsPerBlock(blockSize, sb.uses64Bit(), sb.hasChecksums())
		if perBlock <= 0 {
			return fmt.Errorf("jbd2: block size %d too small for a revoke record", blockSize)
		}
		for off := 0; off < len(blocks); off += perBlock {
			end := off + perBlock
			if end > len(blocks) {
				end = len(blocks)
			}
			r := &revokeBlock{sequence: t.id, blocks: blocks[off:end]}
			rb := r.toBytes(sb, blockSize)
			if sb.hasChecksums() {
				v2Running = crc.CRC32CUpdate(v2Running, rb)
			}
			if err := j.writeLogBlock(rb); err != nil {
				return err
			}
		}
	}

	// Step 5: commit block.
	c := &commitBlock{sequence: t.id}
	switch {
	case sb.hasChecksums():
		c.checksumType = checksumTypeCRC32C
		c.v2Checksum = v2Running
	case sb.v1Checksum():
		c.checksumType = checksumTypeCRC32
		c.v1Checksum = v1Running
	}
	if err := j.writeLogBlock(c.toBytes(blockSize)); err != nil {
		return err
	}

	// Step 6: link into the checkpoint queue and arm write-back hooks
	// so checkpointing advances as the cache naturally flushes these
	// buffers back to their real locations.
	t.dataCount = len(live)
	for _, lba := range live {
		lba := lba
		if err := j.fs.Cache().OnWritten(lba, func(err error) {
			t.onBufferWritten(lba, err)
		}); err != nil {
			return fmt.Errorf("arming checkpoint hook for block %d: %w", lba, err)
		}
	}

	t.committed = true
	j.enqueueCheckpointLocked(t)
	return nil
}

// onBufferWritten is the EndWriteFunc installed on every buffer this
// transaction dirtied; it advances the checkpoint past this
// transaction once every one of its buffers has reached the device.
func (t *transaction) onBufferWritten(lba uint64, err error) {
	j := t.j
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.log.WithError(err).WithField("lba", lba).Error("jbd2: checkpoint write-back failed")
		return
	}
	t.writtenCount++
	if advErr := j.advanceCheckpointLocked(); advErr != nil {
		j.log.WithError(advErr).Error("jbd2: advancing checkpoint failed")
	}
}

// writeLogBlock appends one already-encoded block to the log at the
// journal's current write cursor, advancing the cursor with wraparound.
func (j *Journal) writeLogBlock(b []byte) error {
	if err := j.fs.WriteJournalBlock(j.inode, j.writeCursor, b); err != nil {
		return fmt.Errorf("jbd2: writing log block %d: %w", j.writeCursor, err)
	}
	j.writeCursor = j.sb.wrap(j.writeCursor + 1)
	return nil
}

// lbaInFlight reports whether any transaction currently in the
// checkpoint queue still carries lba, the predicate
// jbd_trans_try_revoke_block needs (§4.O).
func (j *Journal) lbaInFlight(lba uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for tr := j.cpHead; tr != nil; tr = tr.cpNext {
		if _, ok := tr.dirty[lba]; ok {
			return true
		}
	}
	return false
}

