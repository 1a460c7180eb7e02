package jbd2

import (
	"encoding/binary"
	"fmt"
)

// revokeEntry is one (block, trans_id) pair in the revoke tree built by
// the Revoke pass: later entries for the same block replace earlier
// ones, per §4.N.
type revokeEntry struct {
	trans uint32
}

// recoverInfo carries state across the three passes of one Recover()
// call, mirroring lwext4's struct recover_info.
type recoverInfo struct {
	startTrans uint32
	lastTrans  uint32
	revoke     map[uint64]revokeEntry
}

const (
	passScan = iota
	passRevoke
	passReplay
)

// wrap folds a log-relative block index back into [first, maxLen), the
// circular-buffer arithmetic every pass needs after each block it
// consumes (§4.M "the log wraps").
func (sb *superblock) wrap(blk uint32) uint32 {
	if blk >= sb.maxLen {
		blk -= sb.maxLen - sb.first
	}
	return blk
}

// Recover runs the three-pass recovery algorithm from §4.N: Scan to
// find the range of committed transactions, Revoke to learn which
// blocks must not be replayed, Replay to actually apply tagged blocks.
// A clean log (start==0) is a no-op, matching lwext4's jbd_recover.
func (j *Journal) Recover() error {
	if j.sb.start == 0 {
		return nil
	}

	info := &recoverInfo{revoke: make(map[uint64]revokeEntry)}
	if err := j.iterateLog(info, passScan); err != nil {
		return fmt.Errorf("journal scan: %w", err)
	}
	if err := j.iterateLog(info, passRevoke); err != nil {
		return fmt.Errorf("journal revoke: %w", err)
	}
	if err := j.iterateLog(info, passReplay); err != nil {
		return fmt.Errorf("journal replay: %w", err)
	}

	j.sb.start = 0
	j.sb.sequence = info.lastTrans
	if err := j.writeSuperblock(); err != nil {
		return fmt.Errorf("persisting journal superblock after recovery: %w", err)
	}
	j.writeCursor = j.sb.first
	j.nextTransID = j.sb.sequence
	j.recovered = true

	if j.fs.Superblock().RecoveryNeeded() {
		j.fs.Superblock().SetRecoveryNeeded(false)
		if err := j.fs.FlushSuperblock(); err != nil {
			return fmt.Errorf("clearing recovery-needed flag: %w", err)
		}
	}

	j.log.WithFields(map[string]interface{}{
		"start_trans": info.startTrans,
		"last_trans":  info.lastTrans,
	}).Info("journal recovery complete")
	return nil
}

// iterateLog walks the log circularly from sb.start, exactly as
// ext4_journal.c's jbd_iterate_log does for its three actions.
func (j *Journal) iterateLog(info *recoverInfo, action int) error {
	startTrans := j.sb.sequence
	thisTrans := startTrans
	thisBlock := j.sb.start

walk:
	for {
		if action != passScan && thisTrans > info.lastTrans {
			break
		}

		raw, err := j.fs.ReadJournalBlock(j.inode, thisBlock)
		if err != nil {
			break
		}
		h, err := headerFromBytes(raw[0:headerSize])
		if err != nil {
			// not a valid journal block: end of the log.
			break
		}
		if h.sequence != thisTrans {
			if action != passScan {
				return fmt.Errorf("journal block %d: expected trans %d, found %d", thisBlock, thisTrans, h.sequence)
			}
			break
		}

		switch h.blockType {
		case blockTypeDescriptor:
			d, err := descriptorBlockFromBytes(raw, j.sb)
			if err != nil {
				return err
			}
			if action == passReplay {
				if err := j.replayDescriptor(d, info, thisTrans, &thisBlock); err != nil {
					return err
				}
			} else {
				// not replaying: still have to walk the cursor past
				// this descriptor's interleaved data blocks to reach
				// the next real journal block header.
				j.advanceCursor(&thisBlock, len(d.tags))
			}
		case blockTypeCommit:
			thisTrans++
		case blockTypeRevoke:
			if action == passRevoke {
				r, err := revokeBlockFromBytes(raw, j.sb)
				if err != nil {
					return err
				}
				for _, blk := range r.blocks {
					j.addRevoke(info, blk, thisTrans)
				}
			}
		default:
			break walk
		}

		thisBlock = j.sb.wrap(thisBlock + 1)
		if thisBlock == j.sb.start {
			break
		}
	}

	if action == passScan {
		info.startTrans = startTrans
		if thisTrans > startTrans {
			info.lastTrans = thisTrans - 1
		} else {
			info.lastTrans = thisTrans
		}
	}
	return nil
}

// replayDescriptor applies every tagged block following a descriptor
// block, consuming one log block per tag (the descriptor's own data
// blocks are interleaved with it, not the following descriptor), and
// advances *cursor past them — mirroring ext4_journal.c's
// jbd_replay_block_tags, which increments this_block once per tag
// before reading its data. thisTrans is the transaction this descriptor
// itself belongs to (the replay pass's own walk, not the Revoke pass's
// final value), so a block revoked by an earlier transaction doesn't
// suppress a later transaction's write of that same block.
func (j *Journal) replayDescriptor(d *descriptorBlock, info *recoverInfo, thisTrans uint32, cursor *uint32) error {
	for _, t := range d.tags {
		*cursor = j.sb.wrap(*cursor + 1)

		if entry, revoked := info.revoke[t.block]; revoked && entry.trans >= thisTrans {
			continue
		}

		data, err := j.fs.ReadJournalBlock(j.inode, *cursor)
		if err != nil {
			continue
		}

		if t.flags&tagFlagEscape != 0 {
			// this data block's real first 4 bytes collided with the
			// journal magic and were zeroed at commit time; restore
			// them before writing back (§4.M "ESCAPE").
			binary.BigEndian.PutUint32(data[0:4], journalMagic)
		}

		if t.block == 0 {
			if err := j.mergeSuperblockMirror(data); err != nil {
				j.log.WithError(err).Warn("journal replay: superblock mirror merge failed")
			}
			continue
		}
		if err := j.fs.WriteBlock(t.block, data); err != nil {
			return fmt.Errorf("replaying block %d: %w", t.block, err)
		}
	}
	return nil
}

// mergeSuperblockMirror writes back a journaled copy of block 0 (which
// holds the ext4 superblock at byte offset 1024) while preserving the
// currently-running mount's mount count and filesystem state, per
// §4.N point 3: a journaled superblock snapshot predates this mount's
// own bookkeeping and must not regress it.
func (j *Journal) mergeSuperblockMirror(journaled []byte) error {
	current, err := j.fs.ReadBlock(0)
	if err != nil {
		return err
	}
	if len(journaled) != len(current) {
		return fmt.Errorf("superblock mirror block size mismatch: journaled %d, current %d", len(journaled), len(current))
	}

	const sbOff = 1024 // Superblock0Offset within block 0
	const mountCountOff = sbOff + 0x34
	const stateOff = sbOff + 0x3a
	if len(current) >= stateOff+2 {
		binary.LittleEndian.PutUint16(journaled[mountCountOff:mountCountOff+2], binary.LittleEndian.Uint16(current[mountCountOff:mountCountOff+2]))
		binary.LittleEndian.PutUint16(journaled[stateOff:stateOff+2], binary.LittleEndian.Uint16(current[stateOff:stateOff+2]))
	}
	return j.fs.WriteBlock(0, journaled)
}

// advanceCursor walks *cursor forward n blocks, one at a time so each
// step gets the log's circular wrap applied individually (a multi-block
// descriptor can wrap mid-walk just as easily as a single increment
// can).
func (j *Journal) advanceCursor(cursor *uint32, n int) {
	for i := 0; i < n; i++ {
		*cursor = j.sb.wrap(*cursor + 1)
	}
}

// addRevoke inserts or refreshes one revoke-tree entry: a later
// transaction's revoke always wins over an earlier one for the same
// block, per §4.N "later entries replacing earlier".
func (j *Journal) addRevoke(info *recoverInfo, block uint64, trans uint32) {
	if existing, ok := info.revoke[block]; ok {
		existing.trans = trans
		info.revoke[block] = existing
		return
	}
	info.revoke[block] = revokeEntry{trans: trans}
}
