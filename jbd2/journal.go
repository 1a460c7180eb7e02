package jbd2

import (
	"fmt"
	"sync"

	"github.com/embedfs/ext4fs/ext4"
	"github.com/sirupsen/logrus"
)

// Journal binds a JBD2 log to one mounted ext4.FileSystem's journal
// inode. It satisfies ext4.Journal, so mount.go's Mount/Unmount glue
// (§4.P) can bracket metadata changes in transactions without ext4
// importing this package.
type Journal struct {
	fs    *ext4.FileSystem
	inode int64
	sb    *superblock
	log   *logrus.Logger

	mu          sync.Mutex
	nextTransID uint32
	writeCursor uint32 // next free log block to write a new transaction at
	recovered   bool

	cpHead *transaction // checkpoint queue: oldest committed, not yet fully written back
	cpTail *transaction
}

// Open binds a Journal to fs's journal inode, reading its superblock.
// The returned Journal cannot start new transactions until a dirty log
// (sb.start != 0) has been through Recover().
func Open(fs *ext4.FileSystem, log *logrus.Logger) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	inode := int64(fs.Superblock().JournalInode())
	if inode == 0 {
		return nil, fmt.Errorf("jbd2.Open: filesystem has no journal inode")
	}
	raw, err := fs.ReadJournalBlock(inode, 0)
	if err != nil {
		return nil, fmt.Errorf("jbd2.Open: reading journal superblock: %w", err)
	}
	if len(raw) > superblockSize {
		raw = raw[:superblockSize]
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("jbd2.Open: parsing journal superblock: %w", err)
	}

	j := &Journal{fs: fs, inode: inode, sb: sb, log: log, nextTransID: sb.sequence}
	if sb.start == 0 {
		j.writeCursor = sb.first
		j.recovered = true
	}
	return j, nil
}

// Format initializes a brand-new, empty journal of journalBlocks total
// blocks and writes its superblock, for a caller building a filesystem
// from scratch (mkfs) rather than opening an existing one.
func Format(fs *ext4.FileSystem, log *logrus.Logger, journalBlocks uint32) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	inode := int64(fs.Superblock().JournalInode())
	if inode == 0 {
		return nil, fmt.Errorf("jbd2.Format: filesystem has no journal inode")
	}
	sb := newSuperblock(fs.Superblock().BlockSize(), journalBlocks)
	j := &Journal{fs: fs, inode: inode, sb: sb, log: log, nextTransID: sb.sequence, writeCursor: sb.first, recovered: true}
	if err := j.writeSuperblock(); err != nil {
		return nil, fmt.Errorf("jbd2.Format: %w", err)
	}
	return j, nil
}

func (j *Journal) writeSuperblock() error {
	return j.fs.WriteJournalBlock(j.inode, 0, j.sb.toBytes())
}

// Start begins a new transaction, per §4.O's new_trans. The journal
// must have been recovered (a freshly opened journal with a clean log
// is already "recovered").
func (j *Journal) Start() (ext4.JournalHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.recovered {
		return nil, fmt.Errorf("jbd2: journal has not been recovered")
	}
	t := newTransaction(j, j.nextTransID)
	j.nextTransID++
	return t, nil
}

// Close flushes every checkpointed transaction to its real location and
// leaves the log empty, matching §4.P's journal_stop.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.cpHead != nil {
		if err := j.purgeCheckpointLocked(true, false); err != nil {
			return err
		}
	}
	j.sb.start = 0
	return j.writeSuperblock()
}

// enqueueCheckpointLocked links a freshly committed transaction at the
// tail of the checkpoint queue (§4.O step 6). Caller must hold j.mu —
// commit() already does, for the whole of the commit sequence.
func (j *Journal) enqueueCheckpointLocked(t *transaction) {
	t.cpNext = nil
	if j.cpTail == nil {
		j.cpHead, j.cpTail = t, t
		return
	}
	j.cpTail.cpNext = t
	j.cpTail = t
}

// advanceCheckpointLocked is invoked (under j.mu) whenever a tracked
// buffer's write-back completes; if the transaction at the head of the
// queue has now had every one of its buffers written back, it is
// retired and the journal's recovery horizon (sb.start/sequence)
// advances, recursing into whatever is now the new head.
func (j *Journal) advanceCheckpointLocked() error {
	for j.cpHead != nil && j.cpHead.writtenCount >= j.cpHead.dataCount {
		done := j.cpHead
		j.cpHead = done.cpNext
		if j.cpHead == nil {
			j.cpTail = nil
		}

		if j.cpHead != nil {
			j.sb.sequence = j.cpHead.id
			j.sb.start = j.cpHead.logStart
		} else {
			j.sb.sequence = done.id + 1
			j.sb.start = 0
		}
		if err := j.writeSuperblock(); err != nil {
			return err
		}
	}
	return nil
}

// purgeCheckpointLocked forces progress on the checkpoint queue: with
// flush set it writes every remaining tracked buffer of the head
// transaction out synchronously (§4.O's purge_cp_trans); with once set
// it only forces a single transaction's worth of progress instead of
// draining the whole queue.
func (j *Journal) purgeCheckpointLocked(flush, once bool) error {
	for j.cpHead != nil {
		t := j.cpHead
		if flush {
			for _, lba := range t.order {
				if err := j.fs.Cache().FlushLBA(lba); err != nil {
					return fmt.Errorf("checkpointing block %d: %w", lba, err)
				}
			}
		}
		if err := j.advanceCheckpointLocked(); err != nil {
			return err
		}
		if once {
			return nil
		}
		if j.cpHead == t {
			// flush didn't fully retire it (write-back hook never
			// fired synchronously) — avoid spinning forever.
			return nil
		}
	}
	return nil
}

// PurgeCheckpoint forces the checkpoint queue to make progress,
// exported for a caller (e.g. umount, or a cache under memory pressure)
// that needs every committed transaction written back right now.
func (j *Journal) PurgeCheckpoint(flush, once bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.purgeCheckpointLocked(flush, once)
}
