package ext4

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// bufferFlags mirrors §3's {UPTODATE, DIRTY, FLUSH, TMP} flag set.
type bufferFlags uint8

const (
	flagUptodate bufferFlags = 1 << iota
	flagDirty
	flagFlush
	flagTmp
)

// Buffer is a cache entry: the invariants from §3 are enforced by Cache,
// never by Buffer itself, since mutation always goes through the cache's
// lock.
type Buffer struct {
	lba      uint64
	data     []byte
	refcount int
	flags    bufferFlags

	endWrite    func(b *Buffer, err error)
	endWriteArg interface{}

	elem *list.Element // this buffer's node in the cache's LRU list
}

func (b *Buffer) Uptodate() bool { return b.flags&flagUptodate != 0 }
func (b *Buffer) Dirty() bool    { return b.flags&flagDirty != 0 }
func (b *Buffer) LBA() uint64    { return b.lba }
func (b *Buffer) Data() []byte   { return b.data }

// MarkDirty sets the dirty flag. Per the invariant in §3, a buffer may
// only be dirty if it is also up to date.
func (b *Buffer) MarkDirty() {
	b.flags |= flagDirty | flagUptodate
}

// SetEndWrite installs the write-completion callback a JBD2 transaction
// uses to track checkpoint progress (§4.O). The callback must not outlive
// the journal that installed it (§9) — callers are responsible for
// draining the cache before journal teardown.
func (b *Buffer) SetEndWrite(cb func(b *Buffer, err error), arg interface{}) {
	b.endWrite = cb
	b.endWriteArg = arg
}

// Block is the caller-visible handle: {lba, data pointer, owning buffer,
// dirty flag} per §3.
type Block struct {
	LBA   uint64
	Data  []byte
	Dirty bool

	buf   *Buffer
	cache *Cache
}

// Cache is component D: a reference-counted, LRU-ordered buffer cache
// sitting between logical filesystem blocks and the underlying device.
type Cache struct {
	bd        *BlockDevice
	blockSize int
	capacity  int
	writeBack bool

	mu      sync.Mutex
	byLBA   map[uint64]*Buffer
	lru     *list.List // front = most recently used, back = eviction candidate
	pending []*Buffer  // not read or written by any Cache method

	log *logrus.Logger
}

// NewCache creates a buffer cache of capacity entries, each blockSize
// bytes, backed by bd. Write-back starts enabled, matching a freshly
// mounted filesystem with no in-flight journal.
func NewCache(bd *BlockDevice, blockSize, capacity int, log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		bd:        bd,
		blockSize: blockSize,
		capacity:  capacity,
		writeBack: true,
		byLBA:     make(map[uint64]*Buffer, capacity),
		lru:       list.New(),
		log:       log,
	}
}

// Get returns a refcounted Block for lba, reading through to the device
// on a cache miss.
func (c *Cache) Get(lba uint64) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if buf, ok := c.byLBA[lba]; ok {
		c.touch(buf)
		buf.refcount++
		c.log.WithField("lba", lba).Debug("buffer cache hit")
		return c.handle(buf), nil
	}

	buf, err := c.allocateLocked(lba)
	if err != nil {
		return nil, err
	}
	data := make([]byte, c.blockSize)
	if err := c.bd.Bread(data, lba, 1); err != nil {
		return nil, newErr("Cache.Get", EIO, err)
	}
	buf.data = data
	buf.flags |= flagUptodate
	buf.refcount = 1
	c.byLBA[lba] = buf
	buf.elem = c.lru.PushFront(buf)
	c.log.WithField("lba", lba).Debug("buffer cache miss, read through")
	return c.handle(buf), nil
}

// GetZeroed is like Get but for a brand-new block that does not need a
// device read (e.g. a freshly allocated, about-to-be-zeroed index block).
func (c *Cache) GetZeroed(lba uint64) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.byLBA[lba]; ok {
		c.touch(buf)
		buf.refcount++
		return c.handle(buf), nil
	}
	buf, err := c.allocateLocked(lba)
	if err != nil {
		return nil, err
	}
	buf.data = make([]byte, c.blockSize)
	buf.flags |= flagUptodate
	buf.refcount = 1
	c.byLBA[lba] = buf
	buf.elem = c.lru.PushFront(buf)
	return c.handle(buf), nil
}

func (c *Cache) handle(buf *Buffer) *Block {
	return &Block{LBA: buf.lba, Data: buf.data, Dirty: buf.Dirty(), buf: buf, cache: c}
}

// touch moves an already-cached, refcounted buffer to the front of the
// LRU list. Per §4.D: on hit, if refcount==0 detach from LRU, bump
// lru_id, reattach only when refcount returns to zero — modeled here by
// simply always re-pushing to front; a buffer with refcount>0 is never a
// candidate for eviction regardless of its list position (checked at
// evict time), so its exact position while pinned is immaterial.
func (c *Cache) touch(buf *Buffer) {
	if buf.elem != nil {
		c.lru.MoveToFront(buf.elem)
	}
}

func (c *Cache) allocateLocked(lba uint64) (*Buffer, error) {
	if len(c.byLBA) >= c.capacity {
		if err := c.evictOneLocked(); err != nil {
			return nil, err
		}
	}
	return &Buffer{lba: lba}, nil
}

// evictOneLocked evicts the LRU-smallest entry whose refcount is zero,
// flushing it synchronously first if dirty, per §4.D step 2.
func (c *Cache) evictOneLocked() error {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		buf := e.Value.(*Buffer)
		if buf.refcount != 0 {
			continue
		}
		if buf.Dirty() {
			if !c.writeBack {
				// write-back mode is off: a dirty buffer is skipped
				// here and stays cached; Put writes dirty buffers
				// through in this mode.
				continue
			}
			if err := c.writeOutLocked(buf); err != nil {
				return newErr("evictOneLocked", EIO, err)
			}
		}
		c.lru.Remove(e)
		delete(c.byLBA, buf.lba)
		return nil
	}
	return newErr("evictOneLocked", ENOMEM, fmt.Errorf("cache full: no evictable (refcount==0) buffer available"))
}

func (c *Cache) writeOutLocked(buf *Buffer) error {
	if err := c.bd.Bwrite(buf.data, buf.lba, 1); err != nil {
		if buf.endWrite != nil {
			buf.endWrite(buf, err)
		}
		return err
	}
	buf.flags &^= flagDirty
	if buf.endWrite != nil {
		buf.endWrite(buf, nil)
	}
	return nil
}

// Put releases a Block obtained from Get/GetZeroed. The dirty flag on
// blk propagates back into the buffer; if write-back is disabled and the
// buffer is dirty, it is flushed synchronously after the refcount drops,
// before Put returns (§4.D: "block_set(B) ... observes B's data on the device" when
// write-back is off).
func (c *Cache) Put(blk *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := blk.buf
	if blk.Dirty {
		buf.MarkDirty()
	}
	if buf.refcount <= 0 {
		return newErr("Cache.Put", EINVAL, fmt.Errorf("refcount underflow on lba %d", buf.lba))
	}
	buf.refcount--
	if buf.refcount == 0 {
		c.touch(buf)
	}
	if buf.Dirty() && !c.writeBack {
		return c.writeOutLocked(buf)
	}
	return nil
}

// FlushBuf writes one buffer's data to the device unconditionally,
// clearing its dirty flag.
func (c *Cache) FlushBuf(buf *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeOutLocked(buf)
}

// FlushLBA writes the buffer for lba if it is present in the cache.
func (c *Cache) FlushLBA(lba uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.byLBA[lba]
	if !ok {
		return nil
	}
	if !buf.Dirty() {
		return nil
	}
	return c.writeOutLocked(buf)
}

// SetWriteBack toggles write-back mode. Turning it off flushes every
// dirty buffer immediately, and from then on Put writes dirty buffers
// through synchronously. Turning it on flushes nothing; dirty buffers
// are then written on eviction or by FlushBuf/FlushLBA/FlushAll.
func (c *Cache) SetWriteBack(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.writeBack
	c.writeBack = on
	if !prev && on {
		return nil
	}
	if prev && !on {
		// flush everything currently dirty so no deferred-dirty buffer
		// survives the mode flip unflushed.
		for e := c.lru.Front(); e != nil; e = e.Next() {
			buf := e.Value.(*Buffer)
			if buf.Dirty() {
				if err := c.writeOutLocked(buf); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// FlushAll writes every dirty buffer to the device, in LBA order of
// submission is not guaranteed across the whole cache (only per end-write
// callback ordering within one Put/eviction path matters per §4.D); this
// is used by umount to guarantee no data is left behind.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*Buffer)
		if buf.Dirty() {
			if err := c.writeOutLocked(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len reports the number of cached entries, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byLBA)
}

// EndWriteFunc is invoked once a dirty buffer's data has reached the
// device, the hook a JBD2 transaction uses to advance its written_cnt
// toward checkpoint completion (§4.O) without reaching into the cache's
// unexported Buffer type.
type EndWriteFunc func(err error)

// OnWritten arranges for cb to run the next time lba's buffer is written
// back to the device, whether via Put, FlushBuf/FlushLBA/FlushAll, or
// eviction. lba must already be resident (obtained via a prior
// Get/GetZeroed) when this is called.
func (c *Cache) OnWritten(lba uint64, cb EndWriteFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.byLBA[lba]
	if !ok {
		return newErr("Cache.OnWritten", EINVAL, fmt.Errorf("lba %d not resident in cache", lba))
	}
	buf.SetEndWrite(func(b *Buffer, err error) {
		b.SetEndWrite(nil, nil)
		cb(err)
	}, nil)
	return nil
}
