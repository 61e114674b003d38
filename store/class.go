package store

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pkt-cash/go-annmine/difficulty"
	"github.com/pkt-cash/go-annmine/prooftree"
)

// ErrClassBusy is returned by stealBuf when the class's buffers are in
// active use and cannot be recycled.
var ErrClassBusy = errors.New("class buffers are in use, cannot steal")

// annClass groups the buffers holding announcements for one HeightWork key.
// Its lock is held for read while buffers are bulk-read into a tree snapshot
// and prevents a concurrent steal from recycling them mid-copy. The mining
// flag is an advisory pin set by the miner driver for the classes it is
// actively mining against.
type annClass struct {
	hw     HeightWork
	mining atomic.Bool

	mu   sync.RWMutex
	bufs []*annBuf
}

func newClass(hw HeightWork, bufs ...*annBuf) *annClass {
	return &annClass{hw: hw, bufs: bufs}
}

// pushAnns fills the class's buffers with the indexed records and returns
// how many were consumed. The remainder needs a fresh buffer.
func (c *annClass) pushAnns(anns [][]byte, indexes []uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, b := range c.bufs {
		total += b.pushAnns(anns, indexes[total:])
		if total == len(indexes) {
			break
		}
	}
	return total
}

func (c *annClass) addBuf(b *annBuf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufs = append(c.bufs, b)
}

// stealBuf removes and resets the buffer losing the fewest announcements.
// It refuses while the class is mined or its buffers are being read. The
// second return value is the number of buffers left; at zero the caller
// must remove the class.
func (c *annClass) stealBuf() (*annBuf, int, error) {
	if c.mining.Load() {
		return nil, 0, ErrClassBusy
	}
	if !c.mu.TryLock() {
		return nil, 0, ErrClassBusy
	}
	defer c.mu.Unlock()
	best := 0
	for i, b := range c.bufs {
		if b.readyAnns() < c.bufs[best].readyAnns() {
			best = i
		}
	}
	b := c.bufs[best]
	c.bufs = append(c.bufs[:best], c.bufs[best+1:]...)
	b.reset()
	return b, len(c.bufs), nil
}

func (c *annClass) readyAnns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.bufs {
		n += b.readyAnns()
	}
	return n
}

// readReadyAnns copies the class's (prefix, mloc) records into dst, holding
// the buffers against stealing for the duration.
func (c *annClass) readReadyAnns(dst []prooftree.AnnData) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.bufs {
		n += b.readAnns(dst[n:])
	}
	return n
}

func (c *annClass) numBufs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bufs)
}

func (c *annClass) setMining(mining bool) {
	c.mining.Store(mining)
}

// effectiveWork is the class's age-degraded target relative to the next
// block height. The sentinel marks the class unusable.
func (c *annClass) effectiveWork(nextHeight int32) uint32 {
	age := nextHeight - c.hw.Height
	if age < 0 {
		age = 0
	}
	return difficulty.DegradeAnnouncementTarget(c.hw.Work, uint32(age))
}
