// Package store manages the in-memory pool of announcements submitted to a
// mining node. Announcements live in fixed-capacity buffers grouped into
// classes keyed by (block height, work); when a class needs room, a buffer
// is stolen from the currently least valuable class. Per round, the store
// snapshots a selected set of classes into a flat buffer and hands it to the
// proof tree.
package store

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/pkt-cash/go-annmine/ann"
	"github.com/pkt-cash/go-annmine/difficulty"
	"github.com/pkt-cash/go-annmine/logging"
	"github.com/pkt-cash/go-annmine/prooftree"
)

// DefaultBufSize is the number of announcement slots per buffer.
const DefaultBufSize = 1024

// recentBlocksKept bounds the recent-block cache.
const recentBlocksKept = 64

var (
	annsPushedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "store",
		Name:      "anns_pushed_total",
		Help:      "Number of announcements accepted into the store",
	})
	bufsStolenMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "annmine",
		Subsystem: "store",
		Name:      "bufs_stolen_total",
		Help:      "Number of buffers reassigned between classes",
	})
	liveClassesMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "annmine",
		Subsystem: "store",
		Name:      "live_classes",
		Help:      "Number of announcement classes currently held",
	})
)

// HeightWork keys a class: the block height the announcements target and
// their work. A numerically smaller work is harder and more valuable.
type HeightWork struct {
	Height int32
	Work   uint32
}

func heightWorkLess(a, b HeightWork) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return a.Work < b.Work
}

// freePoolKey is the sentinel class holding unassigned buffers. Its degraded
// work is always the unusable sentinel, so it ranks worst and is drained
// before any real class loses a buffer.
var freePoolKey = HeightWork{Height: 0, Work: difficulty.UnusableTarget}

// AnnChunk is a batch of announcement records handed to PushAnns. Indexes
// selects the records of Anns that belong to the pushed class.
type AnnChunk struct {
	Anns    [][]byte
	Indexes []uint32
}

// ClassInfo is a read-only ranking snapshot of one class.
type ClassInfo struct {
	HW               HeightWork
	AnnCount         int
	AnnEffectiveWork uint32
}

// AnnStore owns the class map. One reader/writer lock guards the whole
// store: PushAnns and Block write, ReadyClasses and ComputeTree read.
type AnnStore struct {
	logger  *zap.Logger
	bufSize int

	mu           sync.RWMutex
	classes      map[HeightWork]*annClass
	recentBlocks *lru.Cache
	tipHeight    int32
}

type Option func(*AnnStore)

// WithBufSize overrides the announcement capacity of each buffer.
func WithBufSize(n int) Option {
	return func(s *AnnStore) { s.bufSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *AnnStore) { s.logger = logger }
}

// New partitions the backing store's slot capacity into buffers and parks
// them all in the free pool, from which they are stolen as classes form.
func New(db *ann.DataBuf, opts ...Option) *AnnStore {
	s := &AnnStore{
		logger:  zap.NewNop(),
		bufSize: DefaultBufSize,
		classes: make(map[HeightWork]*annClass),
	}
	for _, opt := range opts {
		opt(s)
	}
	if db.MaxAnns() < uint32(s.bufSize) {
		panic(fmt.Sprintf("backing store capacity %d is smaller than one buffer (%d)", db.MaxAnns(), s.bufSize))
	}
	s.recentBlocks, _ = lru.New(recentBlocksKept)

	var bufs []*annBuf
	for base := uint32(0); base+uint32(s.bufSize) <= db.MaxAnns(); base += uint32(s.bufSize) {
		bufs = append(bufs, newAnnBuf(db, base, s.bufSize))
	}
	s.classes[freePoolKey] = newClass(freePoolKey, bufs...)
	liveClassesMetric.Set(1)
	return s
}

// Block records a chain-tip observation. The highest height seen defaults
// the next-height used for age degradation during stealing.
func (s *AnnStore) Block(height int32, hash ann.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentBlocks.Add(height, hash)
	if height > s.tipHeight {
		s.tipHeight = height
	}
}

// BlockHash returns a recently observed block hash by height.
func (s *AnnStore) BlockHash(height int32) (ann.Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.recentBlocks.Get(height); ok {
		return v.(ann.Hash), true
	}
	return ann.Hash{}, false
}

// PushAnns writes a batch of announcements under hw, stealing buffers as
// needed until the whole batch is stored. No index is ever dropped.
func (s *AnnStore) PushAnns(hw HeightWork, chunk AnnChunk) {
	if len(chunk.Indexes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := chunk.Indexes
	for {
		if c, ok := s.classes[hw]; ok {
			n := c.pushAnns(chunk.Anns, indexes)
			annsPushedMetric.Add(float64(n))
			if n == len(indexes) {
				return
			}
			indexes = indexes[n:]
		}

		// The batch didn't fit or there was no suitable class yet.
		buf := s.stealNonMiningBuf(s.tipHeight + 1)
		if c, ok := s.classes[hw]; ok {
			c.addBuf(buf)
		} else {
			s.classes[hw] = newClass(hw, buf)
			liveClassesMetric.Set(float64(len(s.classes)))
			s.logger.Debug("created announcement class",
				zap.Int32("height", hw.Height),
				zap.Uint32("work", hw.Work))
		}
	}
}

// stealNonMiningBuf reclaims one buffer from the class with the numerically
// greatest degraded work, skipping classes that refuse. A donor emptied by
// the steal is removed. Exhausting every class is an invariant violation:
// total buffers are conserved and the free pool always ranks worst.
func (s *AnnStore) stealNonMiningBuf(nextHeight int32) *annBuf {
	excluded := make(map[HeightWork]bool)
	for {
		keys := maps.Keys(s.classes)
		slices.SortFunc(keys, heightWorkLess)

		var worst *annClass
		var worstKey HeightWork
		var worstWork uint32
		for _, k := range keys {
			if excluded[k] {
				continue
			}
			if w := s.classes[k].effectiveWork(nextHeight); worst == nil || w > worstWork {
				worstKey, worst, worstWork = k, s.classes[k], w
			}
		}
		if worst == nil {
			panic("no announcement class can donate a buffer")
		}

		buf, remaining, err := worst.stealBuf()
		if err != nil {
			excluded[worstKey] = true
			continue
		}
		bufsStolenMetric.Inc()
		if remaining == 0 {
			delete(s.classes, worstKey)
			liveClassesMetric.Set(float64(len(s.classes)))
			s.logger.Debug("destroyed empty announcement class",
				zap.Int32("height", worstKey.Height),
				zap.Uint32("work", worstKey.Work))
		}
		return buf
	}
}

// ReadyClasses ranks the classes that can contribute to a block at
// nextHeight, most valuable first. Classes whose degraded work is the
// unusable sentinel are excluded, which always covers the free pool.
func (s *AnnStore) ReadyClasses(nextHeight int32) []ClassInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := maps.Keys(s.classes)
	infos := make([]ClassInfo, len(keys))
	var eg errgroup.Group
	for i, hw := range keys {
		i, hw, c := i, hw, s.classes[hw]
		eg.Go(func() error {
			infos[i] = ClassInfo{
				HW:               hw,
				AnnCount:         c.readyAnns(),
				AnnEffectiveWork: c.effectiveWork(nextHeight),
			}
			return nil
		})
	}
	_ = eg.Wait()

	ready := make([]ClassInfo, 0, len(infos))
	for _, ci := range infos {
		if ci.AnnEffectiveWork != difficulty.UnusableTarget {
			ready = append(ready, ci)
		}
	}
	slices.SortFunc(ready, func(a, b ClassInfo) bool {
		if a.AnnEffectiveWork != b.AnnEffectiveWork {
			return a.AnnEffectiveWork < b.AnnEffectiveWork
		}
		return heightWorkLess(a.HW, b.HW)
	})
	return ready
}

// SetMining pins or releases a class against buffer stealing. It reports
// whether the class exists.
func (s *AnnStore) SetMining(hw HeightWork, mining bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[hw]
	if ok {
		c.setMining(mining)
	}
	return ok
}

// ComputeTree snapshots the selected classes' announcements into the tree's
// scratch buffer and computes the commitment. The read lock spans selection
// through copy, so the snapshot is consistent: no writer can add or remove
// classes or announcements mid-operation. Every key must name an existing
// class; a miss is a caller defect. On success the surviving announcements'
// backing-store locations are returned in leaf order.
func (s *AnnStore) ComputeTree(ctx context.Context, set []HeightWork, pt *prooftree.ProofTree) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	classes := make([]*annClass, len(set))
	for i, hw := range set {
		c, ok := s.classes[hw]
		if !ok {
			panic(fmt.Sprintf("compute tree: no class for height %d work %#x", hw.Height, hw.Work))
		}
		classes[i] = c
	}

	// Count again under the lock; counts may have moved since selection.
	counts := make([]int, len(classes))
	total := 0
	for i, c := range classes {
		counts[i] = c.readyAnns()
		total += counts[i]
	}
	if total > int(pt.Capacity()) {
		return nil, prooftree.ErrTooManyAnns
	}

	// Split the scratch buffer into per-class regions and copy in parallel.
	var eg errgroup.Group
	off := 0
	for i, c := range classes {
		region := pt.AnnData[off : off+counts[i]]
		off += counts[i]
		c := c
		eg.Go(func() error {
			c.readReadyAnns(region)
			return nil
		})
	}
	_ = eg.Wait()

	if err := pt.Compute(ctx, total); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("computed announcement tree",
		zap.Int("classes", len(set)),
		zap.Int("anns", total),
		zap.Uint32("survivors", pt.Size()))
	return pt.IndexTable(), nil
}
