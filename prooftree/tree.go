// Package prooftree builds the per-round commitment over the announcement
// set: a binary hash tree whose leaves partition the 64-bit hash-prefix space
// into contiguous intervals, enabling compact range-inclusion proofs.
package prooftree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/pkt-cash/go-annmine/ann"
	"github.com/pkt-cash/go-annmine/logging"
)

var (
	ErrAlreadyComputed = errors.New("tree is in computed state, call Reset first")
	ErrNoAnns          = errors.New("no announcements, cannot compute tree")
	ErrTooManyAnns     = errors.New("too many announcements")
	ErrNotComputed     = errors.New("not in computed state, call Compute first")
	ErrAnnOutOfRange   = errors.New("announcement number out of range")
)

var (
	computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "annmine",
		Subsystem: "prooftree",
		Name:      "compute_duration_seconds",
		Help:      "Time spent computing the announcement proof tree",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	treeSizeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "annmine",
		Subsystem: "prooftree",
		Name:      "committed_anns",
		Help:      "Number of announcements in the last computed tree",
	})
)

// HashSource looks up the hash of the announcement stored at a miner
// location index. ann.DataBuf satisfies it.
type HashSource interface {
	AnnHash(mloc uint32) *ann.Hash
}

// AnnData is one entry of the flat scratch buffer handed to Compute: the
// 64-bit hash prefix of an announcement and its backing-store location.
type AnnData struct {
	HashPfx uint64
	MLoc    uint32
}

// EntrySize is the serialized size of one tree entry: 32-byte hash plus two
// little-endian 64-bit interval bounds.
const EntrySize = 48

// Entry is one node of the tree. For leaves, [Start, End) is the half-open
// interval of the prefix space owned by the leaf.
type Entry struct {
	Hash  ann.Hash
	Start uint64
	End   uint64
}

func appendEntry(dst []byte, e *Entry) []byte {
	dst = append(dst, e.Hash[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, e.Start)
	return binary.LittleEndian.AppendUint64(dst, e.End)
}

func readEntry(e *Entry, src []byte) {
	copy(e.Hash[:], src[:32])
	e.Start = binary.LittleEndian.Uint64(src[32:40])
	e.End = binary.LittleEndian.Uint64(src[40:48])
}

// paddingEntry fills the odd slot of a layer so pairing always succeeds. Its
// interval is collapsed to [MAX, MAX] and cannot match any real hash.
var paddingEntry = Entry{
	Hash: ann.Hash{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	},
	Start: math.MaxUint64,
	End:   math.MaxUint64,
}

// combineEntries derives a parent node from two adjacent children: the hash
// is blake3 over the two serialized entries, the interval is the union of the
// children's intervals.
func combineEntries(parent, left, right *Entry) {
	h := blake3.New()
	var buf [EntrySize]byte
	h.Write(appendEntry(buf[:0], left))
	h.Write(appendEntry(buf[:0], right))
	sum := h.Sum(nil)
	copy(parent.Hash[:], sum)
	parent.Start = left.Start
	parent.End = right.End
}

// entryCount is the closed-form size of the scratch table for a padded
// binary tree over totalLeaves leaves.
func entryCount(totalLeaves uint64) uint64 {
	out := uint64(0)
	for totalLeaves > 1 {
		totalLeaves += totalLeaves & 1
		out += totalLeaves
		totalLeaves >>= 1
	}
	return out + 1
}

// ProofTree computes the commitment over one round's announcement set. It is
// created once per mining session and cycled Reset -> fill AnnData ->
// Compute -> Commit/MkProof. It is single-owner: the caller must not run two
// Computes concurrently.
type ProofTree struct {
	src      HashSource
	tbl      []Entry
	capacity uint32

	// AnnData is the scratch buffer the caller fills before Compute. Only
	// the first count entries passed to Compute are read.
	AnnData []AnnData

	indexTable  []uint32
	size        uint32
	rootHash    *ann.Hash
	totalLeaves uint64
}

func New(maxAnns uint32, src HashSource) *ProofTree {
	return &ProofTree{
		src:        src,
		capacity:   maxAnns,
		tbl:        make([]Entry, entryCount(uint64(maxAnns)+1)),
		AnnData:    make([]AnnData, maxAnns),
		indexTable: make([]uint32, 0, maxAnns),
	}
}

func (t *ProofTree) Capacity() uint32 { return t.capacity }

// Size is the number of announcements surviving deduplication in the last
// computed tree, excluding the zero sentinel. Zero before the first Compute.
func (t *ProofTree) Size() uint32 { return t.size }

// Root returns the root hash of the computed tree.
func (t *ProofTree) Root() (ann.Hash, bool) {
	if t.rootHash == nil {
		return ann.Hash{}, false
	}
	return *t.rootHash, true
}

// IndexTable returns the backing-store locations of the surviving
// announcements, in leaf order.
func (t *ProofTree) IndexTable() []uint32 {
	return append([]uint32(nil), t.indexTable...)
}

// Reset clears the computed state so the tree can be reused for the next
// round. Storage is retained.
func (t *ProofTree) Reset() {
	t.size = 0
	t.rootHash = nil
}

// Compute sorts, deduplicates and hashes the first count entries of AnnData
// into the tree. It is all-or-nothing: on error no root is exposed. A sort
// order or interval violation indicates internal corruption and panics.
func (t *ProofTree) Compute(ctx context.Context, count int) error {
	if t.rootHash != nil {
		return ErrAlreadyComputed
	}
	if count == 0 {
		return ErrNoAnns
	}
	if count > int(t.capacity) {
		return ErrTooManyAnns
	}
	logger := logging.FromContext(ctx)
	started := time.Now()

	data := t.AnnData[:count]
	slices.SortFunc(data, func(a, b AnnData) bool { return a.HashPfx < b.HashPfx })
	logger.Debug("sorted announcement prefixes",
		zap.Int("count", count),
		zap.Duration("elapsed", time.Since(started)))

	// Drop duplicated prefixes, keeping the backing location of each
	// survivor. An announcement with prefix zero collides with the sentinel
	// leaf and is dropped with the duplicates.
	t.indexTable = t.indexTable[:0]
	lastPfx := uint64(0)
	for _, d := range data {
		switch {
		case d.HashPfx == lastPfx:
		case d.HashPfx < lastPfx:
			panic(fmt.Sprintf("announcement list not sorted: %#x < %#x", d.HashPfx, lastPfx))
		default:
			lastPfx = d.HashPfx
			t.indexTable = append(t.indexTable, d.MLoc)
		}
	}
	n := len(t.indexTable)
	if n == 0 {
		return ErrNoAnns
	}

	// Leaf entries: entry 0 is the zero sentinel, survivors follow in
	// prefix order, the last leaf capped at the top of the prefix space.
	parallelFor(n, func(i int) {
		h := t.src.AnnHash(t.indexTable[i])
		end := uint64(math.MaxUint64)
		if i+1 < n {
			end = t.src.AnnHash(t.indexTable[i+1]).Prefix()
		}
		e := &t.tbl[i+1]
		e.Hash = *h
		e.Start = h.Prefix()
		e.End = end
		if e.End <= e.Start {
			panic(fmt.Sprintf("leaf interval not monotonic: [%#x, %#x)", e.Start, e.End))
		}
	})
	t.tbl[0] = Entry{End: t.tbl[1].Start}
	if t.tbl[0].End == 0 {
		panic("sentinel leaf interval is empty")
	}
	logger.Debug("leaf entries built", zap.Int("survivors", n))

	// Build internal layers bottom up, padding odd layers so every node
	// has a sibling.
	totalLeaves := uint64(n + 1)
	countThisLayer := totalLeaves
	idx, odx := uint64(0), totalLeaves
	for countThisLayer > 1 {
		if t.tbl[idx+countThisLayer-1].End != math.MaxUint64 {
			panic("layer does not cover the top of the prefix space")
		}
		if countThisLayer&1 != 0 {
			t.tbl[odx] = paddingEntry
			countThisLayer++
			odx++
		}
		pairs := countThisLayer / 2
		in := t.tbl[idx : idx+countThisLayer]
		out := t.tbl[odx : odx+pairs]
		parallelFor(int(pairs), func(p int) {
			combineEntries(&out[p], &in[2*p], &in[2*p+1])
		})
		idx += countThisLayer
		countThisLayer = pairs
		odx += pairs
	}
	root := &t.tbl[idx]
	if root.Start != 0 || root.End != math.MaxUint64 {
		panic("proof tree root does not cover the full prefix space")
	}

	rh := root.Hash
	t.rootHash = &rh
	t.size = uint32(n)
	t.totalLeaves = totalLeaves

	computeDuration.Observe(time.Since(started).Seconds())
	treeSizeMetric.Set(float64(n))
	logger.Debug("proof tree computed",
		zap.Int("anns", count),
		zap.Int("survivors", n),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// parallelFor fans fn out across the CPUs in contiguous chunks and joins
// before returning.
func parallelFor(n int, fn func(i int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var eg errgroup.Group
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		eg.Go(func() error {
			for i := lo; i < hi; i++ {
				fn(i)
			}
			return nil
		})
	}
	_ = eg.Wait()
}
