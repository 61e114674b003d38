package prooftree

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkt-cash/go-annmine/ann"
)

// newTestTree stores the records in a fresh backing store and fills the
// tree's scratch buffer with their (prefix, mloc) entries.
func newTestTree(capacity uint32, records [][]byte) *ProofTree {
	db := ann.NewDataBuf(capacity)
	pt := New(capacity, db)
	for i, rec := range records {
		mloc := uint32(i)
		db.PutAnn(mloc, rec)
		pt.AnnData[i] = AnnData{HashPfx: db.AnnHash(mloc).Prefix(), MLoc: mloc}
	}
	return pt
}

func randRecords(seed int64, n int) [][]byte {
	rng := rand.New(rand.NewSource(seed))
	records := make([][]byte, n)
	for i := range records {
		rec := make([]byte, 64)
		rng.Read(rec)
		records[i] = rec
	}
	return records
}

func TestCommitLayout(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(32, randRecords(1, 10))
	r.NoError(pt.Compute(context.Background(), 10))

	const minWork = uint32(0x1c0fffff)
	commit, err := pt.Commit(minWork)
	r.NoError(err)
	r.Len(commit, CommitLen)
	r.Equal([]byte{0x09, 0xf9, 0x11, 0x02}, commit[0:4])
	r.Equal(minWork, binary.LittleEndian.Uint32(commit[4:8]))
	root, ok := pt.Root()
	r.True(ok)
	r.Equal(root[:], commit[8:40])
	r.Equal(uint64(pt.Size()), binary.LittleEndian.Uint64(commit[40:48]))
}

func TestComputeIdempotentAcrossReset(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(64, randRecords(2, 20))
	r.NoError(pt.Compute(context.Background(), 20))
	root1, _ := pt.Root()
	size1 := pt.Size()

	pt.Reset()
	r.NoError(pt.Compute(context.Background(), 20))
	root2, _ := pt.Root()
	r.Equal(root1, root2)
	r.Equal(size1, pt.Size())
}

func TestComputeOrderInsensitive(t *testing.T) {
	r := require.New(t)
	records := randRecords(3, 17)

	pt1 := newTestTree(32, records)
	r.NoError(pt1.Compute(context.Background(), len(records)))

	pt2 := newTestTree(32, records)
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		pt2.AnnData[i], pt2.AnnData[j] = pt2.AnnData[j], pt2.AnnData[i]
	}
	r.NoError(pt2.Compute(context.Background(), len(records)))

	root1, _ := pt1.Root()
	root2, _ := pt2.Root()
	r.Equal(root1, root2)
	r.Equal(pt1.Size(), pt2.Size())
}

func TestDuplicatePrefixesCollapse(t *testing.T) {
	r := require.New(t)
	records := randRecords(4, 12)

	unique := newTestTree(32, records)
	r.NoError(unique.Compute(context.Background(), len(records)))

	// Three extra copies of one record share its prefix and must collapse.
	dup := append(records, records[5], records[5], records[5])
	withDups := newTestTree(32, dup)
	r.NoError(withDups.Compute(context.Background(), len(dup)))

	r.Equal(unique.Size(), withDups.Size())
	root1, _ := unique.Root()
	root2, _ := withDups.Root()
	r.Equal(root1, root2)
}

func TestLeavesPartitionPrefixSpace(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(64, randRecords(5, 23))
	r.NoError(pt.Compute(context.Background(), 23))

	n := int(pt.Size())
	r.Zero(pt.tbl[0].Start)
	for i := 0; i <= n; i++ {
		e := pt.tbl[i]
		r.Greater(e.End, e.Start, "leaf %d", i)
		if i < n {
			r.Equal(e.End, pt.tbl[i+1].Start, "leaf %d", i)
		}
	}
	r.Equal(uint64(math.MaxUint64), pt.tbl[n].End)
}

func TestComputeInputValidation(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	pt := newTestTree(16, randRecords(6, 8))

	r.ErrorIs(pt.Compute(ctx, 0), ErrNoAnns)
	r.ErrorIs(pt.Compute(ctx, 17), ErrTooManyAnns)

	r.NoError(pt.Compute(ctx, 8))
	r.ErrorIs(pt.Compute(ctx, 8), ErrAlreadyComputed)

	pt.Reset()
	r.NoError(pt.Compute(ctx, 8))
}

func TestCommitBeforeComputeFails(t *testing.T) {
	pt := newTestTree(16, randRecords(7, 4))
	_, err := pt.Commit(0)
	require.ErrorIs(t, err, ErrNotComputed)
}

func TestIndexTableMapsSurvivorsInLeafOrder(t *testing.T) {
	r := require.New(t)
	db := ann.NewDataBuf(16)
	pt := New(16, db)
	records := randRecords(8, 9)
	for i, rec := range records {
		db.PutAnn(uint32(i), rec)
		pt.AnnData[i] = AnnData{HashPfx: db.AnnHash(uint32(i)).Prefix(), MLoc: uint32(i)}
	}
	r.NoError(pt.Compute(context.Background(), 9))

	index := pt.IndexTable()
	r.Len(index, int(pt.Size()))
	var lastPfx uint64
	for _, mloc := range index {
		pfx := db.AnnHash(mloc).Prefix()
		r.Greater(pfx, lastPfx)
		lastPfx = pfx
	}
}

func TestEntryCountMatchesLayout(t *testing.T) {
	r := require.New(t)
	r.Equal(uint64(1), entryCount(1))
	r.Equal(uint64(3), entryCount(2))
	r.Equal(uint64(7), entryCount(3))
	r.Equal(uint64(7), entryCount(4))
	r.Equal(uint64(13), entryCount(5))

	for leaves := uint64(1); leaves <= 64; leaves++ {
		spans := layerLayout(leaves)
		root := spans[len(spans)-1]
		r.Equal(entryCount(leaves), root.off+root.count, "leaves %d", leaves)
	}
}

func BenchmarkCompute(b *testing.B) {
	const n = 1 << 14
	pt := newTestTree(n, randRecords(9, n))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pt.Reset()
		if err := pt.Compute(ctx, n); err != nil {
			b.Fatal(err)
		}
	}
}
