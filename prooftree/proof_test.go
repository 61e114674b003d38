package prooftree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMkProofRoundTrip(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(32, randRecords(20, 13))
	r.NoError(pt.Compute(context.Background(), 13))

	size := pt.Size()
	r.GreaterOrEqual(size, uint32(4))
	nums := [4]uint64{0, 1, uint64(size) / 2, uint64(size) - 1}

	proof, err := pt.MkProof(nums)
	r.NoError(err)
	r.NotEmpty(proof)

	spans := layerLayout(uint64(size) + 1)
	r.Len(proof, 4*len(spans)*EntrySize)

	root, ok := pt.Root()
	r.True(ok)
	r.NoError(VerifyProof(root, size, nums, proof))
}

func TestVerifyProofRejectsTampering(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(32, randRecords(21, 9))
	r.NoError(pt.Compute(context.Background(), 9))

	size := pt.Size()
	nums := [4]uint64{0, 1, 2, uint64(size) - 1}
	proof, err := pt.MkProof(nums)
	r.NoError(err)
	root, _ := pt.Root()

	tampered := append([]byte(nil), proof...)
	tampered[7] ^= 0x01
	r.Error(VerifyProof(root, size, nums, tampered))

	r.Error(VerifyProof(root, size, nums, proof[:len(proof)-EntrySize]))
}

func TestMkProofOutOfRange(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(32, randRecords(22, 7))
	r.NoError(pt.Compute(context.Background(), 7))

	size := uint64(pt.Size())
	_, err := pt.MkProof([4]uint64{0, 1, size, size + 3})
	r.ErrorIs(err, ErrAnnOutOfRange)
}

func TestMkProofBeforeComputeFails(t *testing.T) {
	pt := newTestTree(16, randRecords(23, 5))
	_, err := pt.MkProof([4]uint64{0, 1, 2, 3})
	require.ErrorIs(t, err, ErrNotComputed)
}

func TestMkProofAfterResetFails(t *testing.T) {
	r := require.New(t)
	pt := newTestTree(16, randRecords(24, 6))
	r.NoError(pt.Compute(context.Background(), 6))
	pt.Reset()
	_, err := pt.MkProof([4]uint64{0, 1, 2, 3})
	r.ErrorIs(err, ErrNotComputed)
}
