package difficulty_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkt-cash/go-annmine/difficulty"
)

func TestDegradeInsideWaitPeriod(t *testing.T) {
	r := require.New(t)
	for age := uint32(0); age < 3; age++ {
		r.Equal(uint32(difficulty.UnusableTarget), difficulty.DegradeAnnouncementTarget(0x1c0fffff, age))
	}
	// At the end of the wait period the target is unchanged.
	r.Equal(uint32(0x1c0fffff), difficulty.DegradeAnnouncementTarget(0x1c0fffff, 3))
}

func TestDegradeDoublesPerBlock(t *testing.T) {
	r := require.New(t)

	// One block past the wait period the target doubles exactly (the
	// shifted mantissa still fits).
	r.Equal(uint32(0x1c1ffffe), difficulty.DegradeAnnouncementTarget(0x1c0fffff, 4))

	// Monotonically easier with age.
	prev := difficulty.TargetToBig(difficulty.DegradeAnnouncementTarget(0x1c0fffff, 3))
	for age := uint32(4); age < 12; age++ {
		cur := difficulty.TargetToBig(difficulty.DegradeAnnouncementTarget(0x1c0fffff, age))
		r.Positive(cur.Cmp(prev), "age %d", age)
		prev = cur
	}
}

func TestDegradeOverflowsToSentinel(t *testing.T) {
	r := require.New(t)
	r.Equal(uint32(difficulty.UnusableTarget), difficulty.DegradeAnnouncementTarget(0x207fffff, 10))
	// The sentinel itself stays a sentinel at any age.
	for _, age := range []uint32{0, 3, 4, 100} {
		r.Equal(uint32(difficulty.UnusableTarget), difficulty.DegradeAnnouncementTarget(difficulty.UnusableTarget, age))
	}
}

func TestTargetCodecRoundTrip(t *testing.T) {
	r := require.New(t)
	for _, compact := range []uint32{0x1d00ffff, 0x1c0fffff, 0x207fffff, 0x01030000} {
		bn := difficulty.TargetToBig(compact)
		r.Equal(compact, difficulty.BigToTarget(bn), "compact %#x", compact)
	}
}

func TestBigToTargetClearsSignBit(t *testing.T) {
	// A value whose top mantissa byte would set the sign bit is re-scaled.
	bn := new(big.Int).Lsh(big.NewInt(0x80), 16)
	compact := difficulty.BigToTarget(bn)
	require.Zero(t, compact&0x00800000)
	require.Zero(t, difficulty.TargetToBig(compact).Cmp(bn))
}
