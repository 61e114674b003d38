// Package difficulty implements compact-target arithmetic for announcement
// ranking. Targets use the bitcoin nBits encoding: one exponent byte followed
// by a 23-bit mantissa. A numerically smaller target is harder to hit and
// therefore more valuable.
package difficulty

import "math/big"

// UnusableTarget is the sentinel marking an announcement class that cannot
// contribute work: either still inside the wait period or degraded past the
// representable range.
const UnusableTarget = 0xffffffff

// annWaitPeriod is the number of blocks an announcement must age before it
// becomes usable in a block.
const annWaitPeriod = 3

// DegradeAnnouncementTarget returns the effective target of an announcement
// with the given age in blocks. Inside the wait period the announcement is
// unusable; afterwards the target doubles with every additional block of age
// until it leaves the 256-bit range.
func DegradeAnnouncementTarget(annTar, annAgeBlocks uint32) uint32 {
	if annAgeBlocks < annWaitPeriod {
		return UnusableTarget
	}
	annAgeBlocks -= annWaitPeriod
	if annAgeBlocks == 0 {
		return annTar
	}
	t := TargetToBig(annTar)
	t.Lsh(t, uint(annAgeBlocks))
	if t.BitLen() > 256 {
		return UnusableTarget
	}
	return BigToTarget(t)
}

// TargetToBig expands a compact target into its 256-bit value.
func TargetToBig(compact uint32) *big.Int {
	mant := compact & 0x007fffff
	exp := compact >> 24
	bn := new(big.Int)
	if exp <= 3 {
		bn.SetUint64(uint64(mant >> (8 * (3 - exp))))
	} else {
		bn.SetUint64(uint64(mant))
		bn.Lsh(bn, uint(8*(exp-3)))
	}
	return bn
}

// BigToTarget encodes a 256-bit value into the compact representation,
// rounding down to mantissa precision.
func BigToTarget(bn *big.Int) uint32 {
	exp := uint32((bn.BitLen() + 7) / 8)
	var mant uint32
	if exp <= 3 {
		mant = uint32(bn.Uint64()) << (8 * (3 - exp))
	} else {
		mant = uint32(new(big.Int).Rsh(bn, uint(8*(exp-3))).Uint64())
	}
	if mant&0x00800000 != 0 {
		// The sign bit of the mantissa must stay clear.
		mant >>= 8
		exp++
	}
	return exp<<24 | mant
}
