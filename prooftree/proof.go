package prooftree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/pkt-cash/go-annmine/ann"
)

// commitMagic tags the 48-byte commitment embedded in the coinbase.
var commitMagic = [4]byte{0x09, 0xf9, 0x11, 0x02}

// CommitLen is the length of the serialized commitment: magic, minimum
// announcement work, root hash, announcement-set size.
const CommitLen = 48

// Commit serializes the commitment over the computed tree.
func (t *ProofTree) Commit(annMinWork uint32) ([]byte, error) {
	if t.rootHash == nil {
		return nil, ErrNotComputed
	}
	out := make([]byte, 0, CommitLen)
	out = append(out, commitMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, annMinWork)
	out = append(out, t.rootHash[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(t.size))
	return out, nil
}

// layerSpan locates one layer of the padded tree inside the entry table.
type layerSpan struct {
	off   uint64
	count uint64 // entries including padding
}

func layerLayout(totalLeaves uint64) []layerSpan {
	var spans []layerSpan
	off, count := uint64(0), totalLeaves
	for count > 1 {
		count += count & 1
		spans = append(spans, layerSpan{off, count})
		off += count
		count /= 2
	}
	return append(spans, layerSpan{off, 1})
}

// MkProof builds an inclusion proof for four announcements of the computed
// tree, identified by their position in the deduplicated set. The proof
// carries, for each announcement, its leaf entry followed by the sibling
// entry at every layer up to the root.
func (t *ProofTree) MkProof(annNums [4]uint64) ([]byte, error) {
	if t.rootHash == nil {
		return nil, ErrNotComputed
	}
	var merr *multierror.Error
	for _, n := range annNums {
		if n >= uint64(t.size) {
			merr = multierror.Append(merr, fmt.Errorf("%w: %d >= %d", ErrAnnOutOfRange, n, t.size))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	spans := layerLayout(t.totalLeaves)
	out := make([]byte, 0, 4*len(spans)*EntrySize)
	for _, n := range annNums {
		idx := n + 1 // leaf 0 is the zero sentinel
		out = appendEntry(out, &t.tbl[idx])
		for l := 0; l+1 < len(spans); l++ {
			out = appendEntry(out, &t.tbl[spans[l].off+(idx^1)])
			idx >>= 1
		}
	}
	return out, nil
}

// VerifyProof checks a proof produced by MkProof against a root and
// announcement-set size.
func VerifyProof(root ann.Hash, size uint32, annNums [4]uint64, proof []byte) error {
	spans := layerLayout(uint64(size) + 1)
	segLen := len(spans) * EntrySize
	if len(proof) != 4*segLen {
		return fmt.Errorf("invalid proof length %d, want %d", len(proof), 4*segLen)
	}
	for k, n := range annNums {
		if n >= uint64(size) {
			return fmt.Errorf("%w: %d >= %d", ErrAnnOutOfRange, n, size)
		}
		seg := proof[k*segLen : (k+1)*segLen]
		var cur Entry
		readEntry(&cur, seg)
		seg = seg[EntrySize:]
		idx := n + 1
		for l := 0; l+1 < len(spans); l++ {
			var sib, parent Entry
			readEntry(&sib, seg)
			seg = seg[EntrySize:]
			if idx&1 == 0 {
				combineEntries(&parent, &cur, &sib)
			} else {
				combineEntries(&parent, &sib, &cur)
			}
			cur = parent
			idx >>= 1
		}
		if cur.Hash != root || cur.Start != 0 || cur.End != math.MaxUint64 {
			return fmt.Errorf("proof for announcement %d does not reach the root", n)
		}
	}
	return nil
}
