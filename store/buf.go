package store

import (
	"github.com/pkt-cash/go-annmine/ann"
	"github.com/pkt-cash/go-annmine/prooftree"
)

// annBuf is a fixed-capacity run of announcement slots in the backing store.
// It owns the mloc range [baseMloc, baseMloc+size) for its whole lifetime;
// only the (prefix, mloc) records are discarded when the buffer is stolen.
type annBuf struct {
	db       *ann.DataBuf
	baseMloc uint32
	size     int
	anns     []prooftree.AnnData
}

func newAnnBuf(db *ann.DataBuf, baseMloc uint32, size int) *annBuf {
	return &annBuf{
		db:       db,
		baseMloc: baseMloc,
		size:     size,
		anns:     make([]prooftree.AnnData, 0, size),
	}
}

// pushAnns writes as many of the indexed records as fit into the remaining
// slots and returns how many were consumed.
func (b *annBuf) pushAnns(anns [][]byte, indexes []uint32) int {
	n := 0
	for _, idx := range indexes {
		if len(b.anns) == b.size {
			break
		}
		mloc := b.baseMloc + uint32(len(b.anns))
		b.db.PutAnn(mloc, anns[idx])
		b.anns = append(b.anns, prooftree.AnnData{
			HashPfx: b.db.AnnHash(mloc).Prefix(),
			MLoc:    mloc,
		})
		n++
	}
	return n
}

func (b *annBuf) readyAnns() int {
	return len(b.anns)
}

func (b *annBuf) readAnns(dst []prooftree.AnnData) int {
	return copy(dst, b.anns)
}

func (b *annBuf) reset() {
	b.anns = b.anns[:0]
}
