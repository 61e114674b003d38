// Package ann holds the announcement primitives shared by the store and the
// proof tree: the 32-byte announcement hash with its 64-bit prefix, and the
// flat backing store that maps a miner location index to an announcement
// record and its hash.
package ann

import (
	"encoding/binary"
	"fmt"

	"github.com/minio/sha256-simd"
)

// Size is the length of one serialized announcement record.
const Size = 1024

// Hash identifies an announcement by the hash of its record.
type Hash [32]byte

// Prefix returns the little-endian 64-bit prefix of the hash. The proof tree
// sorts and partitions announcements over this value.
func (h *Hash) Prefix() uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

// HashOf computes the content hash of one announcement slot.
func HashOf(record []byte) Hash {
	return sha256.Sum256(record)
}

// DataBuf is the raw backing store for announcement records. Slots are
// addressed by mloc, the miner location index. The hash of each slot is
// computed once, when the slot is written.
type DataBuf struct {
	maxAnns uint32
	records []byte
	hashes  []Hash
}

func NewDataBuf(maxAnns uint32) *DataBuf {
	return &DataBuf{
		maxAnns: maxAnns,
		records: make([]byte, int(maxAnns)*Size),
		hashes:  make([]Hash, maxAnns),
	}
}

func (d *DataBuf) MaxAnns() uint32 {
	return d.maxAnns
}

// PutAnn writes a record into the slot at mloc, zero-padding it to Size, and
// records the slot hash. Records longer than one slot are a caller defect.
func (d *DataBuf) PutAnn(mloc uint32, record []byte) {
	if len(record) > Size {
		panic(fmt.Sprintf("announcement record of %d bytes exceeds slot size %d", len(record), Size))
	}
	slot := d.records[int(mloc)*Size : int(mloc+1)*Size]
	n := copy(slot, record)
	for i := n; i < Size; i++ {
		slot[i] = 0
	}
	d.hashes[mloc] = HashOf(slot)
}

// AnnHash returns the hash of the slot at mloc.
func (d *DataBuf) AnnHash(mloc uint32) *Hash {
	return &d.hashes[mloc]
}

// AnnRecord returns the record stored at mloc.
func (d *DataBuf) AnnRecord(mloc uint32) []byte {
	return d.records[int(mloc)*Size : int(mloc+1)*Size]
}
