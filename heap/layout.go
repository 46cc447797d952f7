package heap

import (
	"encoding/binary"
	"math"
)

// Ptr is the payload offset of a live allocation within a heap's backing
// region. It is the value handed out by Malloc and Realloc and accepted by
// Free, Realloc, and Payload.
type Ptr int

// NullPtr is the Ptr value used where C would use a null pointer. It is
// returned by Malloc and Realloc on failure, and it is a valid no-op argument
// to Free. Offset 0 always holds the first block header, so no allocation can
// ever have it as a payload offset.
const NullPtr Ptr = 0

const (
	// WordSize is the size in bytes of one header word
	WordSize = 8
	// HeapAlignment is the alignment of every payload offset and payload size.
	// Larger alignments are not supported.
	HeapAlignment uint = 8

	// ImplicitHeaderSize is the in-band header footprint of the implicit
	// variant: a single word holding the payload size and the status bit.
	ImplicitHeaderSize = WordSize
	// ExplicitHeaderSize is the in-band header footprint of the explicit
	// variant: the size/status word followed by the prev and next free list
	// links. All three words are present for every block; the links are
	// meaningful only while the block is free.
	ExplicitHeaderSize = 3 * WordSize

	statusBit uint64 = 1

	// noBlock is the in-memory form of an absent block offset (a nil link or
	// an empty free list head).
	noBlock = -1
	// nilLink is the encoded form of noBlock in a link word.
	nilLink uint64 = math.MaxUint64
)

func readWord(region []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(region[offset:])
}

func writeWord(region []byte, offset int, word uint64) {
	binary.LittleEndian.PutUint64(region[offset:], word)
}

// decodeHeader splits a header word into the payload size and the status bit.
// The payload is always a multiple of HeapAlignment, which is what frees the
// low bit for status.
func decodeHeader(word uint64) (payload int, allocated bool) {
	return int(word &^ statusBit), word&statusBit != 0
}

func encodeHeader(payload int, allocated bool) uint64 {
	word := uint64(payload)
	if allocated {
		word |= statusBit
	}
	return word
}

// Free list links are stored as region offsets rather than addresses, which
// keeps them stable across process moves of the backing slice.
func readLink(region []byte, offset int) int {
	word := binary.LittleEndian.Uint64(region[offset:])
	if word == nilLink {
		return noBlock
	}
	return int(word)
}

func writeLink(region []byte, offset int, target int) {
	word := nilLink
	if target != noBlock {
		word = uint64(target)
	}
	binary.LittleEndian.PutUint64(region[offset:], word)
}
