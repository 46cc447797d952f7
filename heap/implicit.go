package heap

import (
	"github.com/fixedregion/heaputils"
	"github.com/pkg/errors"
)

// ImplicitHeap is a Heap implementation that keeps no free space index at
// all: every block begins with a single in-band header word, and allocation
// walks the blocks sequentially from offset 0 taking the first free block
// large enough for the request. Freeing clears the status bit and nothing
// else, so adjacent free blocks are never coalesced.
type ImplicitHeap struct {
	heapBase
}

var _ Heap = &ImplicitHeap{}

// NewImplicitHeap creates a new ImplicitHeap with the provided per-request
// payload cap. A cap that is not positive selects DefaultMaxRequest, and a
// cap below one page is raised to PageSize.
func NewImplicitHeap(maxRequest int) *ImplicitHeap {
	return &ImplicitHeap{
		heapBase: newHeapBase(ImplicitHeaderSize, maxRequest),
	}
}

// Init adopts the provided region and lays down a single free block spanning
// the whole of it.
func (h *ImplicitHeap) Init(region []byte) error {
	err := h.initRegion(region, ImplicitHeaderSize+int(HeapAlignment))
	if err != nil {
		return err
	}

	h.reset()
	return nil
}

// Clear instantly frees all allocations and restores the single spanning
// free block.
func (h *ImplicitHeap) Clear() {
	h.resetCounters()
	h.reset()
}

func (h *ImplicitHeap) reset() {
	writeWord(h.region, 0, encodeHeader(len(h.region)-ImplicitHeaderSize, false))
}

// Malloc allocates size usable bytes with a first-fit sequential scan and
// returns the payload offset, or NullPtr when the request is invalid or no
// free block can satisfy it.
func (h *ImplicitHeap) Malloc(size int) Ptr {
	heaputils.DebugValidate(h)

	if size <= 0 {
		return NullPtr
	}

	need := heaputils.AlignUp(size, HeapAlignment) + heaputils.DebugMargin
	if h.rejectRequest(need) {
		return NullPtr
	}

	offset, payload, ok := h.findFit(need)
	if !ok {
		return NullPtr
	}

	return h.commit(offset, payload, need)
}

// Free releases a payload previously returned by Malloc or Realloc by
// clearing the header's status bit. The block is not merged with its
// neighbors.
func (h *ImplicitHeap) Free(p Ptr) error {
	heaputils.DebugValidate(h)

	if p == NullPtr {
		return nil
	}
	err := h.checkLive(p)
	if err != nil {
		return err
	}

	offset := int(p) - ImplicitHeaderSize
	payload, allocated := decodeHeader(readWord(h.region, offset))
	if !allocated {
		return errors.Errorf("block at offset %d is already free", offset)
	}

	writeWord(h.region, offset, encodeHeader(payload, false))
	h.sizeUsed -= ImplicitHeaderSize + payload
	h.allocCount--
	h.live.Delete(p)
	return nil
}

// Realloc resizes the allocation at p, returning p unchanged when the
// current payload already covers the rounded request and falling back to
// allocate, copy, and free otherwise.
func (h *ImplicitHeap) Realloc(p Ptr, size int) (Ptr, error) {
	heaputils.DebugValidate(h)

	if p == NullPtr {
		return h.Malloc(size), nil
	}
	err := h.checkLive(p)
	if err != nil {
		return NullPtr, err
	}
	if size == 0 {
		return NullPtr, h.Free(p)
	}

	need := heaputils.AlignUp(size, HeapAlignment) + heaputils.DebugMargin
	if h.rejectRequest(need) {
		return NullPtr, nil
	}

	oldPayload, _ := decodeHeader(readWord(h.region, int(p)-ImplicitHeaderSize))
	if need <= oldPayload {
		return p, nil
	}

	offset, payload, ok := h.findFit(need)
	if !ok {
		return NullPtr, nil
	}

	newP := h.commit(offset, payload, need)

	usable := oldPayload - heaputils.DebugMargin
	copy(h.region[int(newP):int(newP)+usable], h.region[int(p):int(p)+usable])

	return newP, h.Free(p)
}

// findFit walks the blocks sequentially from offset 0 and returns the header
// offset and payload of the first free block with at least need payload bytes.
func (h *ImplicitHeap) findFit(need int) (int, int, bool) {
	for offset := 0; offset < len(h.region); {
		payload, allocated := decodeHeader(readWord(h.region, offset))
		if !allocated && payload >= need {
			return offset, payload, true
		}

		offset += ImplicitHeaderSize + payload
	}

	return 0, 0, false
}

// commit turns the free block at offset into an allocated block, splitting
// off the tail first when the remainder can hold a header plus a minimum
// payload.
func (h *ImplicitHeap) commit(offset, payload, need int) Ptr {
	if payload-need >= ImplicitHeaderSize+int(HeapAlignment) {
		splitOffset := offset + ImplicitHeaderSize + need
		writeWord(h.region, splitOffset, encodeHeader(payload-need-ImplicitHeaderSize, false))
		payload = need
	}

	writeWord(h.region, offset, encodeHeader(payload, true))
	h.sizeUsed += ImplicitHeaderSize + payload
	h.allocCount++

	p := Ptr(offset + ImplicitHeaderSize)
	h.live.Put(p, need-heaputils.DebugMargin)
	heaputils.WriteMagicValue(h.region, int(p)+payload-heaputils.DebugMargin)
	return p
}

// Validate performs internal consistency checks on the heap's block layout
// and accounting.
func (h *ImplicitHeap) Validate() error {
	if h.region == nil {
		return errors.New("heap has not been initialized")
	}
	if h.sizeUsed > len(h.region) {
		return errors.New("used size exceeds the region size")
	}

	var used, free, allocCount int
	offset := 0
	for offset < len(h.region) {
		if offset+ImplicitHeaderSize > len(h.region) {
			return errors.Errorf("block header at offset %d extends past the end of the region", offset)
		}

		payload, allocated := decodeHeader(readWord(h.region, offset))
		if heaputils.AlignDown(payload, HeapAlignment) != payload {
			return errors.Errorf("block at offset %d has a %d-byte payload, which is not a multiple of the heap alignment", offset, payload)
		}

		end := offset + ImplicitHeaderSize + payload
		if end > len(h.region) {
			return errors.Errorf("block at offset %d extends past the end of the region", offset)
		}

		if allocated {
			used += ImplicitHeaderSize + payload
			allocCount++
		} else {
			free += ImplicitHeaderSize + payload
		}

		offset = end
	}

	if used+free != len(h.region) {
		return errors.Errorf("the region is %d bytes, but the blocks only added up to %d", len(h.region), used+free)
	}
	if used != h.sizeUsed {
		return errors.Errorf("the heap accounts %d bytes as used, but the allocated blocks added up to %d", h.sizeUsed, used)
	}
	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the allocated blocks only added up to %d", h.allocCount, allocCount)
	}
	if h.live.Count() != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but %d live pointers are registered", h.allocCount, h.live.Count())
	}

	return nil
}
