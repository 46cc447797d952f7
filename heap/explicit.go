package heap

import (
	"github.com/fixedregion/heaputils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// ExplicitHeap is a Heap implementation that threads a doubly-linked list
// through its free blocks. Every block carries a three-word in-band header:
// the size/status word plus the prev and next list links, stored as region
// offsets. New free blocks are pushed onto the head of the list (LIFO) and
// allocation takes the first fit in list order. Freeing a block whose
// immediate right neighbor is also free merges the two into one block that
// takes over the neighbor's position in the list.
type ExplicitHeap struct {
	heapBase

	logger *slog.Logger

	freeSpace      int
	freeHead       int
	freeBlockCount int
}

var _ Heap = &ExplicitHeap{}

// NewExplicitHeap creates a new ExplicitHeap with the provided per-request
// payload cap. A cap that is not positive selects DefaultMaxRequest, and a
// cap below one page is raised to PageSize. A nil logger selects
// slog.Default; the logger only receives free list diagnostics.
func NewExplicitHeap(logger *slog.Logger, maxRequest int) *ExplicitHeap {
	if logger == nil {
		logger = slog.Default()
	}

	return &ExplicitHeap{
		heapBase: newHeapBase(ExplicitHeaderSize, maxRequest),
		logger:   logger,
		freeHead: noBlock,
	}
}

// Init adopts the provided region, lays down a single free block spanning the
// whole of it, and points the free list head at it.
func (h *ExplicitHeap) Init(region []byte) error {
	err := h.initRegion(region, ExplicitHeaderSize+int(HeapAlignment))
	if err != nil {
		return err
	}

	h.reset()
	return nil
}

// Clear instantly frees all allocations and restores the single spanning
// free block.
func (h *ExplicitHeap) Clear() {
	h.resetCounters()
	h.reset()
}

func (h *ExplicitHeap) reset() {
	writeWord(h.region, 0, encodeHeader(len(h.region)-ExplicitHeaderSize, false))
	h.setPrevLink(0, noBlock)
	h.setNextLink(0, noBlock)

	h.freeHead = 0
	h.freeSpace = len(h.region)
	h.freeBlockCount = 1
}

// SumFreeSize returns the number of bytes not consumed by live allocations,
// free block headers included.
func (h *ExplicitHeap) SumFreeSize() int { return h.freeSpace }

// FreeRegionsCount returns the number of unique free blocks in the region.
func (h *ExplicitHeap) FreeRegionsCount() int { return h.freeBlockCount }

// Malloc allocates size usable bytes from the first fitting block in free
// list order and returns the payload offset, or NullPtr when the request is
// invalid or no free block can satisfy it.
func (h *ExplicitHeap) Malloc(size int) Ptr {
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

// Free releases a payload previously returned by Malloc or Realloc. When the
// immediate right neighbor is free, the two blocks merge and the merged block
// takes over the neighbor's free list position; otherwise the freed block is
// pushed onto the head of the list.
func (h *ExplicitHeap) Free(p Ptr) error {
	heaputils.DebugValidate(h)

	if p == NullPtr {
		return nil
	}
	err := h.checkLive(p)
	if err != nil {
		return err
	}

	offset := int(p) - ExplicitHeaderSize
	payload, allocated := decodeHeader(readWord(h.region, offset))
	if !allocated {
		return errors.Errorf("block at offset %d is already free", offset)
	}

	h.sizeUsed -= ExplicitHeaderSize + payload
	h.freeSpace += ExplicitHeaderSize + payload
	h.allocCount--
	h.live.Delete(p)

	right := offset + ExplicitHeaderSize + payload
	if right < len(h.region) {
		rightPayload, rightAllocated := decodeHeader(readWord(h.region, right))
		if !rightAllocated {
			h.mergeRight(offset, payload, right, rightPayload)
			return nil
		}
	}

	h.insertFreeBlock(offset, payload)
	return nil
}

// Realloc resizes the allocation at p, returning p unchanged when the current
// payload already covers the rounded request and falling back to allocate,
// copy, and free otherwise.
func (h *ExplicitHeap) Realloc(p Ptr, size int) (Ptr, error) {
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

	oldPayload, _ := decodeHeader(readWord(h.region, int(p)-ExplicitHeaderSize))
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

// VisitFreeList will call the provided callback once for each block on the
// free list, in list order from the head, with the block's header offset and
// payload size.
func (h *ExplicitHeap) VisitFreeList(visit func(offset, payload int) error) error {
	for block := h.freeHead; block != noBlock; block = h.nextLink(block) {
		payload, _ := decodeHeader(readWord(h.region, block))

		err := visit(block, payload)
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *ExplicitHeap) prevLink(block int) int { return readLink(h.region, block+WordSize) }

func (h *ExplicitHeap) nextLink(block int) int { return readLink(h.region, block+2*WordSize) }

func (h *ExplicitHeap) setPrevLink(block, target int) {
	writeLink(h.region, block+WordSize, target)
}

func (h *ExplicitHeap) setNextLink(block, target int) {
	writeLink(h.region, block+2*WordSize, target)
}

// findFit traverses the free list from the head and returns the header offset
// and payload of the first block with at least need payload bytes. A block
// with the status bit set has no business being on the list; it is reported
// and skipped.
func (h *ExplicitHeap) findFit(need int) (int, int, bool) {
	for block := h.freeHead; block != noBlock; block = h.nextLink(block) {
		payload, allocated := decodeHeader(readWord(h.region, block))
		if allocated {
			h.logger.Error("allocated block reachable via the free list", slog.Int("Offset", block))
			continue
		}

		if payload >= need {
			return block, payload, true
		}
	}

	return 0, 0, false
}

// commit turns the free block at offset into an allocated block of need
// payload bytes, splitting off the tail as a new free block when the
// remainder exceeds one whole header footprint and taking the block whole
// otherwise.
func (h *ExplicitHeap) commit(offset, payload, need int) Ptr {
	if payload-need > ExplicitHeaderSize {
		payload = h.splitBlock(offset, payload, need)
	} else {
		h.unlinkBlock(offset)
	}

	writeWord(h.region, offset, encodeHeader(payload, true))
	h.setPrevLink(offset, noBlock)
	h.setNextLink(offset, noBlock)

	used := ExplicitHeaderSize + payload
	h.sizeUsed += used
	h.freeSpace -= used
	h.allocCount++

	p := Ptr(offset + ExplicitHeaderSize)
	h.live.Put(p, need-heaputils.DebugMargin)
	heaputils.WriteMagicValue(h.region, int(p)+payload-heaputils.DebugMargin)
	return p
}

// splitBlock carves the tail of the free block at offset into a new free
// block that inherits the original block's links and takes over its place in
// the free list. Returns the payload the block at offset is left with.
func (h *ExplicitHeap) splitBlock(offset, payload, need int) int {
	split := offset + ExplicitHeaderSize + need
	prev := h.prevLink(offset)
	next := h.nextLink(offset)

	writeWord(h.region, split, encodeHeader(payload-need-ExplicitHeaderSize, false))
	h.setPrevLink(split, prev)
	h.setNextLink(split, next)

	if next != noBlock {
		h.setPrevLink(next, split)
	}
	if prev != noBlock {
		h.setNextLink(prev, split)
	} else {
		h.freeHead = split
	}

	return need
}

// unlinkBlock removes the free block at offset from the free list, rewiring
// its neighbors around it.
func (h *ExplicitHeap) unlinkBlock(offset int) {
	prev := h.prevLink(offset)
	next := h.nextLink(offset)

	if prev != noBlock {
		h.setNextLink(prev, next)
	} else {
		if h.freeHead != offset {
			panic("block with no previous link is not the free list head")
		}
		h.freeHead = next
	}

	if next != noBlock {
		h.setPrevLink(next, prev)
	}

	h.freeBlockCount--
}

// mergeRight absorbs the free right neighbor into the block being freed. The
// combined block inherits the neighbor's links and free list position rather
// than being inserted separately.
func (h *ExplicitHeap) mergeRight(offset, payload, right, rightPayload int) {
	prev := h.prevLink(right)
	next := h.nextLink(right)

	writeWord(h.region, offset, encodeHeader(payload+ExplicitHeaderSize+rightPayload, false))
	h.setPrevLink(offset, prev)
	h.setNextLink(offset, next)

	if prev != noBlock {
		h.setNextLink(prev, offset)
	}
	if next != noBlock {
		h.setPrevLink(next, offset)
	}
	if h.freeHead == right {
		h.freeHead = offset
	}
}

// insertFreeBlock marks the block at offset free and pushes it onto the head
// of the free list.
func (h *ExplicitHeap) insertFreeBlock(offset, payload int) {
	writeWord(h.region, offset, encodeHeader(payload, false))
	h.setPrevLink(offset, noBlock)
	h.setNextLink(offset, h.freeHead)

	if h.freeHead != noBlock {
		h.setPrevLink(h.freeHead, offset)
	}

	h.freeHead = offset
	h.freeBlockCount++
}

// Validate performs internal consistency checks: a sequential walk over every
// block, a traversal of the free list, and a cross-check of the two against
// each other and the heap's counters.
func (h *ExplicitHeap) Validate() error {
	if h.region == nil {
		return errors.New("heap has not been initialized")
	}
	if h.sizeUsed > len(h.region) {
		return errors.New("used size exceeds the region size")
	}

	// Sequential walk
	var used, free, allocCount, freeCount int
	freeOffsets := make(map[int]bool)

	offset := 0
	for offset < len(h.region) {
		if offset+ExplicitHeaderSize > len(h.region) {
			return errors.Errorf("block header at offset %d extends past the end of the region", offset)
		}

		payload, allocated := decodeHeader(readWord(h.region, offset))
		if heaputils.AlignDown(payload, HeapAlignment) != payload {
			return errors.Errorf("block at offset %d has a %d-byte payload, which is not a multiple of the heap alignment", offset, payload)
		}

		end := offset + ExplicitHeaderSize + payload
		if end > len(h.region) {
			return errors.Errorf("block at offset %d extends past the end of the region", offset)
		}

		if allocated {
			used += ExplicitHeaderSize + payload
			allocCount++
		} else {
			free += ExplicitHeaderSize + payload
			freeCount++
			freeOffsets[offset] = false
		}

		offset = end
	}

	if used+free != len(h.region) {
		return errors.Errorf("the region is %d bytes, but the blocks only added up to %d", len(h.region), used+free)
	}
	if used != h.sizeUsed {
		return errors.Errorf("the heap accounts %d bytes as used, but the allocated blocks added up to %d", h.sizeUsed, used)
	}
	if free != h.freeSpace {
		return errors.Errorf("the heap accounts %d bytes as free, but the free blocks added up to %d", h.freeSpace, free)
	}
	if h.sizeUsed+h.freeSpace != len(h.region) {
		return errors.Errorf("used size %d and free size %d do not add up to the region size %d", h.sizeUsed, h.freeSpace, len(h.region))
	}
	if allocCount != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but the allocated blocks only added up to %d", h.allocCount, allocCount)
	}
	if h.live.Count() != h.allocCount {
		return errors.Errorf("the allocation count of the heap is %d, but %d live pointers are registered", h.allocCount, h.live.Count())
	}

	// Free list walk
	if h.freeHead != noBlock && h.prevLink(h.freeHead) != noBlock {
		return errors.Errorf("block at offset %d is the head of the free list but has a previous block", h.freeHead)
	}

	var listFree, listCount int
	for block := h.freeHead; block != noBlock; block = h.nextLink(block) {
		visited, walked := freeOffsets[block]
		if !walked {
			return errors.Errorf("free list references offset %d, which is not a free block boundary", block)
		}
		if visited {
			return errors.Errorf("block at offset %d appears in the free list more than once", block)
		}
		freeOffsets[block] = true

		payload, allocated := decodeHeader(readWord(h.region, block))
		if allocated {
			return errors.Errorf("block at offset %d is in the free list but is not free", block)
		}

		next := h.nextLink(block)
		if next != noBlock && h.prevLink(next) != block {
			return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block, next)
		}

		listFree += ExplicitHeaderSize + payload
		listCount++
	}

	if listCount != freeCount {
		return errors.Errorf("the number of free blocks in the sequential walk and the number of blocks in the free list do not match! free list size: %d, sequential walk free blocks: %d", listCount, freeCount)
	}
	if listCount != h.freeBlockCount {
		return errors.Errorf("the free block count of the heap is %d, but there were only %d blocks in the free list", h.freeBlockCount, listCount)
	}
	if listFree != free {
		return errors.Errorf("the free blocks in the sequential walk added up to %d bytes, but the free list added up to %d", free, listFree)
	}

	return nil
}
