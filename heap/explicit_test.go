package heap_test

import (
	"math"
	"testing"

	"github.com/fixedregion/heaputils"
	"github.com/fixedregion/heaputils/heap"
	"github.com/stretchr/testify/require"
)

type blockRecord struct {
	Offset  int
	Payload int
	Free    bool
}

func collectBlocks(t *testing.T, h heap.Heap) []blockRecord {
	t.Helper()

	var blocks []blockRecord
	err := h.VisitAllBlocks(func(offset, payload int, free bool) error {
		blocks = append(blocks, blockRecord{Offset: offset, Payload: payload, Free: free})
		return nil
	})
	require.NoError(t, err)

	return blocks
}

func collectFreeList(t *testing.T, h *heap.ExplicitHeap) []blockRecord {
	t.Helper()

	var blocks []blockRecord
	err := h.VisitFreeList(func(offset, payload int) error {
		blocks = append(blocks, blockRecord{Offset: offset, Payload: payload, Free: true})
		return nil
	})
	require.NoError(t, err)

	return blocks
}

func TestExplicitInitAndFirstMalloc(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	require.Equal(t, 1024, h.Size())
	require.Equal(t, 1024, h.SumFreeSize())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.True(t, h.IsEmpty())
	require.NoError(t, h.Validate())

	p := h.Malloc(8)
	require.Equal(t, heap.Ptr(24), p)
	require.Equal(t, 32, h.SizeUsed())
	require.Equal(t, 1, h.AllocationCount())
	require.NoError(t, h.Validate())

	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 8, Free: false},
		{Offset: 32, Payload: 968, Free: true},
	}, collectBlocks(t, h))

	require.Equal(t, []blockRecord{
		{Offset: 32, Payload: 968, Free: true},
	}, collectFreeList(t, h))
}

func TestExplicitTakeWholeAtSplitThreshold(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	// The initial free block has a 1000-byte payload; a remainder of exactly
	// 24 is not enough to split, so the whole block is taken.
	p := h.Malloc(976)
	require.NotEqual(t, heap.NullPtr, p)
	require.NoError(t, h.Validate())

	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 1000, Free: false},
	}, collectBlocks(t, h))
	require.Equal(t, 0, h.FreeRegionsCount())
	require.Equal(t, 0, h.SumFreeSize())
	require.Equal(t, 1024, h.SizeUsed())
	require.Empty(t, collectFreeList(t, h))

	require.Equal(t, heap.NullPtr, h.Malloc(8))

	require.NoError(t, h.Free(p))
	require.NoError(t, h.Validate())
	require.Equal(t, 1024, h.SumFreeSize())
	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 1000, Free: true},
	}, collectFreeList(t, h))
}

func TestExplicitSplitJustAboveThreshold(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	// A remainder of 32 exceeds the 24-byte block footprint, so the tail is
	// carved into a minimum free block.
	p := h.Malloc(968)
	require.NotEqual(t, heap.NullPtr, p)
	require.NoError(t, h.Validate())

	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 968, Free: false},
		{Offset: 992, Payload: 8, Free: true},
	}, collectBlocks(t, h))
	require.Equal(t, 1, h.FreeRegionsCount())
}

func TestExplicitCoalesceRightOnFree(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	a := h.Malloc(16)
	b := h.Malloc(16)
	require.Equal(t, heap.Ptr(24), a)
	require.Equal(t, heap.Ptr(64), b)

	// a's right neighbor is b, which is allocated, so a is pushed onto the
	// free list without merging.
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Validate())
	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 80, Payload: 920, Free: true},
	}, collectFreeList(t, h))

	// b's right neighbor is the trailing free block, so the two merge and the
	// merged block takes over the trailing block's list position.
	require.NoError(t, h.Free(b))
	require.NoError(t, h.Validate())
	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 40, Payload: 960, Free: true},
	}, collectBlocks(t, h))
	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 40, Payload: 960, Free: true},
	}, collectFreeList(t, h))
	require.Equal(t, 2, h.FreeRegionsCount())
	require.Equal(t, 1024, h.SumFreeSize())
	require.True(t, h.IsEmpty())
}

func TestExplicitLIFOInsertionOrder(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	x := h.Malloc(16)
	y := h.Malloc(16)
	z := h.Malloc(16)
	require.Equal(t, heap.Ptr(24), x)
	require.Equal(t, heap.Ptr(64), y)
	require.Equal(t, heap.Ptr(104), z)

	require.NoError(t, h.Free(x))
	require.NoError(t, h.Free(y))
	require.NoError(t, h.Validate())

	// y was freed last and neither free could merge, so y's block heads the
	// list, then x, then the trailing split remainder.
	require.Equal(t, []blockRecord{
		{Offset: 40, Payload: 16, Free: true},
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 120, Payload: 880, Free: true},
	}, collectFreeList(t, h))

	// z merges with the trailing free block and inherits its list position.
	require.NoError(t, h.Free(z))
	require.NoError(t, h.Validate())
	require.Equal(t, []blockRecord{
		{Offset: 40, Payload: 16, Free: true},
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 80, Payload: 920, Free: true},
	}, collectFreeList(t, h))
}

func TestExplicitFirstFitSkipsSmallHead(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	x := h.Malloc(16)
	_ = h.Malloc(64)
	require.NoError(t, h.Free(x))

	// The list head is x's 16-byte block; the request has to travel to the
	// trailing block behind it.
	p := h.Malloc(32)
	require.Equal(t, heap.Ptr(152), p)
	require.NoError(t, h.Validate())

	require.Equal(t, []blockRecord{
		{Offset: 0, Payload: 16, Free: true},
		{Offset: 184, Payload: 816, Free: true},
	}, collectFreeList(t, h))
}

func TestExplicitMallocRejects(t *testing.T) {
	h := heap.NewExplicitHeap(nil, heap.PageSize)
	require.NoError(t, h.Init(make([]byte, 1024)))

	require.Equal(t, heap.NullPtr, h.Malloc(0))
	require.Equal(t, heap.NullPtr, h.Malloc(-8))
	require.Equal(t, heap.NullPtr, h.Malloc(heap.PageSize+1))
	require.Equal(t, heap.NullPtr, h.Malloc(2000))

	require.Equal(t, 0, h.SizeUsed())
	require.NoError(t, h.Validate())
}

func TestExplicitFreeErrors(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	require.NoError(t, h.Free(heap.NullPtr))
	require.Error(t, h.Free(heap.Ptr(24)))

	p := h.Malloc(16)
	require.NoError(t, h.Free(p))
	require.Error(t, h.Free(p))
	require.NoError(t, h.Validate())
}

func TestExplicitReallocInPlace(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	p := h.Malloc(32)
	usedBefore := h.SizeUsed()

	// The shortcut does not shrink the block, so counters are untouched.
	q, err := h.Realloc(p, 24)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.Equal(t, usedBefore, h.SizeUsed())
	require.NoError(t, h.Validate())
}

func TestExplicitReallocGrowCopies(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	p := h.Malloc(16)
	payload, err := h.Payload(p)
	require.NoError(t, err)
	for i := range payload {
		payload[i] = byte(i)
	}

	blocker := h.Malloc(16)
	require.NotEqual(t, heap.NullPtr, blocker)

	q, err := h.Realloc(p, 64)
	require.NoError(t, err)
	require.NotEqual(t, heap.NullPtr, q)
	require.NotEqual(t, p, q)
	require.NoError(t, h.Validate())

	grown, err := h.Payload(q)
	require.NoError(t, err)
	require.Len(t, grown, 64)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i), grown[i])
	}

	// The old block was freed and p no longer references a live allocation.
	_, err = h.Payload(p)
	require.Error(t, err)
	require.Equal(t, 2, h.AllocationCount())
}

func TestExplicitReallocNullAndZero(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	p, err := h.Realloc(heap.NullPtr, 16)
	require.NoError(t, err)
	require.NotEqual(t, heap.NullPtr, p)
	require.Equal(t, 1, h.AllocationCount())

	q, err := h.Realloc(p, 0)
	require.NoError(t, err)
	require.Equal(t, heap.NullPtr, q)
	require.Equal(t, 0, h.AllocationCount())
	require.NoError(t, h.Validate())
}

func TestExplicitExhaustion(t *testing.T) {
	h := heap.NewExplicitHeap(nil, heap.PageSize)
	require.NoError(t, h.Init(make([]byte, 16384)))

	var live []heap.Ptr
	for {
		p := h.Malloc(heap.PageSize)
		if p == heap.NullPtr {
			break
		}

		live = append(live, p)
		require.NoError(t, h.Validate())
	}

	require.Len(t, live, 3)

	for _, p := range live {
		require.NoError(t, h.Free(p))
		require.NoError(t, h.Validate())
	}

	require.True(t, h.IsEmpty())
	require.Equal(t, 16384, h.SumFreeSize())
}

func TestExplicitDetailedStatistics(t *testing.T) {
	h := heap.NewExplicitHeap(nil, 0)
	require.NoError(t, h.Init(make([]byte, 1024)))

	var stats heaputils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			HeapCount:       1,
			HeapBytes:       1024,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  1000,
		FreeRangeSizeMax:  1000,
	}, stats)

	p := h.Malloc(100)
	require.NotEqual(t, heap.NullPtr, p)

	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			HeapCount:       1,
			HeapBytes:       1024,
			AllocationCount: 1,
			AllocationBytes: 104,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: 104,
		AllocationSizeMax: 104,
		FreeRangeSizeMin:  872,
		FreeRangeSizeMax:  872,
	}, stats)

	require.NoError(t, h.Free(p))

	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			HeapCount:       1,
			HeapBytes:       1024,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  1000,
		FreeRangeSizeMax:  1000,
	}, stats)
}
