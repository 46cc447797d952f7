package heap

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/fixedregion/heaputils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	// PageSize is the smallest per-request cap a heap will accept. Requests for
	// a smaller cap are raised to this value.
	PageSize = 4096
	// DefaultMaxRequest is the per-request payload cap used when the consumer
	// does not provide one.
	DefaultMaxRequest = 1 << 30
)

// Heap manages a single fixed contiguous byte region supplied at Init and
// services dynamic allocation, deallocation, and resizing requests within it.
// It is not safe for concurrent use; consumers that share a Heap across
// goroutines must provide their own mutual exclusion.
type Heap interface {
	// Init must be called before the Heap is used. It adopts the provided
	// caller-owned byte region as the heap's backing storage and lays down a
	// single free block spanning the whole region. The region must not be nil,
	// must begin on an 8-byte boundary, and must have a length that is a
	// multiple of 8 and large enough for one minimum-sized block. Calling Init
	// again resets all state and invalidates every outstanding Ptr.
	Init(region []byte) error
	// Size retrieves the size in bytes of the region the heap was initialized with
	Size() int
	// SizeUsed returns the number of bytes consumed by live allocations,
	// headers included.
	SizeUsed() int
	// SumFreeSize returns the number of bytes not consumed by live
	// allocations, free block headers included.
	SumFreeSize() int
	// AllocationCount returns the number of allocations currently live in the
	// heap. This number should generally be the number of successful
	// allocations minus the number of successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique free blocks in the region.
	// Adjacent free blocks are counted separately unless an operation has
	// coalesced them.
	FreeRegionsCount() int
	// IsEmpty will return true if this heap has no live allocations
	IsEmpty() bool

	// Malloc allocates size usable bytes and returns the payload offset. The
	// request is rounded up to a multiple of 8 before searching. NullPtr is
	// returned when size is not positive, when the rounded request exceeds the
	// heap's per-request cap or the remaining capacity, or when no free block
	// can satisfy it. The heap is unchanged on failure.
	Malloc(size int) Ptr
	// Free releases a payload previously returned by Malloc or Realloc.
	// Passing NullPtr is a no-op. Free returns an error for a pointer this
	// heap never handed out, or one that has already been freed.
	Free(p Ptr) error
	// Realloc resizes the allocation at p to size usable bytes. A NullPtr p
	// behaves as Malloc. A size of 0 frees p and returns NullPtr. When the
	// current payload already covers the rounded request, p is returned
	// unchanged and the block is not shrunk. Otherwise a new block is
	// allocated, the old payload bytes are copied over, and the old block is
	// freed. NullPtr is returned (with the old allocation intact) when the
	// rounded request exceeds the per-request cap, the remaining capacity, or
	// every free block.
	Realloc(p Ptr, size int) (Ptr, error)
	// Payload returns the usable bytes of the live allocation at p as a
	// length-capped view of the backing region. Writes through the view cannot
	// reach headers or other payloads. An error is returned when p does not
	// reference a live allocation in this heap.
	Payload(p Ptr) ([]byte, error)

	// Validate performs internal consistency checks on the heap's block layout
	// and accounting. When the implementation is functioning correctly, it
	// should not be possible for this method to return an error, but this may
	// assist in diagnosing issues with the implementation.
	Validate() error
	// CheckCorruption will return nil if anti-corruption memory markers are
	// present behind every live allocation in the heap. Bear in mind that the
	// markers are only written when this module is built with the build flag
	// `debug_heap_utils`; without it this method cannot return an error.
	CheckCorruption() error
	// Clear instantly frees all allocations and restores the single spanning
	// free block.
	Clear()

	// VisitAllBlocks will call the provided callback once for each block in
	// the region, in address order, with the block's header offset, payload
	// size, and free status.
	VisitAllBlocks(visit func(offset, payload int, free bool) error) error
	// AddStatistics sums this heap's usage counters into the statistics
	// currently present in the provided heaputils.Statistics object.
	AddStatistics(stats *heaputils.Statistics)
	// AddDetailedStatistics sums this heap's per-block statistics into the
	// statistics currently present in the provided heaputils.DetailedStatistics
	// object. Unlike AddStatistics, this walks every block.
	AddDetailedStatistics(stats *heaputils.DetailedStatistics)
	// HeapJsonData populates a json object with information about this heap
	HeapJsonData(json jwriter.ObjectState)
	// DumpHeap writes the region bounds, usage counters, and per-block header
	// decodings to the provided writer as a json object. Diagnostic-only; it
	// never mutates heap state.
	DumpHeap(writer *jwriter.Writer)
	// DebugLogAllAllocations will call the provided callback once for each
	// live allocation, with the payload offset and payload size.
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset, size int))
}

// heapBase carries the state and helpers shared by both heap variants: the
// backing region, the usage counters, and the live-allocation registry used
// to vet pointers handed back by consumers.
type heapBase struct {
	region     []byte
	headerSize int
	maxRequest int

	sizeUsed   int
	allocCount int
	live       *swiss.Map[Ptr, int]
}

func newHeapBase(headerSize, maxRequest int) heapBase {
	if maxRequest <= 0 {
		maxRequest = DefaultMaxRequest
	}
	if maxRequest < PageSize {
		maxRequest = PageSize
	}

	return heapBase{
		headerSize: headerSize,
		maxRequest: maxRequest,
	}
}

func (b *heapBase) initRegion(region []byte, minSize int) error {
	if len(region) == 0 {
		return heaputils.NilRegionError
	}
	if len(region) < minSize {
		return cerrors.Wrapf(heaputils.RegionSizeError, "region is %d bytes but at least %d are required", len(region), minSize)
	}
	if heaputils.AlignDown(len(region), HeapAlignment) != len(region) {
		return cerrors.Wrapf(heaputils.RegionSizeError, "region is %d bytes, which is not a multiple of %d", len(region), HeapAlignment)
	}
	if uintptr(unsafe.Pointer(&region[0]))&uintptr(HeapAlignment-1) != 0 {
		return cerrors.Wrapf(heaputils.RegionAlignError, "region starts at %p", &region[0])
	}

	b.region = region
	b.resetCounters()
	return nil
}

func (b *heapBase) resetCounters() {
	b.sizeUsed = 0
	b.allocCount = 0
	b.live = swiss.NewMap[Ptr, int](42)
}

// Size retrieves the size in bytes of the region the heap was initialized with
func (b *heapBase) Size() int { return len(b.region) }

// SizeUsed returns the number of bytes consumed by live allocations, headers included.
func (b *heapBase) SizeUsed() int { return b.sizeUsed }

// SumFreeSize returns the number of bytes not consumed by live allocations,
// free block headers included.
func (b *heapBase) SumFreeSize() int { return len(b.region) - b.sizeUsed }

// AllocationCount returns the number of allocations currently live in the heap.
func (b *heapBase) AllocationCount() int { return b.allocCount }

// IsEmpty will return true if this heap has no live allocations
func (b *heapBase) IsEmpty() bool { return b.allocCount == 0 }

// checkLive vets a consumer-provided pointer against the registry of payload
// offsets this heap has handed out and not yet reclaimed.
func (b *heapBase) checkLive(p Ptr) error {
	if b.live == nil {
		return errors.New("heap has not been initialized")
	}

	_, ok := b.live.Get(p)
	if !ok {
		return errors.Errorf("pointer %d does not reference a live allocation in this heap", p)
	}
	return nil
}

// rejectRequest applies the request preflight shared by Malloc and Realloc:
// the rounded size must fit under the per-request cap and within the region's
// remaining capacity.
func (b *heapBase) rejectRequest(need int) bool {
	return need > b.maxRequest || need+b.sizeUsed > len(b.region)
}

// Payload returns the usable bytes of the live allocation at p as a
// length-capped view of the backing region.
func (b *heapBase) Payload(p Ptr) ([]byte, error) {
	err := b.checkLive(p)
	if err != nil {
		return nil, err
	}

	payload, _ := decodeHeader(readWord(b.region, int(p)-b.headerSize))
	usable := payload - heaputils.DebugMargin
	start := int(p)
	return b.region[start : start+usable : start+usable], nil
}

// VisitAllBlocks will call the provided callback once for each block in the
// region, in address order.
func (b *heapBase) VisitAllBlocks(visit func(offset, payload int, free bool) error) error {
	for offset := 0; offset < len(b.region); {
		payload, allocated := decodeHeader(readWord(b.region, offset))

		err := visit(offset, payload, !allocated)
		if err != nil {
			return err
		}

		offset += b.headerSize + payload
	}

	return nil
}

// FreeRegionsCount returns the number of unique free blocks in the region.
func (b *heapBase) FreeRegionsCount() int {
	var count int
	_ = b.VisitAllBlocks(func(offset, payload int, free bool) error {
		if free {
			count++
		}
		return nil
	})

	return count
}

// AddStatistics sums this heap's usage counters into the statistics currently
// present in the provided heaputils.Statistics object.
func (b *heapBase) AddStatistics(stats *heaputils.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += b.allocCount
	stats.HeapBytes += len(b.region)
	stats.AllocationBytes += b.sizeUsed - b.allocCount*b.headerSize
}

// AddDetailedStatistics sums this heap's per-block statistics into the
// statistics currently present in the provided heaputils.DetailedStatistics
// object.
func (b *heapBase) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += len(b.region)

	_ = b.VisitAllBlocks(func(offset, payload int, free bool) error {
		if free {
			stats.AddFreeRange(payload)
		} else {
			stats.AddAllocation(payload)
		}
		return nil
	})
}

// HeapJsonData populates a json object with information about this heap
func (b *heapBase) HeapJsonData(json jwriter.ObjectState) {
	// counting pass
	var freeBytes, allocationCount, freeRangeCount int
	_ = b.VisitAllBlocks(func(offset, payload int, free bool) error {
		if free {
			freeBytes += b.headerSize + payload
			freeRangeCount++
		} else {
			allocationCount++
		}
		return nil
	})

	json.Name("TotalBytes").Int(len(b.region))
	json.Name("UsedBytes").Int(b.sizeUsed)
	json.Name("FreeBytes").Int(freeBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("FreeRanges").Int(freeRangeCount)
}

// CheckCorruption will return nil if anti-corruption memory markers are
// present behind every live allocation in the heap.
func (b *heapBase) CheckCorruption() error {
	return b.VisitAllBlocks(func(offset, payload int, free bool) error {
		if !free && !heaputils.ValidateMagicValue(b.region, offset+b.headerSize+payload-heaputils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", offset+b.headerSize)
		}
		return nil
	})
}

// DebugLogAllAllocations will call the provided callback once for each live
// allocation, with the payload offset and payload size.
func (b *heapBase) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset, size int)) {
	_ = b.VisitAllBlocks(func(offset, payload int, free bool) error {
		if !free {
			logFunc(logger, offset+b.headerSize, payload)
		}
		return nil
	})
}
