package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// DumpHeap writes the region bounds, usage counters, and per-block header
// decodings to the provided writer as a json object.
func (h *ImplicitHeap) DumpHeap(writer *jwriter.Writer) {
	dumpHeap(h, writer)
}

// DumpHeap writes the region bounds, usage counters, and per-block header
// decodings to the provided writer as a json object.
func (h *ExplicitHeap) DumpHeap(writer *jwriter.Writer) {
	dumpHeap(h, writer)
}

func dumpHeap(h Heap, writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	h.HeapJsonData(objState)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	// Second pass
	_ = h.VisitAllBlocks(
		func(offset, payload int, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Payload").Int(payload)
			obj.Name("Free").Bool(free)

			return nil
		})
	arrayState.End()

	// HeapJsonData receives objState by value, so members it writes are not
	// recorded in objState. Writing the counters after Blocks means the copy
	// already has a member and emits the separating commas itself.
	h.HeapJsonData(objState)
}

// BuildHeapString dumps the heap to a json string. This is a convenience
// wrapper around DumpHeap for consumers that do not carry their own writer.
func BuildHeapString(h Heap) string {
	writer := jwriter.NewWriter()
	h.DumpHeap(&writer)

	return string(writer.Bytes())
}
