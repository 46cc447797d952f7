package heaputils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// NilRegionError is the error returned from Heap.Init when the provided backing region is nil or empty
var NilRegionError error = errors.New("backing region must not be nil")

// RegionSizeError is the error returned from Heap.Init when the provided backing region cannot hold
// at least one minimum-sized block or is not a multiple of the heap alignment
var RegionSizeError error = errors.New("backing region has an unusable size")

// RegionAlignError is the error returned from Heap.Init when the provided backing region does not
// begin on an 8-byte boundary
var RegionAlignError error = errors.New("backing region must be 8-byte aligned")
