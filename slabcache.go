// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import "unsafe"

// slabCacheCapacity bounds how many whole superpage-sized backing
// allocations the recycle cache holds ready for reuse. Kept small: each
// slot reserves SuperpageSize bytes up front via BoundedPool.Fill.
const slabCacheCapacity = 4

// noSlabIndex marks a superpage as not backed by the slab cache: either it
// was minted past the cache's fixed capacity, or its owning heap uses a
// custom PageProvider (see newSuperpageLocked).
const noSlabIndex = -1

// slabCache is a bounded, lock-free, multi-producer/multi-consumer cache of
// whole superpage-sized backing allocations, built directly on the
// teacher's BoundedPool[T] (bounded_pool.go) used in its native idiom:
// Fill once with capacity real buffers, then Get/Put check them in and out.
// When a superpage's topmost-order chunk frees (spec §3, "destroyed when
// its topmost-order free chunk equals the whole superpage"), a superpage
// that was checked out of this cache goes back through Put instead of an
// eager PageProvider.Unmap; a subsequent superpage-grow request tries Get
// first. This cuts backing-allocation churn for the cache's fixed capacity
// of superpages the same way the teacher's own doc.go motivates
// BoundedPool ("zero-allocation hot paths"); superpages minted past that
// capacity fall through to the ordinary PageProvider Map/Unmap pair.
//
// Only ever consulted for the default, cgo-free PageProvider
// (goHeapPageProvider): its Map is itself just AlignedMem, so a pre-warmed
// AlignedMem buffer has identical provenance to one Map would have
// produced. A Heap constructed with a custom PageProvider never consults
// this cache (heap.go:newSuperpageLocked) since a pooled Go-heap buffer
// would not satisfy whatever accounting that provider performs.
type slabCache struct {
	pool *BoundedPool[unsafe.Pointer]
}

func newSlabCache(capacity int) *slabCache {
	pool := NewBoundedPool[unsafe.Pointer](capacity)
	pool.Fill(func() unsafe.Pointer {
		mem := AlignedMem(int(SuperpageSize), PageSize)
		return unsafe.Pointer(unsafe.SliceData(mem))
	})
	pool.SetNonblock(true)
	return &slabCache{pool: pool}
}

// get checks out a pooled backing allocation along with the indirect index
// the caller must later hand back to put.
func (c *slabCache) get() (addr unsafe.Pointer, idx int, ok bool) {
	indirect, err := c.pool.Get()
	if err != nil {
		return nil, noSlabIndex, false
	}
	return c.pool.Value(indirect), indirect, true
}

// put checks a retired superpage's backing allocation back in, using the
// index returned by the get call that produced it.
func (c *slabCache) put(idx int) {
	_ = c.pool.Put(idx)
}

var globalSlabCache = newSlabCache(slabCacheCapacity)
