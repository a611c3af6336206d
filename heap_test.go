// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc_test

import (
	"sync"
	"testing"
	"unsafe"

	"code.hybscloud.com/streamalloc"
)

// scenario 1: a single heap can allocate a small object, write through it
// and read the bytes back, and release it.
func TestHeap_SingleThreadRoundTrip(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	p := h.Allocate(40)
	if p == nil {
		t.Fatal("Allocate(40) returned nil")
	}
	buf := unsafe.Slice((*byte)(p), 40)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d corrupted: got %d, want %d", i, buf[i], byte(i))
		}
	}
	h.Release(p)
}

func TestHeap_AllocateZeroOrNegativeReturnsNil(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	if p := h.Allocate(0); p != nil {
		t.Error("Allocate(0) did not return nil")
	}
	if p := h.Allocate(-1); p != nil {
		t.Error("Allocate(-1) did not return nil")
	}
}

func TestHeap_ReleaseNilIsNoop(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()
	h.Release(nil) // must not panic
}

// scenario 2: a pointer allocated on one heap, freed from another, becomes
// visible to the owner on its next allocation from the same pageblock.
func TestHeap_CrossThreadFreeBecomesVisible(t *testing.T) {
	owner := streamalloc.NewHeap()
	defer owner.Close()

	count := 256
	if raceEnabled {
		count = 32 // the race detector's own overhead dominates at full fan-out
	}

	const class = 48
	ptrs := make([]unsafe.Pointer, count)
	for i := range ptrs {
		ptrs[i] = owner.Allocate(class)
		if ptrs[i] == nil {
			t.Fatalf("Allocate(%d) returned nil at i=%d", class, i)
		}
	}

	// Each goroutine borrows its own heap from the package Allocator to
	// release one pointer, matching the documented one-goroutine-per-heap
	// contract while still exercising the lock-free remote-free stack
	// concurrently from many distinct heaps.
	var wg sync.WaitGroup
	for _, p := range ptrs {
		wg.Add(1)
		go func(ptr unsafe.Pointer) {
			defer wg.Done()
			streamalloc.Release(ptr)
		}(p)
	}
	wg.Wait()

	// Once its local free list runs dry, the owner heap's next allocations
	// of the same class must drain the remote-free garbage stack and hand
	// back one of the remotely freed slots rather than carving fresh pages
	// forever.
	freed := make(map[unsafe.Pointer]bool, len(ptrs))
	for _, p := range ptrs {
		freed[p] = true
	}
	for i := 0; i < 4096; i++ {
		p := owner.Allocate(class)
		if p == nil {
			t.Fatalf("owner could not reuse freed slots at i=%d", i)
		}
		if freed[p] {
			return
		}
	}
	t.Fatal("owner never handed back a remotely freed slot")
}

// scenario 3: closing a heap with one outstanding allocation in a pageblock
// that still has free slots puts that pageblock on the global partial list
// under the closed heap's id; it is not orphaned. Another heap can release
// the pointer and keep allocating the same class afterwards.
func TestHeap_OrphanAdoption(t *testing.T) {
	h1 := streamalloc.NewHeap()
	const class = 32
	p := h1.Allocate(class)
	if p == nil {
		t.Fatal("Allocate returned nil")
	}
	h1.Close()

	h2 := streamalloc.NewHeap()
	defer h2.Close()
	// h2 has never touched this pointer's pageblock, whose owner id is still
	// h1's: releasing it takes the remote-free path and must not panic.
	h2.Release(p)

	q := h2.Allocate(class)
	if q == nil {
		t.Fatal("h2 could not allocate after adopting an orphaned pageblock")
	}
}

// scenario 5 (buddy split/merge) exercised indirectly: medium objects route
// straight through the buddy allocator.
func TestHeap_MediumAllocateFreeRoundTrip(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	n := int(streamalloc.PageSize) * 3
	p := h.Allocate(n)
	if p == nil {
		t.Fatalf("Allocate(%d) returned nil", n)
	}
	if got := h.UsableSize(p); got < n {
		t.Fatalf("UsableSize(medium) = %d, want >= %d", got, n)
	}
	h.Release(p)

	// The freed chunk must be reusable: allocate the same size again.
	q := h.Allocate(n)
	if q == nil {
		t.Fatal("could not reallocate after freeing a medium object")
	}
	h.Release(q)
}

func TestHeap_LargeAllocateFreeRoundTrip(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	n := int(streamalloc.SuperpageSize) + int(streamalloc.PageSize)
	p := h.Allocate(n)
	if p == nil {
		t.Fatalf("Allocate(%d) returned nil", n)
	}
	if got := h.UsableSize(p); got < n {
		t.Fatalf("UsableSize(large) = %d, want >= %d", got, n)
	}
	h.Release(p)
}

func TestHeap_Reallocate(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	p := h.Allocate(16)
	buf := unsafe.Slice((*byte)(p), 16)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	grown := h.Reallocate(p, 512)
	if grown == nil {
		t.Fatal("Reallocate to a larger size returned nil")
	}
	gbuf := unsafe.Slice((*byte)(grown), 16)
	for i := range gbuf {
		if gbuf[i] != byte(i+1) {
			t.Fatalf("Reallocate did not preserve byte %d: got %d, want %d", i, gbuf[i], i+1)
		}
	}
	h.Release(grown)

	if p := h.Reallocate(nil, 32); p == nil {
		t.Error("Reallocate(nil, n) did not behave like Allocate(n)")
	} else {
		h.Release(p)
	}

	q := h.Allocate(64)
	if h.Reallocate(q, 0) != nil {
		t.Error("Reallocate(p, 0) did not return nil")
	}
}

func TestHeap_AlignedAllocate(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	aligns := []int{
		8, 16, 64, int(streamalloc.PageSize),
		2 * int(streamalloc.PageSize),
		4 * int(streamalloc.PageSize),
	}
	for _, align := range aligns {
		p := h.AlignedAllocate(align, 100)
		if p == nil {
			t.Fatalf("AlignedAllocate(%d, 100) returned nil", align)
		}
		if uintptr(p)%uintptr(align) != 0 {
			t.Fatalf("AlignedAllocate(%d, ...) returned misaligned pointer %p", align, p)
		}
		h.Release(p)
	}
}

// scenario (finalizePageblock): a pageblock with no free slots and no
// garbage when its owning heap Closes must be CAS-orphaned off every list,
// not handed out via popPartial to a heap that then finds it has nothing
// free to give.
func TestHeap_CloseWithFullPageblockDoesNotAbort(t *testing.T) {
	h1 := streamalloc.NewHeap()

	// The largest small-object size: its pageblocks hold the fewest slots,
	// so a modest allocation count is enough to completely fill at least
	// the first one carved.
	class := int(streamalloc.PageSize) / 2

	var ptrs []unsafe.Pointer
	for i := 0; i < 4096; i++ {
		p := h1.Allocate(class)
		if p == nil {
			break
		}
		ptrs = append(ptrs, p)
	}
	if len(ptrs) == 0 {
		t.Fatal("could not allocate any object of the largest small class")
	}
	h1.Close()

	h2 := streamalloc.NewHeap()
	defer h2.Close()
	for i := 0; i < 64; i++ {
		if p := h2.Allocate(class); p == nil {
			t.Fatalf("Allocate(%d) returned nil on a second heap after the first heap closed with a full pageblock live", class)
		}
	}
}

// scenario 4: a superpage whose every pageblock/chunk frees is returned
// entirely, and the heap can keep allocating afterward from a fresh one.
func TestHeap_WholeSuperpageReclamation(t *testing.T) {
	h := streamalloc.NewHeap()
	defer h.Close()

	n := int(streamalloc.SuperpageSize) / 2
	p := h.Allocate(n)
	if p == nil {
		t.Fatal("Allocate returned nil")
	}
	h.Release(p)

	q := h.Allocate(n)
	if q == nil {
		t.Fatal("could not allocate again after a whole-superpage reclamation")
	}
	h.Release(q)
}

// scenario (destroyPageblock): once every slot carved from a pageblock is
// freed and the per-heap inactive cache has no room for it, its backing
// chunk must actually return to the superpage rather than being kept alive
// forever, so a superpage that only ever served one such pageblock gets
// unmapped.
func TestHeap_EmptyingSmallPageblockReclaimsSuperpage(t *testing.T) {
	origCache := streamalloc.InactiveCacheCapacity
	defer func() { streamalloc.InactiveCacheCapacity = origCache }()
	streamalloc.InactiveCacheCapacity = 0

	var mu sync.Mutex
	unmaps := 0
	provider := countingUnmapProvider{onUnmap: func() {
		mu.Lock()
		unmaps++
		mu.Unlock()
	}}

	h := streamalloc.NewHeapWithProvider(provider)
	defer h.Close()

	const n = 8
	var ptrs []unsafe.Pointer
	for i := 0; i < 32; i++ {
		p := h.Allocate(n)
		if p == nil {
			t.Fatalf("Allocate(%d) returned nil at i=%d", n, i)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		h.Release(p)
	}

	mu.Lock()
	defer mu.Unlock()
	if unmaps == 0 {
		t.Fatal("freeing every object from a pageblock past an empty inactive cache never reclaimed its superpage")
	}
}

type countingUnmapProvider struct {
	onUnmap func()
}

func (p countingUnmapProvider) Map(bytes uintptr) (unsafe.Pointer, error) {
	mem := streamalloc.AlignedMem(int(bytes), streamalloc.PageSize)
	return unsafe.Pointer(unsafe.SliceData(mem)), nil
}

func (p countingUnmapProvider) Unmap(addr unsafe.Pointer, bytes uintptr) error {
	p.onUnmap()
	return nil
}

// Each goroutine owns its own heap, per the package's single-owner
// concurrency contract; only the underlying superpages and metadata index
// are actually shared and exercised concurrently here.
func TestHeap_ManySizesManyGoroutines(t *testing.T) {
	sizes := []int{1, 8, 33, 100, 500, 4000}
	var wg sync.WaitGroup
	for _, sz := range sizes {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h := streamalloc.NewHeap()
			defer h.Close()
			p := h.Allocate(n)
			if p == nil {
				t.Errorf("Allocate(%d) returned nil", n)
				return
			}
			h.Release(p)
		}(sz)
	}
	wg.Wait()
}
