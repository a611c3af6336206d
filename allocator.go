// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"sync"
	"unsafe"
)

// Allocator hands out *Heap values from a sync.Pool, mirroring how the Go
// runtime hands out a per-P mcache: a goroutine that calls Allocator.Allocate
// borrows a heap, uses it for exactly that call, and returns it to the pool
// immediately, so no goroutine ever needs to manage a *Heap of its own (see
// doc.go "Ownership model"). This is the free-function surface spec §6
// describes for the C/C++ shim layer, expressed idiomatically for Go
// callers who would rather not think about heaps at all.
//
// Borrowed heaps are never Closed: sync.Pool's own eviction (which runs
// between GC cycles) drops idle heaps without calling Heap.Close, and no
// finalizer is registered, so a dropped heap's pageblocks are neither
// pushed to the global lists nor orphaned.
type Allocator struct {
	pool     sync.Pool
	provider PageProvider
}

// AllocatorOption configures a new Allocator.
type AllocatorOption func(*Allocator)

// WithPageProvider overrides the PageProvider new heaps borrowed from this
// Allocator use, in place of the package default.
func WithPageProvider(p PageProvider) AllocatorOption {
	return func(a *Allocator) { a.provider = p }
}

// NewAllocator creates an Allocator. Heaps it hands out are backed by the
// default PageProvider unless WithPageProvider overrides it.
func NewAllocator(opts ...AllocatorOption) *Allocator {
	a := &Allocator{provider: defaultPageProvider}
	for _, opt := range opts {
		opt(a)
	}
	a.pool.New = func() any {
		return NewHeapWithProvider(a.provider)
	}
	return a
}

func (a *Allocator) borrow() *Heap {
	return a.pool.Get().(*Heap)
}

func (a *Allocator) release(h *Heap) {
	a.pool.Put(h)
}

// Allocate returns bytes bytes of memory from a pooled heap, or nil per
// spec §6's allocate table (bytes == 0, or page-provider exhaustion).
func (a *Allocator) Allocate(bytes int) unsafe.Pointer {
	h := a.borrow()
	p := h.Allocate(bytes)
	a.release(h)
	return p
}

// AlignedAllocate returns a block of at least bytes bytes aligned to align,
// a power of two.
func (a *Allocator) AlignedAllocate(align, bytes int) unsafe.Pointer {
	h := a.borrow()
	p := h.AlignedAllocate(align, bytes)
	a.release(h)
	return p
}

// Release frees ptr, which may have been allocated by any heap (this
// Allocator's or any standalone *Heap). A nil ptr is a no-op.
func (a *Allocator) Release(ptr unsafe.Pointer) {
	h := a.borrow()
	h.Release(ptr)
	a.release(h)
}

// UsableSize returns the recorded usable size of ptr.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	h := a.borrow()
	n := h.UsableSize(ptr)
	a.release(h)
	return n
}

// Reallocate returns a pointer to a block of at least bytes bytes, copying
// min(old, new) bytes from ptr (which may be nil).
func (a *Allocator) Reallocate(ptr unsafe.Pointer, bytes int) unsafe.Pointer {
	h := a.borrow()
	p := h.Reallocate(ptr, bytes)
	a.release(h)
	return p
}

// Default is the package-level Allocator backing the free functions below.
var Default = NewAllocator()

// Allocate is a convenience wrapper over Default.Allocate.
func Allocate(bytes int) unsafe.Pointer { return Default.Allocate(bytes) }

// Release is a convenience wrapper over Default.Release.
func Release(ptr unsafe.Pointer) { Default.Release(ptr) }

// UsableSize is a convenience wrapper over Default.UsableSize.
func UsableSize(ptr unsafe.Pointer) int { return Default.UsableSize(ptr) }

// Reallocate is a convenience wrapper over Default.Reallocate.
func Reallocate(ptr unsafe.Pointer, bytes int) unsafe.Pointer {
	return Default.Reallocate(ptr, bytes)
}

// AlignedAllocate is a convenience wrapper over Default.AlignedAllocate.
func AlignedAllocate(align, bytes int) unsafe.Pointer {
	return Default.AlignedAllocate(align, bytes)
}
