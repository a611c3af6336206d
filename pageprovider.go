// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import "unsafe"

// PageProvider maps and unmaps page-aligned virtual memory ranges. The
// allocator treats it as an opaque source and sink of backing storage for
// superpages; everything above this layer only ever sees the pointer Map
// returns.
//
// Implementations must return addresses aligned to at least PageSize, and
// bytes must be a multiple of PageSize. A Map failure makes the allocation
// that needed it return nil (heap.go); it is not panicked.
type PageProvider interface {
	Map(bytes uintptr) (unsafe.Pointer, error)
	Unmap(addr unsafe.Pointer, bytes uintptr) error
}

// goHeapPageProvider is the default PageProvider: it fakes page-aligned
// mappings on top of the Go heap using the same oversized-allocation-plus-
// pointer-alignment technique as AlignedMem, rather than calling into the
// operating system directly. Unmap is a no-op; the backing []byte is
// reclaimed by the garbage collector once the last superpage referencing it
// is dropped.
//
// Real deployments that want actual mmap/munmap (to let the OS reclaim
// address space, or to use huge pages) supply their own PageProvider via
// WithPageProvider; this default exists so the package has no cgo or
// syscall dependency and runs unmodified on every platform Go supports.
type goHeapPageProvider struct{}

func (goHeapPageProvider) Map(bytes uintptr) (unsafe.Pointer, error) {
	if bytes == 0 || bytes%PageSize != 0 {
		return nil, ErrOutOfMemory
	}
	mem := AlignedMem(int(bytes), PageSize)
	return unsafe.Pointer(unsafe.SliceData(mem)), nil
}

func (goHeapPageProvider) Unmap(addr unsafe.Pointer, bytes uintptr) error {
	return nil
}

// defaultPageProvider is the package-wide fallback used by NewHeap when no
// WithPageProvider option is given.
var defaultPageProvider PageProvider = goHeapPageProvider{}
