// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"unsafe"

	"code.hybscloud.com/streamalloc/internal"
)

// AlignedMem returns a byte slice with the specified size and starting
// address aligned to pageSize. Used by the default PageProvider to fake
// page-aligned mappings on top of the Go heap (pageprovider.go) and by
// slabcache.go for pre-allocated superpage backing storage.
//
// The returned slice shares underlying memory with a larger allocation;
// do not assume len(result) == cap(result).
func AlignedMem(size int, pageSize uintptr) []byte {
	p := make([]byte, uintptr(size)+pageSize-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+pageSize-1)/pageSize)*pageSize - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}

// AlignedMemBlocks returns n page-aligned byte slices, each of length
// pageSize, sharing one contiguous underlying allocation.
//
// Panics if n < 1.
func AlignedMemBlocks(n int, pageSize uintptr) (blocks [][]byte) {
	if n < 1 {
		panic("bad block num")
	}
	blocks = make([][]byte, n)
	p := make([]byte, int(pageSize)*(n+1))
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+pageSize-1)/pageSize)*pageSize - uintptr(base)
	for i := range n {
		blocks[i] = unsafe.Slice((*byte)(unsafe.Add(base, offset+uintptr(i)*pageSize)), pageSize)
	}
	return
}

// AlignedMemBlock returns a single page-aligned block using the system page
// size. Equivalent to AlignedMemBlocks(1, PageSize)[0].
func AlignedMemBlock() []byte {
	return AlignedMemBlocks(1, PageSize)[0]
}

// CacheLineSize is the CPU L1 cache line size for the current architecture,
// selected at compile time by build tag (internal/cacheline_*.go). Used by
// bounded_pool.go to size its index remap table against false sharing, and
// exported here for callers building their own PageProvider or
// cache-conscious structures on top of this package.
const CacheLineSize = internal.CacheLineSize

// CacheLineAlignedMem returns a byte slice with the specified size and
// starting address aligned to the CPU cache line size.
func CacheLineAlignedMem(size int) []byte {
	align := uintptr(CacheLineSize)
	p := make([]byte, uintptr(size)+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}

// CacheLineAlignedMemBlocks returns n cache-line-aligned byte slices, each of
// length blockSize. Adjacent blocks are separated by cache line boundaries to
// prevent false sharing.
func CacheLineAlignedMemBlocks(n int, blockSize int) (blocks [][]byte) {
	if n < 1 {
		panic("bad block num")
	}
	align := uintptr(CacheLineSize)
	alignedBlockSize := ((uintptr(blockSize) + align - 1) / align) * align
	totalSize := int(alignedBlockSize)*n + int(align) - 1
	p := make([]byte, totalSize)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	blocks = make([][]byte, n)
	for i := range n {
		blocks[i] = unsafe.Slice((*byte)(unsafe.Add(base, offset+uintptr(i)*alignedBlockSize)), blockSize)
	}
	return
}
