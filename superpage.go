// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"math/bits"
	"unsafe"
)

// superpage is a single power-of-two-sized region obtained from a
// PageProvider and subdivided by a buddy allocator into page-aligned
// blocks. Each heap owns a list of superpages (heap.go); all buddy
// operations on a superpage happen under that heap's spin lock, so
// superpage itself does no locking of its own.
type superpage struct {
	_ noCopy

	// owner is the heap whose spin lock (Heap.superpageMu) guards every
	// buddy operation on this superpage (spec §4.3: "a cross-thread
	// return... must acquire the owning thread's lock, not the freer's").
	// Ownership never transfers, matching spec §3 "Ownership".
	owner *Heap

	// slabIndex is the slab recycle cache's indirect index if this
	// superpage's backing allocation was checked out of globalSlabCache, or
	// noSlabIndex otherwise (slabcache.go).
	slabIndex int

	base     unsafe.Pointer
	numPages uint32
	maxOrder int

	// free[order] holds the page indices of free blocks of that order.
	// pos[order][pageIdx] is the index of pageIdx within free[order], used
	// for O(1) removal (swap-with-last) when a specific block is claimed
	// during buddy coalescing rather than popped arbitrarily.
	free [][]uint32
	pos  []map[uint32]int

	// blockFree[order][blockIdx] records whether the block starting at
	// page blockIdx*2^order is currently a free, unsplit block of exactly
	// that order.
	blockFree [][]bool

	allocatedPages uint32
}

// newSuperpage carves a fresh superpage of SuperpageSize bytes from the
// given provider, entirely free.
func newSuperpage(provider PageProvider) (*superpage, error) {
	addr, err := provider.Map(SuperpageSize)
	if err != nil {
		return nil, err
	}
	return newSuperpageAt(addr), nil
}

// newSuperpageAt builds a fresh, entirely-free superpage header over an
// already-mapped, SuperpageSize-sized backing range. Used both by
// newSuperpage (freshly mapped) and by heap.go's newSuperpageLocked for the
// slab recycle cache (slabcache.go), which hands back a previously-unmapped-then-pooled backing range instead
// of round-tripping through the PageProvider.
func newSuperpageAt(addr unsafe.Pointer) *superpage {
	numPages := uint32(SuperpageSize / PageSize)
	maxOrder := bits.Len32(numPages) - 1

	sp := &superpage{
		slabIndex: noSlabIndex,
		base:      addr,
		numPages:  numPages,
		maxOrder:  maxOrder,
		free:      make([][]uint32, maxOrder+1),
		pos:       make([]map[uint32]int, maxOrder+1),
		blockFree: make([][]bool, maxOrder+1),
	}
	for o := 0; o <= maxOrder; o++ {
		sp.pos[o] = make(map[uint32]int)
		sp.blockFree[o] = make([]bool, numPages>>uint(o))
	}
	sp.free[maxOrder] = []uint32{0}
	sp.pos[maxOrder][0] = 0
	sp.blockFree[maxOrder][0] = true
	return sp
}

func (sp *superpage) pageAddr(pageIdx uint32) unsafe.Pointer {
	return unsafe.Add(sp.base, uintptr(pageIdx)*PageSize)
}

func (sp *superpage) pushFree(order int, blockIdx uint32) {
	sp.pos[order][blockIdx] = len(sp.free[order])
	sp.free[order] = append(sp.free[order], blockIdx)
	sp.blockFree[order][blockIdx>>uint(order)] = true
}

// removeFree deletes blockIdx from free[order], wherever it sits, via
// swap-with-last. No-op if the block isn't tracked as free at that order.
func (sp *superpage) removeFree(order int, blockIdx uint32) bool {
	i, ok := sp.pos[order][blockIdx]
	if !ok {
		return false
	}
	last := len(sp.free[order]) - 1
	moved := sp.free[order][last]
	sp.free[order][i] = moved
	sp.pos[order][moved] = i
	sp.free[order] = sp.free[order][:last]
	delete(sp.pos[order], blockIdx)
	sp.blockFree[order][blockIdx>>uint(order)] = false
	return true
}

func (sp *superpage) popFree(order int) (uint32, bool) {
	n := len(sp.free[order])
	if n == 0 {
		return 0, false
	}
	blockIdx := sp.free[order][n-1]
	sp.removeFree(order, blockIdx)
	return blockIdx, true
}

// allocOrder claims one free block of exactly the given order, splitting a
// larger free block if necessary. Returns the starting page index, or false
// if the superpage has nothing large enough left.
func (sp *superpage) allocOrder(order int) (pageIdx uint32, ok bool) {
	if order > sp.maxOrder {
		return 0, false
	}
	src := order
	for src <= sp.maxOrder && len(sp.free[src]) == 0 {
		src++
	}
	if src > sp.maxOrder {
		return 0, false
	}
	blockIdx, _ := sp.popFree(src)
	for src > order {
		src--
		buddy := blockIdx + (1 << uint(src))
		sp.pushFree(src, buddy)
	}
	sp.allocatedPages += 1 << uint(order)
	return blockIdx, true
}

// freeOrder returns a previously allocated block of the given order to the
// free lists, coalescing with its buddy as far up as possible.
func (sp *superpage) freeOrder(pageIdx uint32, order int) {
	sp.allocatedPages -= 1 << uint(order)
	blockIdx := pageIdx
	for order < sp.maxOrder {
		buddy := blockIdx ^ (1 << uint(order))
		if !sp.blockFree[order][buddy>>uint(order)] {
			break
		}
		sp.removeFree(order, buddy)
		if buddy < blockIdx {
			blockIdx = buddy
		}
		order++
	}
	sp.pushFree(order, blockIdx)
}

// empty reports whether every page in the superpage is free: the whole
// region can be returned to the PageProvider (spec scenario "whole-superpage
// reclamation").
func (sp *superpage) empty() bool {
	return sp.allocatedPages == 0
}

// release unmaps the superpage's backing storage. Callers must first remove
// it from whatever heap-level superpage list references it.
func (sp *superpage) release(provider PageProvider) error {
	return provider.Unmap(sp.base, SuperpageSize)
}

// pageIndexOf reports whether addr falls within this superpage's range,
// returning its page index if so.
func (sp *superpage) pageIndexOf(addr unsafe.Pointer) (uint32, bool) {
	base := uintptr(sp.base)
	a := uintptr(addr)
	if a < base || a >= base+uintptr(sp.numPages)*PageSize {
		return 0, false
	}
	return uint32((a - base) / PageSize), true
}
