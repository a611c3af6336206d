// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"sync/atomic"
	"unsafe"
)

// The metadata index is a 3-level radix tree keyed by page number
// (address/PageSize), letting Release locate the bookkeeping for any
// interior pointer in O(1) without touching the pointer's contents.
//
// Interior nodes are installed lazily: the first registration in a given
// address range allocates the missing mid/leaf node and installs it with a
// CAS, so concurrent registrations in disjoint ranges never contend, and a
// losing CAS simply reuses the winner's node.
const (
	metaL1Bits = 16
	metaL2Bits = 18
	metaL3Bits = 18

	metaL1Size = 1 << metaL1Bits
	metaL2Size = 1 << metaL2Bits
	metaL3Size = 1 << metaL3Bits

	metaL2Mask = metaL2Size - 1
	metaL3Mask = metaL3Size - 1
)

// metaRecord is the tagged-union leaf entry: kind selects which fields are
// meaningful. kindSmall pages point at the owning pageblock; kindMedium
// pages point at the owning superpage plus the run's buddy order; a
// kindLarge record (first page only) carries the byte size and no superpage.
type metaRecord struct {
	kind  objectKind
	pb    *pageblock
	sp    *superpage
	order int     // buddy order, meaningful for kindMedium
	size  uintptr // usable byte size, meaningful for kindLarge

	// mapBase/mapSize hold the true PageProvider.Map-returned range for a
	// kindLarge record whose returned pointer is an aligned offset into it
	// (allocateLargeAligned), so Release can Unmap the whole mapped region
	// rather than the slice starting at the returned pointer. Both are zero
	// for a plain large allocation, where the returned pointer already is
	// the map base.
	mapBase unsafe.Pointer
	mapSize uintptr
}

type metaLeaf struct {
	records [metaL3Size]metaRecord
}

type metaMid struct {
	children [metaL2Size]atomic.Pointer[metaLeaf]
}

type metaRoot struct {
	children [metaL1Size]atomic.Pointer[metaMid]
}

var globalMetaIndex metaRoot

func pageNumberOf(addr uintptr) uintptr {
	return addr / PageSize
}

func splitPageNumber(pn uintptr) (l1, l2, l3 uintptr) {
	l3 = pn & metaL3Mask
	rest := pn >> metaL3Bits
	l2 = rest & metaL2Mask
	l1 = rest >> metaL2Bits
	return
}

// leafFor returns the leaf node covering pn, allocating the mid and leaf
// nodes on first use via lazy CAS install.
func leafFor(pn uintptr, create bool) *metaLeaf {
	l1, l2, _ := splitPageNumber(pn)
	if l1 >= metaL1Size {
		fatal("page number %d exceeds metadata index range", pn)
	}

	mid := globalMetaIndex.children[l1].Load()
	if mid == nil {
		if !create {
			return nil
		}
		fresh := &metaMid{}
		if globalMetaIndex.children[l1].CompareAndSwap(nil, fresh) {
			mid = fresh
		} else {
			mid = globalMetaIndex.children[l1].Load()
		}
	}

	leaf := mid.children[l2].Load()
	if leaf == nil {
		if !create {
			return nil
		}
		fresh := &metaLeaf{}
		if mid.children[l2].CompareAndSwap(nil, fresh) {
			leaf = fresh
		} else {
			leaf = mid.children[l2].Load()
		}
	}
	return leaf
}

// registerRange stamps rec across [startPage, startPage+numPages) of sp.
func registerRange(sp *superpage, startPage uint32, numPages uint32, rec metaRecord) {
	base := pageNumberOf(uintptr(sp.base))
	for i := uint32(0); i < numPages; i++ {
		pn := base + uintptr(startPage) + uintptr(i)
		_, _, l3 := splitPageNumber(pn)
		leaf := leafFor(pn, true)
		leaf.records[l3] = rec
	}
}

// unregisterRange clears the tagged-union record across a page range,
// called once a pageblock or medium run has been returned to its superpage.
// Large-object records are not cleared on Release.
func unregisterRange(sp *superpage, startPage uint32, numPages uint32) {
	registerRange(sp, startPage, numPages, metaRecord{})
}

// lookup finds the record covering addr, if any. Used by Release and
// UsableSize to identify which allocation path produced a pointer.
func lookup(addr uintptr) (metaRecord, bool) {
	pn := pageNumberOf(addr)
	leaf := leafFor(pn, false)
	if leaf == nil {
		return metaRecord{}, false
	}
	_, _, l3 := splitPageNumber(pn)
	rec := leaf.records[l3]
	if rec.kind == kindNone {
		return metaRecord{}, false
	}
	return rec, true
}
