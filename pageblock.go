// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"sync/atomic"
	"unsafe"
)

// orphanOwner is the sentinel owner id stored in a pageblock's garbage word
// when its heap Closes while every slot is in use (heap.go
// finalizePageblock). Such a pageblock is on no global list; the next heap
// whose Release lands on it adopts it via tryAdopt (heap.go freeSmall).
const orphanOwner uint32 = 0

// Garbage word bit layout: a single atomic.Uint64 doubles as the pageblock's
// current owner and the head of its lock-free remote-free stack.
//
//	[63:32] owning heap id (orphanOwner if none)
//	[31:12] one-based garbage-stack head slot index (0 = empty)
//	[11:0]  generation counter, bumped on every push
//
// Go has no portable double-word CAS, so unlike a native Treiber stack with
// a separate ABA tag, the generation here shares one word with the pointer
// (slot index) it guards: a classic single-word packed stack, same
// technique C allocators use when they don't trust double-word CAS either.
const (
	garbageGenBits  = 12
	garbageGenMask  = 1<<garbageGenBits - 1
	garbageHeadBits = 20
	garbageHeadMask = 1<<garbageHeadBits - 1
)

func packGarbage(owner uint32, head uint32, gen uint32) uint64 {
	return uint64(owner)<<32 | uint64(head&garbageHeadMask)<<garbageGenBits | uint64(gen&garbageGenMask)
}

func unpackGarbage(w uint64) (owner uint32, head uint32, gen uint32) {
	owner = uint32(w >> 32)
	head = uint32(w>>garbageGenBits) & garbageHeadMask
	gen = uint32(w) & garbageGenMask
	return
}

// pageblock is a run of pages, carved from a superpage, dedicated to one
// small-object size class. It holds a local free list (touched only by its
// owning heap) and a lock-free remote-free stack (touched by any other
// heap releasing a pointer it didn't allocate).
type pageblock struct {
	_ noCopy

	sp        *superpage
	startPage uint32
	order     int
	class     int
	objSize   uintptr
	numSlots  int32

	base unsafe.Pointer

	// heap is the owning Heap's handle, mirrored from the garbage word's
	// owner id for convenient access on the fast path (heap.go). Touched
	// only by the current owner; adoption updates it right after installing
	// the new owner id (heap.go: claimPageblock, getFreePageblock,
	// adoptAndFree).
	heap *Heap

	// activeNext/activePrev link this pageblock into its owning heap's
	// per-class active list (heap.go). Plain pointers: only the owning
	// heap ever walks or mutates this list.
	activeNext, activePrev *pageblock

	// localFree is a stack of free slot indices; only the owning heap
	// touches it, so no synchronization is needed here.
	localFree []int32

	// garbageNext[slot] is the remote-free stack's intrusive "next" link,
	// a one-based slot index, written by the pushing thread before the CAS
	// that makes the push visible (pageblock.go:remoteFree).
	garbageNext []int32

	garbage atomic.Uint64

	// next links this pageblock into the global partial/free lists
	// (globallist.go); the active list uses activeNext/activePrev.
	next atomic.Pointer[pageblock]

	// pushGen counts pushes onto a global list (reset by resetFor). Nothing
	// reads it back: pops do not compare it (see globallist.go).
	pushGen atomic.Uint32
}

// newPageblock carves numSlots objSize-byte slots from sp starting at
// startPage, owned by ownerID.
func newPageblock(sp *superpage, startPage uint32, order int, class int, ownerID uint32) *pageblock {
	objSize := representative(class)
	blockBytes := uintptr(1<<uint(order)) * PageSize
	numSlots := int32(blockBytes / objSize)

	pb := &pageblock{
		sp:          sp,
		startPage:   startPage,
		order:       order,
		class:       class,
		objSize:     objSize,
		numSlots:    numSlots,
		base:        sp.pageAddr(startPage),
		localFree:   make([]int32, numSlots),
		garbageNext: make([]int32, numSlots),
	}
	for i := range pb.localFree {
		pb.localFree[i] = int32(numSlots) - 1 - int32(i)
	}
	pb.garbage.Store(packGarbage(ownerID, 0, 0))
	return pb
}

func (pb *pageblock) slotAddr(slot int32) unsafe.Pointer {
	return unsafe.Add(pb.base, uintptr(slot)*pb.objSize)
}

func (pb *pageblock) slotOf(addr unsafe.Pointer) (int32, bool) {
	base := uintptr(pb.base)
	a := uintptr(addr)
	span := uintptr(pb.numSlots) * pb.objSize
	if a < base || a >= base+span {
		return 0, false
	}
	return int32((a - base) / pb.objSize), true
}

// owner returns the heap id currently recorded in the garbage word.
func (pb *pageblock) owner() uint32 {
	owner, _, _ := unpackGarbage(pb.garbage.Load())
	return owner
}

// setOwner transfers ownership, used when a heap takes a pageblock from its
// own inactive cache or from the global free list (heap.go claimPageblock).
// Only ever called by the single thread taking the pageblock, before it is
// linked into that thread's active list. The owner bits are replaced with a
// CAS loop that keeps the current garbage head and generation, so a
// concurrent remote-free push is not lost; the packed CAS in remoteFree in
// turn always preserves whatever owner bits are currently present.
func (pb *pageblock) setOwner(ownerID uint32) {
	for {
		old := pb.garbage.Load()
		_, head, gen := unpackGarbage(old)
		if pb.garbage.CompareAndSwap(old, packGarbage(ownerID, head, gen)) {
			return
		}
	}
}

// tryAdopt CAS-installs newOwner as the pageblock's owner, but only if it
// currently reads as orphaned. Used by the free path's adoption branch
// (spec §4.5, §4.6: "any thread may attempt adoption via CAS"). Returns
// false if the word changed under us — another heap won the race, or a
// remote free landed first — in which case the caller re-reads the owner
// and proceeds on whichever path now applies.
func (pb *pageblock) tryAdopt(newOwner uint32) bool {
	old := pb.garbage.Load()
	owner, head, gen := unpackGarbage(old)
	if owner != orphanOwner {
		return false
	}
	return pb.garbage.CompareAndSwap(old, packGarbage(newOwner, head, gen))
}

// tryOrphan CAS-installs the orphan sentinel as owner, but only if the
// garbage stack is currently empty (spec §4.6: a concurrent remote free
// racing in between the caller's drainGarbage and this call must cause the
// CAS to fail, so the caller re-routes the pageblock to the partial list
// instead of orphaning it with live garbage attached).
func (pb *pageblock) tryOrphan() bool {
	old := pb.garbage.Load()
	owner, head, gen := unpackGarbage(old)
	_ = owner
	if head != 0 {
		return false
	}
	return pb.garbage.CompareAndSwap(old, packGarbage(orphanOwner, 0, gen))
}

// claimFromPartial CAS-installs newOwner as this pageblock's owner, but only
// if the garbage word doesn't already read as orphaned. Used by the global
// partial list's consumer (heap.go getFreePageblock) as a defense-in-depth
// check reconciling the two adoption routes: a pageblock pushed to partial
// by finalizePageblock is never supposed to also become CAS-orphaned while
// still linked there, but if it somehow did, this refuses the claim instead
// of handing out a pageblock tryAdopt might concurrently hand to someone
// else too (spec §8 invariants 4, 7). Retries through concurrent remote
// frees, which only touch the garbage head/gen, never the owner field.
func (pb *pageblock) claimFromPartial(newOwner uint32) bool {
	for {
		old := pb.garbage.Load()
		owner, head, gen := unpackGarbage(old)
		if owner == orphanOwner {
			return false
		}
		if pb.garbage.CompareAndSwap(old, packGarbage(newOwner, head, gen)) {
			return true
		}
	}
}

// resetFor re-initializes a recycled pageblock header for a new chunk,
// possibly of a different size class carved from the same pageblock-size
// chunk: geometry is rebuilt from scratch, matching spec §3's lifecycle
// note "reused, possibly for a different class (reset slot geometry on
// reuse)." numSlots is recomputed from objSize/order; the localFree and
// garbageNext slices are only reallocated when the new slot count exceeds
// their capacity (a same-class reuse of a header from the global free list,
// heap.go getFreePageblock, needs no reallocation at all).
func (pb *pageblock) resetFor(sp *superpage, startPage uint32, order int, class int, objSize uintptr, ownerID uint32) {
	blockBytes := uintptr(1<<uint(order)) * PageSize
	numSlots := int32(blockBytes / objSize)

	pb.sp = sp
	pb.startPage = startPage
	pb.order = order
	pb.class = class
	pb.objSize = objSize
	pb.numSlots = numSlots
	pb.base = sp.pageAddr(startPage)
	pb.heap = nil
	pb.activeNext, pb.activePrev = nil, nil
	pb.next.Store(nil)
	pb.pushGen.Store(0)

	n := int(numSlots)
	if cap(pb.localFree) < n {
		pb.localFree = make([]int32, n)
		pb.garbageNext = make([]int32, n)
	} else {
		pb.localFree = pb.localFree[:n]
		pb.garbageNext = pb.garbageNext[:n]
	}
	for i := 0; i < n; i++ {
		pb.localFree[i] = int32(n - 1 - i)
	}
	for i := range pb.garbageNext {
		pb.garbageNext[i] = 0
	}
	pb.garbage.Store(packGarbage(ownerID, 0, 0))
}

// acquire pops a slot from the local free list. The caller (heap.go) must
// first call drainGarbage if the local list is empty and the remote stack
// might hold slots.
func (pb *pageblock) acquire() (int32, bool) {
	n := len(pb.localFree)
	if n == 0 {
		return 0, false
	}
	slot := pb.localFree[n-1]
	pb.localFree = pb.localFree[:n-1]
	return slot, true
}

// localFreeSlot pushes a slot back onto the local free list: the fast path
// taken when the releasing heap is also the owning heap.
func (pb *pageblock) localFreeSlot(slot int32) {
	pb.localFree = append(pb.localFree, slot)
}

// remoteFree pushes a slot onto the lock-free garbage stack: taken when the
// releasing heap is not this pageblock's current owner. Lock-free: a single
// CAS retry loop, no spin-wait backoff needed since contention here is
// bounded by the number of concurrently-freeing heaps, not by a held lock.
func (pb *pageblock) remoteFree(slot int32) {
	for {
		old := pb.garbage.Load()
		owner, head, gen := unpackGarbage(old)
		pb.garbageNext[slot] = int32(head)
		newWord := packGarbage(owner, uint32(slot)+1, gen+1)
		if pb.garbage.CompareAndSwap(old, newWord) {
			return
		}
	}
}

// drainGarbage atomically lifts the entire remote-free stack onto the
// local free list, resetting the garbage head to empty. Called by the
// owning heap when its local free list runs dry (spec scenario 2:
// cross-thread free becomes visible to the owner on its next allocation).
func (pb *pageblock) drainGarbage() int {
	for {
		old := pb.garbage.Load()
		owner, head, gen := unpackGarbage(old)
		if head == 0 {
			return 0
		}
		newWord := packGarbage(owner, 0, gen+1)
		if pb.garbage.CompareAndSwap(old, newWord) {
			n := 0
			for head != 0 {
				slot := int32(head) - 1
				next := pb.garbageNext[slot]
				pb.localFreeSlot(slot)
				head = uint32(next)
				n++
			}
			return n
		}
	}
}

// full reports whether every slot is checked out: neither the local free
// list nor (best-effort, unsynchronized) the garbage stack has anything.
func (pb *pageblock) full() bool {
	if len(pb.localFree) != 0 {
		return false
	}
	_, head, _ := unpackGarbage(pb.garbage.Load())
	return head == 0
}

// empty reports whether every slot is free: local free list alone covers
// numSlots, meaning nothing is checked out and nothing can be in the
// garbage stack either.
func (pb *pageblock) empty() bool {
	return len(pb.localFree) == int(pb.numSlots)
}

// pageCount returns the number of PageSize pages this pageblock spans.
func (pb *pageblock) pageCount() uintptr {
	return 1 << uint(pb.order)
}
