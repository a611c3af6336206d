// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"
)

// heapIDCounter hands out monotonically increasing heap ids, the Go-native
// analogue of spec §6's thread-creation hook ("assign an identifier by
// atomic fetch-and-add on a process-wide counter"). 0 is reserved as
// orphanOwner, so ids start at 1.
var heapIDCounter atomic.Uint32

func nextHeapID() uint32 {
	return heapIDCounter.Add(1)
}

// mediumThreshold is the largest request served from a pageblock slot;
// anything larger goes to the medium (direct buddy chunk) path: spec §3
// puts the cutover at half a page.
func mediumThreshold() uintptr {
	return PageSize / 2
}

// classifyKind dispatches a requested byte count to spec §3's three object
// kinds.
func classifyKind(n uintptr) objectKind {
	switch {
	case n <= mediumThreshold():
		return kindSmall
	case n <= SuperpageSize:
		return kindMedium
	default:
		return kindLarge
	}
}

func bitsLen(n uintptr) uint {
	var l uint
	for n > 0 {
		l++
		n >>= 1
	}
	return l
}

func roundUpPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	p := uintptr(1)
	for p < n {
		p <<= 1
	}
	return p
}

// computePageblockSize picks the power-of-two-page chunk size a fresh
// pageblock of class is carved to, bounded by [MinPageblockSize,
// MaxPageblockSize] and [PageSize, SuperpageSize], aiming for roughly 1024
// objects per block (spec §4.4.c).
func computePageblockSize(class int) uintptr {
	objSize := representative(class)
	want := objSize * 1024
	if want < MinPageblockSize {
		want = MinPageblockSize
	}
	if want > MaxPageblockSize {
		want = MaxPageblockSize
	}
	size := roundUpPow2(want)
	if size < PageSize {
		size = PageSize
	}
	ceiling := uintptr(1) << (bitsLen(MaxPageblockSize) - 1)
	if size > ceiling {
		size = ceiling
	}
	if size > SuperpageSize {
		size = uintptr(1) << (bitsLen(SuperpageSize) - 1)
	}
	return size
}

// pageblockOrderForClass returns the buddy order a fresh pageblock for
// class is carved at, matching computePageblockSize.
func pageblockOrderForClass(class int) int {
	return int(bitsLen(computePageblockSize(class)/PageSize)) - 1
}

// maxPageblockOrder bounds the global free list's order index (globallist.go).
func maxPageblockOrder() int {
	size := MaxPageblockSize
	if size > SuperpageSize {
		size = SuperpageSize
	}
	return int(bitsLen(size/PageSize)) - 1
}

// spinlock is a minimal CAS spinlock built on the teacher's spin package
// primitives (spin.Wait's adaptive backoff, also used by bounded_pool.go's
// own CAS-retry loops), guarding each heap's own superpages per spec §5:
// "the owning-thread spin lock around any buddy_alloc / buddy_free on one
// of that thread's superpages."
type spinlock struct {
	_    noCopy
	held atomic.Bool
}

func (s *spinlock) Lock() {
	var sw spin.Wait
	for !s.held.CompareAndSwap(false, true) {
		sw.Once()
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}

// Heap is the Go-native handle standing in for "thread" throughout this
// module (see doc.go "Ownership model"). Callers acquire one per worker
// goroutine, use it for the goroutine's lifetime, and Close it when done;
// the package-level Allocator hands heaps out of a sync.Pool instead.
//
// A Heap is not safe for concurrent use by multiple goroutines: exactly one
// goroutine may call Allocate/Release/Reallocate/Close on a given Heap at a
// time, matching spec §5 ("Each thread owns private state"). Pointers it
// allocates may be Released by any other Heap.
type Heap struct {
	_ noCopy

	id uint32

	provider PageProvider

	// active[class] / activeTail[class] are the head/tail of the doubly
	// linked active pageblock list for that size class (spec §3
	// "Thread-local heap table").
	active     []*pageblock
	activeTail []*pageblock

	// inactive[class] is a bounded LIFO of fully-free pageblocks kept for
	// fast reuse. An empty pageblock that finds it full is returned to its
	// superpage (destroyPageblock); Close drains it to the global free list.
	inactive [][]*pageblock

	superpages  []*superpage
	superpageMu spinlock

	quickie quickie
}

// NewHeap creates a fresh Heap using the default PageProvider. Equivalent to
// NewHeapWithProvider(defaultPageProvider).
func NewHeap() *Heap {
	return NewHeapWithProvider(defaultPageProvider)
}

// NewHeapWithProvider creates a fresh Heap backed by the given PageProvider.
func NewHeapWithProvider(provider PageProvider) *Heap {
	n := numSizeClasses()
	return &Heap{
		id:         nextHeapID(),
		provider:   provider,
		active:     make([]*pageblock, n),
		activeTail: make([]*pageblock, n),
		inactive:   make([][]*pageblock, n),
	}
}

// ID returns the heap's process-unique identifier, the value stored as
// owner in any pageblock it creates or adopts.
func (h *Heap) ID() uint32 { return h.id }

// Allocate returns bytes of memory, or nil if the request could not be
// satisfied (bytes <= 0, or the page provider is exhausted). The returned
// pointer is aligned to at least the word size; medium and large objects
// are page-aligned.
func (h *Heap) Allocate(n int) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	size := uintptr(n)
	switch classifyKind(size) {
	case kindSmall:
		return h.allocateSmall(size)
	case kindMedium:
		return h.allocateMedium(size)
	default:
		return h.allocateLarge(size)
	}
}

// AlignedAllocate returns a block of at least n bytes whose address is a
// multiple of align. align must be a power of two.
func (h *Heap) AlignedAllocate(align int, n int) unsafe.Pointer {
	if align <= 0 || align&(align-1) != 0 || n <= 0 {
		return nil
	}
	a := uintptr(align)
	if a <= wordGranularity {
		return h.Allocate(n)
	}
	// Medium and large objects are always page-aligned, which covers every
	// power-of-two alignment up to PageSize.
	if a <= PageSize {
		size := uintptr(n)
		if size <= mediumThreshold() {
			size = mediumThreshold() + 1 // force the medium/large branch
		}
		size = roundUpPow2(size)
		if size <= SuperpageSize {
			return h.allocateMedium(size)
		}
		return h.allocateLarge(roundUpPow2(uintptr(n)))
	}
	// Beyond PageSize, the large path's backing Map only guarantees
	// PageSize alignment (pageprovider.go), so a plain allocateLarge call
	// can't be trusted to satisfy align. Over-allocate and offset instead
	// (spec §6 aligned_allocate, §8 invariant 1).
	return h.allocateLargeAligned(a, roundUpPow2(uintptr(n)))
}

// Release frees a pointer previously returned by Allocate on any Heap. A
// nil pointer is a no-op (spec §8 invariant 3).
func (h *Heap) Release(p unsafe.Pointer) {
	if p == nil {
		return
	}
	rec, ok := lookup(uintptr(p))
	if !ok {
		if DebugChecks {
			fatal("Release: %p is not a registered allocator pointer", p)
		}
		return
	}
	switch rec.kind {
	case kindLarge:
		addr, size := p, rec.size
		if rec.mapBase != nil {
			// p is an aligned offset into an over-allocated region
			// (allocateLargeAligned): unmap the true mapped range, not just
			// the slice starting at p.
			addr, size = rec.mapBase, rec.mapSize
		}
		if err := h.provider.Unmap(addr, size); err != nil {
			fatal("Release: unmap large object at %p: %v", p, err)
		}
	case kindMedium:
		h.freeMedium(rec.sp, p, rec.order)
	case kindSmall:
		h.freeSmall(rec.pb, p)
	default:
		if DebugChecks {
			fatal("Release: %p has no registered kind", p)
		}
	}
}

// UsableSize returns the recorded usable size of a pointer returned by
// Allocate: always >= the size originally requested.
func (h *Heap) UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	rec, ok := lookup(uintptr(p))
	if !ok {
		return 0
	}
	switch rec.kind {
	case kindLarge:
		return int(rec.size)
	case kindMedium:
		return int(uintptr(1<<uint(rec.order)) * PageSize)
	case kindSmall:
		return int(rec.pb.objSize)
	default:
		return 0
	}
}

// Reallocate returns a pointer to a block of at least n bytes, copying
// min(old, new) bytes from p (which may be nil, equivalent to Allocate).
func (h *Heap) Reallocate(p unsafe.Pointer, n int) unsafe.Pointer {
	if p == nil {
		return h.Allocate(n)
	}
	if n <= 0 {
		h.Release(p)
		return nil
	}
	old := h.UsableSize(p)
	if old >= n {
		return p
	}
	np := h.Allocate(n)
	if np == nil {
		return nil
	}
	copySize := old
	if n < copySize {
		copySize = n
	}
	src := unsafe.Slice((*byte)(p), copySize)
	dst := unsafe.Slice((*byte)(np), copySize)
	copy(dst, src)
	h.Release(p)
	return np
}

// --- small objects --------------------------------------------------------

func (h *Heap) allocateSmall(n uintptr) unsafe.Pointer {
	class := classify(n)
	start := h.active[class]
	for pb := start; pb != nil; pb = h.active[class] {
		if slot, ok := pb.acquire(); ok {
			return h.finishSmallAcquire(pb, slot)
		}
		if pb.drainGarbage() > 0 {
			if slot, ok := pb.acquire(); ok {
				return h.finishSmallAcquire(pb, slot)
			}
		}
		h.rotateActiveToBack(class, pb)
		if h.active[class] == start {
			// Walked the whole list once; every pageblock is still full.
			break
		}
	}
	pb := h.getFreePageblock(class)
	if pb == nil {
		return nil
	}
	h.pushActiveFront(class, pb)
	slot, ok := pb.acquire()
	if !ok {
		fatal("freshly obtained pageblock for class %d has no free slot", class)
	}
	return h.finishSmallAcquire(pb, slot)
}

func (h *Heap) finishSmallAcquire(pb *pageblock, slot int32) unsafe.Pointer {
	if pb.full() {
		h.rotateActiveToBack(pb.class, pb)
	}
	return pb.slotAddr(slot)
}

// pushActiveFront links pb at the head of class's active list.
func (h *Heap) pushActiveFront(class int, pb *pageblock) {
	head := h.active[class]
	pb.activePrev = nil
	pb.activeNext = head
	if head != nil {
		head.activePrev = pb
	} else {
		h.activeTail[class] = pb
	}
	h.active[class] = pb
}

// unlinkActive removes pb from class's active list, wherever it sits.
func (h *Heap) unlinkActive(class int, pb *pageblock) {
	if pb.activePrev != nil {
		pb.activePrev.activeNext = pb.activeNext
	} else if h.active[class] == pb {
		h.active[class] = pb.activeNext
	}
	if pb.activeNext != nil {
		pb.activeNext.activePrev = pb.activePrev
	} else if h.activeTail[class] == pb {
		h.activeTail[class] = pb.activePrev
	}
	pb.activeNext, pb.activePrev = nil, nil
}

// rotateActiveToBack moves pb, currently assumed to be the list head, to
// the tail in O(1) using the tracked tail pointer (spec §4.4 step 2: "rotate
// this pageblock to the back of the active list").
func (h *Heap) rotateActiveToBack(class int, pb *pageblock) {
	if h.active[class] != pb {
		return
	}
	next := pb.activeNext
	h.active[class] = next
	if next != nil {
		next.activePrev = nil
	} else {
		h.activeTail[class] = nil
	}

	tail := h.activeTail[class]
	pb.activePrev = tail
	pb.activeNext = nil
	if tail != nil {
		tail.activeNext = pb
	} else {
		h.active[class] = pb
	}
	h.activeTail[class] = pb
}

// promoteActiveToFront moves pb to the head of class's active list: used
// when a local free takes a pageblock from zero free slots to one (spec
// §4.5: "If previously the only free slot... promote the pageblock to the
// head of the active list").
func (h *Heap) promoteActiveToFront(class int, pb *pageblock) {
	if h.active[class] == pb {
		return
	}
	h.unlinkActive(class, pb)
	h.pushActiveFront(class, pb)
}

// getFreePageblock implements spec §4.4 step 3: inactive cache, then
// global partial/free lists, then a fresh buddy carve.
func (h *Heap) getFreePageblock(class int) *pageblock {
	if pb := h.popInactive(class); pb != nil {
		h.claimPageblock(pb)
		return pb
	}
	if pb, ok := globalLists.popPartial(class); ok {
		if pb.claimFromPartial(h.id) {
			pb.heap = h
			pb.drainGarbage()
			return pb
		}
		// Reconciliation guard (spec §8 invariants 4, 7): pb already reads
		// as orphaned, meaning the only code path that installs that
		// sentinel (finalizePageblock) raced onto it after it was pushed
		// here but before this pop. It is reachable solely via tryAdopt now,
		// not this route. Fall through to the remaining sources rather than
		// handing out a pageblock two heaps could both claim.
	}
	order := pageblockOrderForClass(class)
	if pb, ok := globalLists.popFree(order); ok {
		objSize := representative(class)
		pb.resetFor(pb.sp, pb.startPage, pb.order, class, objSize, h.id)
		registerRange(pb.sp, pb.startPage, uint32(1<<uint(pb.order)), metaRecord{kind: kindSmall, pb: pb})
		h.claimPageblock(pb)
		return pb
	}
	return h.carvePageblock(class)
}

func (h *Heap) claimPageblock(pb *pageblock) {
	pb.setOwner(h.id)
	pb.heap = h
}

func (h *Heap) popInactive(class int) *pageblock {
	stack := h.inactive[class]
	n := len(stack)
	if n == 0 {
		return nil
	}
	pb := stack[n-1]
	h.inactive[class] = stack[:n-1]
	return pb
}

func (h *Heap) pushInactive(class int, pb *pageblock) bool {
	if len(h.inactive[class]) >= InactiveCacheCapacity {
		return false
	}
	h.inactive[class] = append(h.inactive[class], pb)
	return true
}

func (h *Heap) carvePageblock(class int) *pageblock {
	order := pageblockOrderForClass(class)
	sp, startPage, ok := h.allocBuddyChunk(order)
	if !ok {
		return nil
	}
	pb := h.quickie.newPageblock(sp, startPage, order, class, h.id)
	registerRange(sp, startPage, uint32(1<<uint(order)), metaRecord{kind: kindSmall, pb: pb})
	pb.heap = h
	return pb
}

// allocBuddyChunk finds or creates a superpage owned by h with a free chunk
// of the given order, under h's own spin lock (spec §4.3: "All buddy
// operations on a given superpage occur under that superpage's owning-thread
// spin lock").
func (h *Heap) allocBuddyChunk(order int) (*superpage, uint32, bool) {
	h.superpageMu.Lock()
	defer h.superpageMu.Unlock()

	for _, sp := range h.superpages {
		if pageIdx, ok := sp.allocOrder(order); ok {
			return sp, pageIdx, true
		}
	}
	sp, err := h.newSuperpageLocked()
	if err != nil {
		return nil, 0, false
	}
	pageIdx, ok := sp.allocOrder(order)
	if !ok {
		fatal("freshly minted superpage cannot satisfy order %d", order)
	}
	return sp, pageIdx, true
}

// newSuperpageLocked must be called with h.superpageMu held. Heaps using
// the default PageProvider first try the slab recycle cache (slabcache.go)
// before falling through to a real Map.
func (h *Heap) newSuperpageLocked() (*superpage, error) {
	var sp *superpage
	if h.usesDefaultProvider() {
		if addr, idx, ok := globalSlabCache.get(); ok {
			sp = newSuperpageAt(addr)
			sp.slabIndex = idx
		}
	}
	if sp == nil {
		mapped, err := newSuperpage(h.provider)
		if err != nil {
			return nil, err
		}
		sp = mapped
	}
	sp.owner = h
	h.superpages = append(h.superpages, sp)
	return sp, nil
}

func (h *Heap) usesDefaultProvider() bool {
	_, ok := h.provider.(goHeapPageProvider)
	return ok
}

func (h *Heap) removeSuperpageLocked(sp *superpage) {
	for i, cand := range h.superpages {
		if cand == sp {
			last := len(h.superpages) - 1
			h.superpages[i] = h.superpages[last]
			h.superpages = h.superpages[:last]
			return
		}
	}
}

// --- medium objects --------------------------------------------------------

func ceilOrder(pages uint32) int {
	if pages <= 1 {
		return 0
	}
	o := int(bitsLen(uintptr(pages - 1)))
	return o
}

func (h *Heap) allocateMedium(n uintptr) unsafe.Pointer {
	pages := uint32((n + PageSize - 1) / PageSize)
	if pages == 0 {
		pages = 1
	}
	order := ceilOrder(pages)

	sp, pageIdx, ok := h.allocBuddyChunk(order)
	if !ok {
		return nil
	}
	registerRange(sp, pageIdx, uint32(1<<uint(order)), metaRecord{kind: kindMedium, sp: sp, order: order})
	return sp.pageAddr(pageIdx)
}

func (h *Heap) freeMedium(sp *superpage, p unsafe.Pointer, order int) {
	pageIdx, ok := sp.pageIndexOf(p)
	if !ok {
		fatal("freeMedium: %p does not belong to its recorded superpage", p)
	}
	unregisterRange(sp, pageIdx, uint32(1<<uint(order)))

	owner := sp.owner
	owner.superpageMu.Lock()
	sp.freeOrder(pageIdx, order)
	reclaim := sp.empty()
	if reclaim {
		owner.removeSuperpageLocked(sp)
	}
	owner.superpageMu.Unlock()

	if reclaim {
		if sp.slabIndex != noSlabIndex {
			globalSlabCache.put(sp.slabIndex)
		} else if err := sp.release(owner.provider); err != nil {
			fatal("freeMedium: unmap reclaimed superpage: %v", err)
		}
	}
}

// --- large objects ----------------------------------------------------------

func (h *Heap) allocateLarge(n uintptr) unsafe.Pointer {
	size := (n + PageSize - 1) / PageSize * PageSize
	addr, err := h.provider.Map(size)
	if err != nil {
		return nil
	}
	pn := pageNumberOf(uintptr(addr))
	leaf := leafFor(pn, true)
	_, _, l3 := splitPageNumber(pn)
	leaf.records[l3] = metaRecord{kind: kindLarge, size: size}
	return addr
}

// allocateLargeAligned serves a large request whose alignment exceeds
// PageSize, which the plain allocateLarge path can't guarantee since
// PageProvider.Map only promises PageSize alignment (pageprovider.go). It
// over-allocates by align-PageSize bytes and returns an offset pointer
// within that region; since align is a power of two multiple of PageSize,
// that padding is always enough to find an align-aligned address no matter
// where the PageSize-aligned map base falls. The true map base/size are
// recorded in the metadata record so Release can Unmap the whole region
// rather than just the slice starting at the returned pointer.
func (h *Heap) allocateLargeAligned(align, n uintptr) unsafe.Pointer {
	size := (n + PageSize - 1) / PageSize * PageSize
	mapSize := size + (align - PageSize)
	base, err := h.provider.Map(mapSize)
	if err != nil {
		return nil
	}
	aligned := unsafe.Pointer((uintptr(base) + align - 1) &^ (align - 1))

	pn := pageNumberOf(uintptr(aligned))
	leaf := leafFor(pn, true)
	_, _, l3 := splitPageNumber(pn)
	leaf.records[l3] = metaRecord{kind: kindLarge, size: size, mapBase: base, mapSize: mapSize}
	return aligned
}

// --- small object free path --------------------------------------------------

func (h *Heap) freeSmall(pb *pageblock, p unsafe.Pointer) {
	slot, ok := pb.slotOf(p)
	if !ok {
		fatal("freeSmall: %p is not within its recorded pageblock", p)
	}
	for {
		owner := pb.owner()
		switch {
		case owner == h.id:
			h.localFree(pb, slot)
			return
		case owner == orphanOwner:
			if pb.tryAdopt(h.id) {
				h.adoptAndFree(pb, slot)
				return
			}
			// Lost the adoption race, or a remote free landed first;
			// re-read the owner word and take whichever path now applies
			// (spec §4.5: "on failure, retry as remote").
		default:
			pb.remoteFree(slot)
			return
		}
	}
}

func (h *Heap) localFree(pb *pageblock, slot int32) {
	wasFull := pb.full()
	pb.localFreeSlot(slot)
	if pb.empty() {
		h.unlinkActive(pb.class, pb)
		if !h.pushInactive(pb.class, pb) {
			h.destroyPageblock(pb)
		}
		return
	}
	if wasFull {
		h.promoteActiveToFront(pb.class, pb)
	}
}

// destroyPageblock returns pb's backing chunk to its superpage, reclaiming
// the superpage itself when that was its last allocated chunk. Mirrors
// freeMedium's reclaim sequence: unregister the metadata range, free the
// buddy block under the owning heap's spin lock, then unmap/slab-return the
// superpage if it's now entirely free (spec §3 pageblock lifecycle:
// "destroyed by returning its backing chunk to the superpage").
func (h *Heap) destroyPageblock(pb *pageblock) {
	sp := pb.sp
	unregisterRange(sp, pb.startPage, uint32(1<<uint(pb.order)))

	owner := sp.owner
	owner.superpageMu.Lock()
	sp.freeOrder(pb.startPage, pb.order)
	reclaim := sp.empty()
	if reclaim {
		owner.removeSuperpageLocked(sp)
	}
	owner.superpageMu.Unlock()

	if reclaim {
		if sp.slabIndex != noSlabIndex {
			globalSlabCache.put(sp.slabIndex)
		} else if err := sp.release(owner.provider); err != nil {
			fatal("destroyPageblock: unmap reclaimed superpage: %v", err)
		}
	}
}

// adoptAndFree runs when this heap just won the CAS adopting an orphaned
// pageblock that a Release call happened to land on: link it into this
// heap's own bookkeeping (it isn't on any active/inactive list yet, having
// come straight from the garbage word transition) and free the slot (spec
// scenario 3: orphan adoption).
func (h *Heap) adoptAndFree(pb *pageblock, slot int32) {
	pb.heap = h
	pb.drainGarbage()
	pb.localFreeSlot(slot)
	h.pushActiveFront(pb.class, pb)
}

// Close runs spec §4.6's thread-finalization algorithm: every active
// pageblock is routed to a global list or orphaned, inactive caches are
// drained to the global free lists, and the heap's superpages are left in
// place, reachable through the pageblocks that still reference them.
func (h *Heap) Close() {
	for class := range h.active {
		for pb := h.active[class]; pb != nil; {
			next := pb.activeNext
			h.finalizePageblock(pb)
			pb = next
		}
		h.active[class] = nil
		h.activeTail[class] = nil

		for _, pb := range h.inactive[class] {
			globalLists.pushFree(pb)
		}
		h.inactive[class] = nil
	}
}

func (h *Heap) finalizePageblock(pb *pageblock) {
	pb.activeNext, pb.activePrev = nil, nil
	pb.drainGarbage()
	if pb.empty() {
		globalLists.pushFree(pb)
		return
	}
	if !pb.full() {
		// Still has free slots (or, after the drain above, garbage that
		// just became free slots): useful to whoever pops it next via
		// popPartial.
		globalLists.pushPartial(pb)
		return
	}
	// No free slots and no garbage: every slot is checked out to a live
	// pointer. There is nothing to hand a partial-list popper, so this
	// pageblock must not be reachable from any list at all (spec §4.6
	// "otherwise, CAS orphan"), only from the metadata index, via a future
	// remote Release's tryAdopt (freeSmall).
	if !pb.tryOrphan() {
		// A remote free raced in between the drain above and this CAS: the
		// pageblock now has garbage again, so it belongs on partial instead.
		pb.drainGarbage()
		globalLists.pushPartial(pb)
	}
}
