// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import "sync/atomic"

// globalList holds two families of lock-free Treiber stacks:
//
//   - partial, indexed by object size class: pageblocks with free slots
//     (or remote frees that raced the orphaning CAS) left behind when a
//     heap Closes. They keep the closed heap's owner id rather than the
//     orphan sentinel. A heap adopting one keeps serving the same class.
//   - free, indexed by pageblock size class (buddy order, spec §3: "global
//     free list (per pageblock size class)"): entirely empty pageblocks,
//     reusable for ANY object size class whose computePageblockSize maps to
//     that order (pageblock.resetFor handles the slot-geometry reset).
//
// Any heap may pop from either list instead of carving a fresh chunk from
// its own superpages.
//
// Go's garbage collector never reuses the address of a *pageblock still
// reachable from a stack, so the classic Treiber-stack ABA hazard (pop A,
// pop B, push A back as a different logical node, a stale CAS matches the
// recycled address) doesn't arise here the way it would in a manually
// managed heap: a *pageblock popped off the list is either pushed back as
// the literal same node (harmless) or never recycled at all. pushGen on
// pageblock is incremented on every push, but treiberPop does not check it
// and the list heads carry no version count.
type globalList struct {
	partial []atomic.Pointer[pageblock] // has free slots; indexed by class
	free    []atomic.Pointer[pageblock] // entirely empty; indexed by pageblock order
}

func newGlobalList(numClasses, numOrders int) *globalList {
	return &globalList{
		partial: make([]atomic.Pointer[pageblock], numClasses),
		free:    make([]atomic.Pointer[pageblock], numOrders),
	}
}

func treiberPush(head *atomic.Pointer[pageblock], pb *pageblock) {
	for {
		top := head.Load()
		pb.next.Store(top)
		pb.pushGen.Add(1)
		if head.CompareAndSwap(top, pb) {
			return
		}
	}
}

func treiberPop(head *atomic.Pointer[pageblock]) (*pageblock, bool) {
	for {
		top := head.Load()
		if top == nil {
			return nil, false
		}
		next := top.next.Load()
		if head.CompareAndSwap(top, next) {
			top.next.Store(nil)
			return top, true
		}
	}
}

// pushPartial puts pb on the global partial list for its class: called from
// Heap.Close (finalizePageblock) for every active pageblock that is neither
// empty nor full. pb keeps its previous owner id; fully-in-use pageblocks
// are CAS-orphaned instead and never pushed here.
func (g *globalList) pushPartial(pb *pageblock) {
	treiberPush(&g.partial[pb.class], pb)
}

// popPartial adopts a pageblock with free slots for class, or reports none
// available.
func (g *globalList) popPartial(class int) (*pageblock, bool) {
	return treiberPop(&g.partial[class])
}

// pushFree orphans a fully-empty pageblock: cheaper to recycle whole (and,
// per spec §3, potentially for a different object class sharing the same
// pageblock order) than to unmap its pages individually.
func (g *globalList) pushFree(pb *pageblock) {
	treiberPush(&g.free[pb.order], pb)
}

// popFree adopts a fully-empty pageblock of the given pageblock order,
// avoiding a fresh buddy carve. The caller resets its slot geometry for the
// class it actually needs (pageblock.resetFor).
func (g *globalList) popFree(order int) (*pageblock, bool) {
	return treiberPop(&g.free[order])
}

var globalLists *globalList

func init() {
	initGlobalLists()
}

// initGlobalLists (re)builds the global partial/free lists to match the
// current size-class table and pageblock order range. Called from init and
// again from any Set* tuning function (types.go) so a host that reconfigures
// PageSize/SuperpageSize/MaxPageblockSize before creating its first Heap
// sees a globalLists sized for its chosen constants rather than the
// package defaults.
func initGlobalLists() {
	globalLists = newGlobalList(numSizeClasses(), maxPageblockOrder()+1)
}
