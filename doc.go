// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package streamalloc is a multithreaded, general-purpose memory allocator
// that replaces the process heap: any goroutine requests raw byte blocks of
// arbitrary size, any goroutine releases them, and memory is returned to the
// operating system when fragmentation permits.
//
// # Architecture
//
// Allocation is layered, leaves first:
//
//   - A PageProvider maps and unmaps page-aligned virtual ranges. The
//     allocator treats it as an opaque source/sink; see pageprovider.go.
//   - Superpages are large, power-of-two-sized regions subdivided by a buddy
//     allocator into page-chunks; see superpage.go.
//   - Pageblocks are runs of pages carved from a superpage and dedicated to
//     one object size class, holding a local free list and a lock-free
//     remote-free stack for cross-thread deallocation; see pageblock.go.
//   - Per-heap active pageblock lists are indexed by size class, backed by
//     bounded inactive caches and global partial/free lists for orphaned
//     pageblocks; see heap.go and globallist.go.
//   - A radix-tree metadata index maps page numbers to records describing
//     how to interpret them, so Release locates the owning bookkeeping in
//     O(1) from any interior pointer without touching its contents; see
//     metaindex.go.
//
// # Ownership model
//
// Go has no portable thread-local-storage hook with an exit destructor, so
// ownership here is an explicit handle rather than implicit per-OS-thread
// state: a *Heap stands in for "the calling thread." Callers acquire one per
// worker goroutine and Close it when done, or use the package-level
// Allocator, which hands out heaps from a sync.Pool the way the Go runtime
// hands out per-P mcaches.
//
//	h := streamalloc.NewHeap()
//	defer h.Close()
//	p := h.Allocate(40)
//	h.Release(p)
//
// Pointers returned by one heap may be released by any other — the free
// path distinguishes local frees, remote frees onto a lock-free per-pageblock
// garbage stack, and adoption of orphaned pageblocks left behind by a closed
// heap.
//
// # Size classes
//
// classify(n) is branch-free on the hot path: one division plus one table
// lookup. Sizes up to 256 bytes step by a word; beyond that, classes double
// roughly every four steps, bounding per-class internal fragmentation to
// about 25%.
//
// # Concurrency
//
// Fast paths (classify, slot acquisition, local free, remote free) are
// lock-free or wait-free. The only suspension point is the per-heap spin
// lock guarding buddy operations on that heap's own superpages, bounded by
// the heap's own buddy work.
//
// # Dependencies
//
// streamalloc depends on:
//   - iox: semantic error sentinels and adaptive backoff
//   - spin: spinlock-wait primitives used on CAS-retry loops
//
// # Non-goals
//
// No compaction or object relocation, no defense against use-after-free or
// double-free, no persistence, no hard real-time bounds.
package streamalloc
