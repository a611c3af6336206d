// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"sync"
	"testing"
)

func TestGlobalList_PartialPushPopLIFO(t *testing.T) {
	g := newGlobalList(numSizeClasses(), maxPageblockOrder()+1)
	class := 2

	a := newTestPageblock(t, 1)
	a.class = class
	b := newTestPageblock(t, 1)
	b.class = class

	g.pushPartial(a)
	g.pushPartial(b)

	first, ok := g.popPartial(class)
	if !ok || first != b {
		t.Fatalf("popPartial() = (%v, %v), want (b, true)", first, ok)
	}
	second, ok := g.popPartial(class)
	if !ok || second != a {
		t.Fatalf("popPartial() = (%v, %v), want (a, true)", second, ok)
	}
	if _, ok := g.popPartial(class); ok {
		t.Fatal("popPartial succeeded on an exhausted list")
	}
}

func TestGlobalList_FreeIndexedByOrderNotClass(t *testing.T) {
	g := newGlobalList(numSizeClasses(), maxPageblockOrder()+1)

	pb := newTestPageblock(t, 1)
	order := pb.order
	g.pushFree(pb)

	// A different object class sharing the same pageblock order must be able
	// to adopt it (spec's "global free list per pageblock size class").
	got, ok := g.popFree(order)
	if !ok || got != pb {
		t.Fatalf("popFree(%d) = (%v, %v), want (pb, true)", order, got, ok)
	}
	if _, ok := g.popFree(order); ok {
		t.Fatal("popFree succeeded on an exhausted order list")
	}
}

func TestGlobalList_ConcurrentPushPop(t *testing.T) {
	g := newGlobalList(numSizeClasses(), maxPageblockOrder()+1)
	const n = 64

	pbs := make([]*pageblock, n)
	for i := range pbs {
		pbs[i] = newTestPageblock(t, 1)
		pbs[i].class = 0
	}

	var wg sync.WaitGroup
	for _, pb := range pbs {
		wg.Add(1)
		go func(p *pageblock) {
			defer wg.Done()
			g.pushPartial(p)
		}(pb)
	}
	wg.Wait()

	seen := make(map[*pageblock]bool)
	for {
		pb, ok := g.popPartial(0)
		if !ok {
			break
		}
		if seen[pb] {
			t.Fatalf("pageblock %p popped twice", pb)
		}
		seen[pb] = true
	}
	if len(seen) != n {
		t.Fatalf("recovered %d pageblocks, want %d", len(seen), n)
	}
}
