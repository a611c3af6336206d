// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc_test

import (
	"sync"
	"testing"
	"unsafe"

	"code.hybscloud.com/streamalloc"
)

func TestAllocator_BasicRoundTrip(t *testing.T) {
	a := streamalloc.NewAllocator()
	p := a.Allocate(100)
	if p == nil {
		t.Fatal("Allocate(100) returned nil")
	}
	if got := a.UsableSize(p); got < 100 {
		t.Fatalf("UsableSize = %d, want >= 100", got)
	}
	a.Release(p)
}

func TestAllocator_ConcurrentUsers(t *testing.T) {
	const goroutines = 32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func(n int) {
			defer wg.Done()
			p := streamalloc.Allocate(8 + n)
			if p == nil {
				t.Errorf("Allocate failed for goroutine %d", n)
				return
			}
			streamalloc.Release(p)
		}(i)
	}
	wg.Wait()
}

func TestAllocator_WithPageProvider(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	provider := fakeCountingProvider{onMap: func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}}

	a := streamalloc.NewAllocator(streamalloc.WithPageProvider(provider))
	p := a.Allocate(64)
	if p == nil {
		t.Fatal("Allocate(64) returned nil")
	}
	a.Release(p)

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("custom PageProvider was never consulted")
	}
}

// fakeCountingProvider wraps the default Go-heap-backed mapping strategy,
// counting Map calls, to prove a Heap built via WithPageProvider actually
// uses the supplied provider rather than the package default.
type fakeCountingProvider struct {
	onMap func()
}

func (p fakeCountingProvider) Map(bytes uintptr) (unsafe.Pointer, error) {
	p.onMap()
	mem := streamalloc.AlignedMem(int(bytes), streamalloc.PageSize)
	return unsafe.Pointer(unsafe.SliceData(mem)), nil
}

func (p fakeCountingProvider) Unmap(addr unsafe.Pointer, bytes uintptr) error {
	return nil
}
