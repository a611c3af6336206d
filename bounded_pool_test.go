// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"code.hybscloud.com/streamalloc"
)

func TestBoundedPool_BasicGetPut(t *testing.T) {
	const capacity = 16
	pool := streamalloc.NewBoundedPool[int](capacity)

	counter := 0
	pool.Fill(func() int {
		v := counter * 10
		counter++
		return v
	})

	indices := make([]int, capacity)
	for i := range capacity {
		idx, err := pool.Get()
		if err != nil {
			t.Fatalf("Get() failed at iteration %d: %v", i, err)
		}
		indices[i] = idx
	}

	for _, idx := range indices {
		if err := pool.Put(idx); err != nil {
			t.Fatalf("Put(%d) failed: %v", idx, err)
		}
	}

	for i := range capacity {
		if _, err := pool.Get(); err != nil {
			t.Fatalf("second Get() failed at iteration %d: %v", i, err)
		}
	}
}

func TestBoundedPool_NonblockingEmpty(t *testing.T) {
	const capacity = 4
	pool := streamalloc.NewBoundedPool[int](capacity)
	pool.SetNonblock(true)
	pool.Fill(func() int { return 0 })

	for range capacity {
		if _, err := pool.Get(); err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
	}

	if _, err := pool.Get(); err != iox.ErrWouldBlock {
		t.Errorf("expected iox.ErrWouldBlock, got %v", err)
	}
}

func TestBoundedPool_NonblockingFull(t *testing.T) {
	const capacity = 4
	pool := streamalloc.NewBoundedPool[int](capacity)
	pool.SetNonblock(true)
	pool.Fill(func() int { return 0 })

	if err := pool.Put(0); err != iox.ErrWouldBlock {
		t.Errorf("expected iox.ErrWouldBlock on full pool, got %v", err)
	}
}

func TestBoundedPool_Concurrent(t *testing.T) {
	const capacity = 64
	const goroutines = 16
	const iterations = 2000

	pool := streamalloc.NewBoundedPool[int](capacity)
	pool.Fill(func() int { return 0 })

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range iterations {
				idx, err := pool.Get()
				if err != nil {
					t.Errorf("goroutine %d iteration %d: Get() failed: %v", id, i, err)
					return
				}
				_ = pool.Value(idx)
				spin.Yield()
				if err := pool.Put(idx); err != nil {
					t.Errorf("goroutine %d iteration %d: Put() failed: %v", id, i, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestBoundedPool_Cap(t *testing.T) {
	const capacity = 32
	pool := streamalloc.NewBoundedPool[int](capacity)
	if pool.Cap() != capacity {
		t.Errorf("Cap() = %d, want %d", pool.Cap(), capacity)
	}
}

func TestBoundedPool_Value(t *testing.T) {
	const capacity = 8
	pool := streamalloc.NewBoundedPool[string](capacity)
	pool.Fill(func() string { return "item" })

	idx, err := pool.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	pool.SetValue(idx, "modified")
	if pool.Value(idx) != "modified" {
		t.Errorf("Value(%d) = %q, want %q", idx, pool.Value(idx), "modified")
	}
	if err := pool.Put(idx); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
}

func TestNewBoundedPool_InvalidCapacity(t *testing.T) {
	t.Run("zero capacity", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("NewBoundedPool(0) did not panic")
			}
		}()
		_ = streamalloc.NewBoundedPool[int](0)
	})

	t.Run("negative capacity", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("NewBoundedPool(-1) did not panic")
			}
		}()
		_ = streamalloc.NewBoundedPool[int](-1)
	})
}
