// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc_test

import (
	"testing"

	"code.hybscloud.com/streamalloc"
)

func BenchmarkHeap_AllocateReleaseSmall(b *testing.B) {
	h := streamalloc.NewHeap()
	defer h.Close()

	b.ResetTimer()
	for range b.N {
		p := h.Allocate(64)
		h.Release(p)
	}
}

func BenchmarkAllocator_AllocateReleaseParallel(b *testing.B) {
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p := streamalloc.Allocate(48)
			streamalloc.Release(p)
		}
	})
}

func BenchmarkHeap_AllocateMedium(b *testing.B) {
	h := streamalloc.NewHeap()
	defer h.Close()
	n := int(streamalloc.PageSize) * 2

	b.ResetTimer()
	for range b.N {
		p := h.Allocate(n)
		h.Release(p)
	}
}
