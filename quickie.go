// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

// quickie is a per-heap recycle cache for pageblock bookkeeping structs,
// grounded on the retrieved pack's mfixalloc.go (yuanjize-go's Go runtime
// copy): a fixed-size-record allocator that serves from a freelist before
// carving a fresh record. Adapted to Go: the records here are ordinary
// garbage-collected *pageblock values (never raw unsafe pages), so the
// collector keeps tracing the Go pointers and slices a pageblock holds;
// only the struct's *identity* is recycled, not its backing bytes.
//
// Any recycled header may be handed back for any class: resetFor only
// reallocates its localFree/garbageNext slices when the new slot count
// doesn't fit what the header already carries, so same-order reuse (the
// common case) costs nothing beyond re-filling those slices. No code path
// in this package appends to pbFree, so newPageblock always builds a fresh
// header.
type quickie struct {
	pbFree []*pageblock
}

func (q *quickie) newPageblock(sp *superpage, startPage uint32, order int, class int, ownerID uint32) *pageblock {
	objSize := representative(class)

	if n := len(q.pbFree); n > 0 {
		cand := q.pbFree[n-1]
		q.pbFree = q.pbFree[:n-1]
		cand.resetFor(sp, startPage, order, class, objSize, ownerID)
		return cand
	}
	return newPageblock(sp, startPage, order, class, ownerID)
}
