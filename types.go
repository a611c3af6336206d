// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

// PageSize defines the standard memory page size used for alignment and for
// sizing superpages and pageblocks. It must only be changed, via
// SetPageSize, before the first Heap is created.
var PageSize uintptr = 4096

// SetPageSize updates the package-level page size used for allocations and
// rebuilds the size-class table and global lists to match.
func SetPageSize(size int) {
	PageSize = uintptr(size)
	retuneTables()
}

// SuperpageSize is the size of one superpage: a power-of-two multiple of
// PageSize, subdivided by the buddy allocator in superpage.go.
var SuperpageSize uintptr = 4 << 20 // 4 MiB

// SetSuperpageSize updates the package-level superpage size. size must be a
// power-of-two multiple of PageSize.
func SetSuperpageSize(size int) {
	SuperpageSize = uintptr(size)
	retuneTables()
}

// MinPageblockSize and MaxPageblockSize bound computePageblockSize
// (heap.go): the power-of-two-page chunk size a fresh pageblock is
// carved to for a given size class. Use SetMaxPageblockSize, not a direct
// assignment, since the size-class table depends on it.
var (
	MinPageblockSize uintptr = 4096
	MaxPageblockSize uintptr = 1 << 20 // 1 MiB
)

// SetMaxPageblockSize updates MaxPageblockSize and rebuilds the size-class
// table and global lists to match.
func SetMaxPageblockSize(size int) {
	MaxPageblockSize = uintptr(size)
	retuneTables()
}

// InactiveCacheCapacity bounds the per-heap inactive pageblock LIFO cache,
// one per object size class. Caches are not shared between classes whose
// pageblocks have the same size.
var InactiveCacheCapacity = 8

// retuneTables rebuilds every package-level table derived from PageSize,
// SuperpageSize or MaxPageblockSize. Called by the Set* tuning functions
// above; must run before the first Heap is created (the global free/partial
// lists are reallocated, discarding anything already on them).
func retuneTables() {
	initSizeClasses()
	initGlobalLists()
}

// noCopy is a sentinel used to prevent copying of synchronization primitives.
// Embed it in a struct and run `go vet` to get a copylocks warning.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// objectKind tags how the metadata index should interpret a page: which of
// the three allocation paths produced it (spec §3 "Object kind").
type objectKind uint8

const (
	// kindNone is the zero value: "no record registered for this page",
	// distinct from any real kind so the metadata index can tell an
	// unregistered page apart from a small one.
	kindNone objectKind = iota
	kindSmall
	kindMedium
	kindLarge
)

func (k objectKind) String() string {
	switch k {
	case kindNone:
		return "none"
	case kindSmall:
		return "small"
	case kindMedium:
		return "medium"
	case kindLarge:
		return "large"
	default:
		return "unknown"
	}
}
