// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

// Size classes for small (pageblock-backed) objects. The mapping is
// monotone non-decreasing and its inverse satisfies
// representative(classify(n)) >= n, classify(representative(k)) == k.
//
// Sizes up to tinyClassCutover (256 bytes) step by a word (8 bytes);
// beyond that, classes
// double roughly every four linear sub-steps, bounding per-class internal
// fragmentation to about 25%. Both tables are precomputed once in init so
// the hot-path classify call is one division plus one table lookup.
//
// The concrete cutover constants below (wordGranularity, tinyClassCutover,
// maxSmallObjectSize) are an implementation decision: the spec describes the
// shape of the table ("~256 classes") but not its exact constants. These
// values are chosen to keep classify's tiny-size fast path (a plain array
// index) covering the overwhelmingly common small-allocation range, while
// the quarter-octave region carries classification up to maxSmallObjectSize
// (MaxPageblockSize, at least 16*tinyClassCutover). Heap.Allocate only
// routes requests up to mediumThreshold (heap.go) to pageblocks, so the
// upper classes are never served by default.
const (
	wordGranularity  = 8
	tinyClassCutover = 256 // bytes; below this, classes step by wordGranularity
)

var (
	classToSize        []uintptr // classToSize[k] = representative(k)
	tinyClassLookup    []uint16  // index: (size+wordGranularity-1)/wordGranularity
	maxSmallObjectSize uintptr
)

func init() {
	initSizeClasses()
}

func initSizeClasses() {
	maxSmallObjectSize = MaxPageblockSize
	if maxSmallObjectSize < tinyClassCutover*16 {
		maxSmallObjectSize = tinyClassCutover * 16
	}

	classToSize = classToSize[:0]
	classToSize = append(classToSize, 0) // class 0 is unused (mirrors the convention that 0 means "not small")

	// Tiny region: word-stepped, 8, 16, 24, ..., tinyClassCutover.
	for size := uintptr(wordGranularity); size <= tinyClassCutover; size += wordGranularity {
		classToSize = append(classToSize, size)
	}

	// Quarter-octave region: four linear sub-steps per doubling, starting
	// just above tinyClassCutover and continuing to maxSmallObjectSize.
	base := uintptr(tinyClassCutover)
	for base < maxSmallObjectSize {
		step := base / 4
		if step == 0 {
			step = 1
		}
		for i := 1; i <= 4; i++ {
			size := base + step*uintptr(i)
			if size > maxSmallObjectSize {
				size = maxSmallObjectSize
			}
			classToSize = append(classToSize, size)
			if size == maxSmallObjectSize {
				break
			}
		}
		base *= 2
	}
	if classToSize[len(classToSize)-1] != maxSmallObjectSize {
		classToSize = append(classToSize, maxSmallObjectSize)
	}

	buildReverseLookup()
}

// buildReverseLookup fills tinyClassLookup, dense over the word-granularity
// index across the whole small-object range, so classify is a single
// division plus a single slice index.
func buildReverseLookup() {
	n := int(maxSmallObjectSize/wordGranularity) + 1
	table := make([]uint16, n)
	class := 1
	for i := 0; i < n; i++ {
		size := uintptr(i) * wordGranularity
		for class < len(classToSize)-1 && classToSize[class] < size {
			class++
		}
		table[i] = uint16(class)
	}
	tinyClassLookup = table
}

// numSizeClasses returns the number of small-object size classes, including
// the unused class 0.
func numSizeClasses() int {
	return len(classToSize)
}

// classify returns the size class index for a requested byte count. The
// caller must have already established n is within the small-object range;
// classifyKind (heap.go) performs that branch first (n <= mediumThreshold).
// Larger n clamps to the last class.
func classify(n uintptr) int {
	if n == 0 {
		return 1
	}
	idx := (n + wordGranularity - 1) / wordGranularity
	if int(idx) >= len(tinyClassLookup) {
		return len(classToSize) - 1
	}
	return int(tinyClassLookup[idx])
}

// representative returns the byte size of class k: the slot size a
// pageblock of that class hands out. representative(classify(n)) >= n for
// all n in the small-object range.
func representative(k int) uintptr {
	if k <= 0 {
		return 0
	}
	if k >= len(classToSize) {
		k = len(classToSize) - 1
	}
	return classToSize[k]
}
