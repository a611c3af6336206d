// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import (
	"fmt"
	"os"
)

// ErrOutOfMemory is returned when the page provider cannot satisfy a
// mapping request. This is the one recoverable fault in the allocator: the
// caller gets a nil pointer back and may retry.
var ErrOutOfMemory = fmt.Errorf("streamalloc: page provider exhausted")

// DebugChecks gates the contract-violation assertions described in spec §7:
// Release of a pointer whose page has no registered record (or no known
// kind). The other fatal checks in heap.go and metaindex.go abort
// regardless of this flag. There are no bitmap, buddy or garbage-stack
// shape checks.
var DebugChecks = true

// fatal aborts the process with a diagnostic, matching spec §7: "Invariant
// breach ... abort with diagnostic; this is a bug and not recoverable."
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "streamalloc: fatal: "+format+"\n", args...)
	os.Exit(2)
}
