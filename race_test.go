// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package streamalloc_test

// raceEnabled is true when the race detector is active. Stress tests that
// spin up large goroutine counts shrink their fan-out under race mode, where
// the detector's own overhead dominates wall-clock time.
const raceEnabled = true
