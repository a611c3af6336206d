// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package streamalloc

import "testing"

// TestNoCopy exercises the noCopy sentinel type go vet's copylocks check
// keys off.
func TestNoCopy(t *testing.T) {
	var nc noCopy
	nc.Lock()
	nc.Unlock()
}
