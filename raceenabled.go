// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race
// +build race

package fly

func init() {
	// keep pooled buffers few under the race detector, a large pool
	// only hides reuse bugs behind fresh allocations.
	PacketPoolSize = 4
}
