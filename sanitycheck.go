// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race
// +build race

package fly

import "strings"

// sanity check the configuration
func init() {
	if PacketPoolSize < 1 {
		panic("PacketPoolSize < 1")
	}
	if MaxPacketFDs != 1 {
		panic("MaxPacketFDs != 1")
	}
	if MaxPacketSize < len(HandlePrefix)+64 {
		panic("MaxPacketSize < len(HandlePrefix)+64")
	}
	if !strings.HasSuffix(HeaderBlock, "\n\n") {
		panic("HeaderBlock not terminated by a blank line")
	}
	if DefaultSweepInterval <= 0 {
		panic("DefaultSweepInterval <= 0")
	}
}
