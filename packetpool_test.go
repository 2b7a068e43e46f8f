package fly

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_PacketPool_PacketAlloc(t *testing.T) {
	b1 := PacketAlloc()
	assert.Len(t, b1, MaxPacketSize)
	PacketFree(b1)
	b2 := PacketAlloc()
	assert.Len(t, b2, MaxPacketSize)
	PacketFree(b2)
}

func Test_PacketPool_PacketAlloc_restores_length(t *testing.T) {
	b1 := PacketAlloc()
	PacketFree(b1[:10])
	b2 := PacketAlloc()
	assert.Len(t, b2, MaxPacketSize)
	PacketFree(b2)
}

func Test_PacketPool_size(t *testing.T) {
	pool := packetPoolChan()
	assert.Equal(t, PacketPoolSize, cap(pool))
	assert.True(t, pool == packetPoolChan())
}

func Test_PacketPool_PacketFree_small(t *testing.T) {
	pool := packetPoolChan()
	for len(pool) > 0 {
		<-pool
	}
	PacketFree(make([]byte, 16))
	assert.Zero(t, len(pool))
	PacketFree(nil)
	assert.Zero(t, len(pool))
}

func Test_PacketPool_PacketFree_Overflow(t *testing.T) {
	pool := packetPoolChan()
	// make sure the pool is full
	for len(pool) < cap(pool) {
		PacketFree(make([]byte, MaxPacketSize))
	}
	assert.Equal(t, cap(pool), len(pool))
	b1 := PacketAlloc()
	assert.NotNil(t, b1)
	assert.Equal(t, cap(pool)-1, len(pool))
	PacketFree(b1)
	assert.Equal(t, cap(pool), len(pool))
	PacketFree(make([]byte, MaxPacketSize))
	assert.Equal(t, cap(pool), len(pool))
}
