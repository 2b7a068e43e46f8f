package fly

import "sync"

// Provides a buffer of allocated but unused packet buffers.
// Created on first use so that PacketPoolSize can be set before that.
var (
	packetPool     chan []byte
	packetPoolOnce sync.Once
)

func packetPoolChan() chan []byte {
	packetPoolOnce.Do(func() {
		packetPool = make(chan []byte, PacketPoolSize)
	})
	return packetPool
}

// PacketAlloc returns a buffer of MaxPacketSize bytes.
func PacketAlloc() []byte {
	select {
	case buf := <-packetPoolChan():
		return buf[:MaxPacketSize]
	default:
		return make([]byte, MaxPacketSize)
	}
}

// PacketFree releases a buffer obtained from PacketAlloc.
func PacketFree(buf []byte) {
	if cap(buf) >= MaxPacketSize {
		select {
		case packetPoolChan() <- buf:
		default:
		}
	}
}
