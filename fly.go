package fly

import "time"

const (
	// HandlePrefix tags a connection transfer packet. The RequestID follows it.
	HandlePrefix = "handle:"
	// HeaderBlock is written verbatim to a delegated connection before any body bytes.
	HeaderBlock = "HTTP/1.1 200 OK\n" +
		"Content-Type: text/javascript; charset=UTF-8\n" +
		"Content-Encoding: UTF-8\n" +
		"Accept-Ranges: bytes\n" +
		"Connection: keep-alive\n" +
		"\n"
	// ChannelFD is the file descriptor number the worker finds its channel on.
	ChannelFD = 3
	// MaxPacketSize is the largest channel packet we will send or accept.
	MaxPacketSize = 0x10000
	// MaxPacketFDs is the number of descriptors a single packet may carry.
	MaxPacketFDs = 1
	// DefaultSweepInterval is how often orphan eviction runs when a TTL is set.
	DefaultSweepInterval = time.Second
	// DefaultWriteTimeout bounds a single write to a delegated connection.
	// Zero disables the deadline.
	DefaultWriteTimeout = time.Duration(0)
)

var (
	// PacketPoolSize is the number of spare packet buffers kept.
	// It is read when the pool is first used; set it before that.
	PacketPoolSize = 64 // usually 64
)
