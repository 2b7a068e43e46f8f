// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package fly

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Channel is one end of a connected SOCK_SEQPACKET Unix socket. Every send
// is a single packet, so message boundaries survive the trip and a
// descriptor always arrives together with its handle payload.
type Channel struct {
	StatsCollector // Where to report statistics (optional)
	conn           *net.UnixConn
	wmu            sync.Mutex // serializes senders
	rmu            sync.Mutex // serializes receivers
	oob            []byte     // guarded by rmu
}

func (ch *Channel) String() string {
	return fmt.Sprintf("[Channel %v]", ch.conn.LocalAddr())
}

func socketpair() (fds [2]int, err error) {
	if fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0); err != nil {
		return fds, errors.Wrap(err, "socketpair")
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return
}

// NewChannel wraps a file holding one end of a SOCK_SEQPACKET socket.
// The file is closed; the Channel keeps its own duplicate.
func NewChannel(f *os.File) (*Channel, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("%s is not a unix socket", f.Name())
	}
	return &Channel{
		conn: uc,
		oob:  make([]byte, unix.CmsgSpace(4*MaxPacketFDs)),
	}, nil
}

// NewChannelPair returns the local Channel and the file for the remote end,
// ready to be passed to a child process.
func NewChannelPair() (*Channel, *os.File, error) {
	fds, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	remote := os.NewFile(uintptr(fds[1]), "fly-channel-remote")
	ch, err := NewChannel(os.NewFile(uintptr(fds[0]), "fly-channel-local"))
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return ch, remote, nil
}

// Pipe returns both ends of a new channel within this process.
func Pipe() (*Channel, *Channel, error) {
	local, remoteFile, err := NewChannelPair()
	if err != nil {
		return nil, nil, err
	}
	remote, err := NewChannel(remoteFile)
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	return local, remote, nil
}

// Close closes the channel. A peer blocked in Receive gets io.EOF.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// Send writes one packet carrying payload and the descriptors in fds.
func (ch *Channel) Send(payload []byte, fds ...int) (err error) {
	if len(payload) == 0 {
		return errors.New("empty packet")
	}
	if len(payload) > MaxPacketSize {
		return errors.Errorf("packet of %d bytes exceeds %d", len(payload), MaxPacketSize)
	}
	if len(fds) > MaxPacketFDs {
		return errors.Errorf("packet carries %d descriptors, max %d", len(fds), MaxPacketFDs)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	n, _, err := ch.conn.WriteMsgUnix(payload, oob, nil)
	if ch.StatsCollector != nil && n > 0 {
		ch.StatsCollector.AddBytesWritten(int64(n))
	}
	return errors.WithStack(err)
}

// SendMetadata sends the metadata message for a request.
func (ch *Channel) SendMetadata(md Metadata) error {
	payload, err := EncodeMetadata(md)
	if err != nil {
		return err
	}
	return ch.Send(payload)
}

// SendHandoff moves the connection held by h to the peer, tagged with id.
// h is consumed whether or not the send succeeds; on failure the
// connection is closed.
func (ch *Channel) SendHandoff(id RequestID, h *Handoff) error {
	f, err := h.Take()
	if err != nil {
		return err
	}
	defer f.Close()
	return ch.Send(EncodeHandle(id), int(f.Fd()))
}

// Receive blocks until a packet arrives and decodes it. It returns io.EOF
// once the peer has closed its end. A ProtocolError means the packet was
// not one of the two recognized shapes; any descriptors it carried are
// closed.
func (ch *Channel) Receive() (msg Message, err error) {
	buf := PacketAlloc()
	defer PacketFree(buf)

	ch.rmu.Lock()
	n, oobn, flags, _, err := ch.conn.ReadMsgUnix(buf, ch.oob)
	var fds []int
	if oobn > 0 {
		fds, err = parseRights(ch.oob[:oobn], err)
	}
	ch.rmu.Unlock()

	if ch.StatsCollector != nil && n > 0 {
		ch.StatsCollector.AddBytesRead(int64(n))
	}
	if err != nil {
		closeFDs(fds)
		if errors.Cause(err) == io.EOF {
			return msg, io.EOF
		}
		return msg, errors.WithStack(err)
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeFDs(fds)
		return msg, errors.Wrapf(ProtocolError{}, "truncated packet (flags 0x%x)", flags)
	}
	if msg, err = DecodeMessage(buf[:n], fds); err != nil {
		closeFDs(fds)
	}
	return
}

func parseRights(oob []byte, readErr error) (fds []int, err error) {
	err = readErr
	scms, perr := unix.ParseSocketControlMessage(oob)
	if perr != nil {
		if err == nil {
			err = errors.Wrap(ProtocolError{}, perr.Error())
		}
		return
	}
	for i := range scms {
		rights, rerr := unix.ParseUnixRights(&scms[i])
		if rerr != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
