package fly

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrHandoffConsumed is returned by every operation on a Handoff
// after its connection has been taken for transfer.
var ErrHandoffConsumed = errors.New("connection handoff consumed")

type filer interface {
	File() (*os.File, error)
}

// Handoff is a move-only hold on a client connection. Until it is taken it
// behaves like the connection; afterwards every use fails with
// ErrHandoffConsumed.
type Handoff struct {
	mu   sync.Mutex
	conn net.Conn // nil once taken
}

// NewHandoff wraps conn. The caller must not use conn directly afterwards.
func NewHandoff(conn net.Conn) *Handoff {
	return &Handoff{conn: conn}
}

func (h *Handoff) get() (net.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, errors.WithStack(ErrHandoffConsumed)
	}
	return h.conn, nil
}

// Consumed returns true once the connection has been taken or closed.
func (h *Handoff) Consumed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn == nil
}

// Take detaches the connection and returns its descriptor as a file that the
// caller now owns. The connection itself is closed locally; the socket stays
// open through the returned file. Take succeeds at most once.
func (h *Handoff) Take() (*os.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, errors.WithStack(ErrHandoffConsumed)
	}
	fc, ok := h.conn.(filer)
	if !ok {
		return nil, errors.Errorf("%T has no file descriptor", h.conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn := h.conn
	h.conn = nil
	if err = conn.Close(); err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (h *Handoff) Read(p []byte) (int, error) {
	conn, err := h.get()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (h *Handoff) Write(p []byte) (int, error) {
	conn, err := h.get()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// Close closes the connection if it has not been taken.
func (h *Handoff) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return errors.WithStack(ErrHandoffConsumed)
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// SetDeadline forwards to the connection.
func (h *Handoff) SetDeadline(t time.Time) error {
	conn, err := h.get()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

// ConnFromFD builds a net.Conn from a descriptor received over a Channel.
// The descriptor is closed; the returned conn holds its own duplicate.
func ConnFromFD(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "handoff")
	if f == nil {
		return nil, errors.Errorf("invalid descriptor %d", fd)
	}
	defer f.Close()
	conn, err := net.FileConn(f)
	return conn, errors.WithStack(err)
}
