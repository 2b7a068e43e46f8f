package fly

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HeaderPolicy decides whether the header block is written before the file
// is known to be readable.
type HeaderPolicy int

const (
	// HeadersFirst writes the 200 header block before opening the file, so a
	// missing file yields a 200 followed by an error body.
	HeadersFirst = HeaderPolicy(0)
	// StatFirst opens the file first; on failure only the error body is written.
	StatFirst = HeaderPolicy(1)
)

var headerPolicyTexts = map[HeaderPolicy]string{
	HeadersFirst: "headers-first",
	StatFirst:    "stat-first",
}

func (hp HeaderPolicy) String() string {
	if s, ok := headerPolicyTexts[hp]; ok {
		return s
	}
	return fmt.Sprintf("HeaderPolicy(%d)", int(hp))
}

// ParseHeaderPolicy parses "headers-first" or "stat-first".
func ParseHeaderPolicy(s string) (HeaderPolicy, error) {
	for hp, text := range headerPolicyTexts {
		if strings.EqualFold(s, text) {
			return hp, nil
		}
	}
	return HeadersFirst, errors.Errorf("unknown header policy %q", s)
}

// FileAccessError means the file could not be opened or read.
type FileAccessError struct {
	Path string
	Err  error
}

func (e FileAccessError) Error() string { return e.Err.Error() }
func (e FileAccessError) Unwrap() error { return e.Err }

// TransportError means writing to the client connection failed,
// usually because the client went away.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e TransportError) Unwrap() error { return e.Err }

func errorKind(err error) string {
	switch errors.Cause(err).(type) {
	case nil:
		return ""
	case TransportError:
		return "transport"
	default:
		return "file"
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// RenderError returns the text written to a client when a response fails:
// the stack trace if err carries one, else its message, else a Go-syntax
// rendering of the value.
func RenderError(err error) string {
	if err == nil {
		return ""
	}
	if _, ok := err.(stackTracer); ok {
		return fmt.Sprintf("%+v", err)
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%#v", err)
}

const errorWriteTimeout = time.Second

// Responder writes a delegated response onto a client connection.
type Responder struct {
	HeaderPolicy   HeaderPolicy
	EndOnComplete  bool          // half-close the write side after the last byte
	WriteTimeout   time.Duration // deadline for the whole response, zero for none
	LingerTimeout  time.Duration // how long to wait for the client to close, zero for no limit
	StatsCollector StatsCollector
	Logger         *zap.Logger
	Metrics        *Metrics
}

// NewResponder returns a Responder with the default policy: headers first,
// end of stream signalled by half-closing the connection.
func NewResponder() *Responder {
	return &Responder{
		HeaderPolicy:  HeadersFirst,
		EndOnComplete: true,
		WriteTimeout:  DefaultWriteTimeout,
		Logger:        zap.NewNop(),
	}
}

func (r *Responder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// connWriter tags write errors so they can be told apart from read errors
// inside io.Copy.
type connWriter struct {
	net.Conn
	sc StatsCollector
}

func (w connWriter) Write(p []byte) (n int, err error) {
	n, err = w.Conn.Write(p)
	if w.sc != nil && n > 0 {
		w.sc.AddBytesWritten(int64(n))
	}
	if err != nil {
		err = errors.WithStack(TransportError{Err: err})
	}
	return
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(FileAccessError{Path: path, Err: err})
	}
	return f, nil
}

// Respond writes the header block and the contents of path to conn. It
// returns the number of body bytes written and the error that ended the
// response, if any. On error the rendered error is written to conn and
// conn is closed. On success conn stays open until the client closes it.
func (r *Responder) Respond(id RequestID, conn net.Conn, path string) (n int64, err error) {
	started := time.Now()
	r.Metrics.streamStarted()
	defer func() {
		r.Metrics.streamDone(started, errorKind(err))
	}()

	if r.WriteTimeout > 0 {
		conn.SetWriteDeadline(started.Add(r.WriteTimeout))
	}

	w := connWriter{Conn: conn, sc: r.StatsCollector}

	var f *os.File
	if r.HeaderPolicy == StatFirst {
		if f, err = openFile(path); err != nil {
			r.fail(id, conn, path, err)
			return
		}
	}
	if _, err = io.WriteString(w, HeaderBlock); err != nil {
		if f != nil {
			f.Close()
		}
		r.fail(id, conn, path, err)
		return
	}
	if f == nil {
		if f, err = openFile(path); err != nil {
			r.fail(id, conn, path, err)
			return
		}
	}
	n, err = io.Copy(w, f)
	f.Close()
	if err != nil {
		if errorKind(err) != "transport" {
			err = errors.WithStack(FileAccessError{Path: path, Err: err})
		}
		r.fail(id, conn, path, err)
		return
	}

	r.logger().Debug("response complete",
		zap.String("request_id", string(id)),
		zap.String("path", path),
		zap.Int64("bytes_written", n))

	if r.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Time{})
	}
	if r.EndOnComplete {
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}
	go r.linger(conn)
	return
}

// fail writes the rendered error as the response body and closes conn.
func (r *Responder) fail(id RequestID, conn net.Conn, path string, err error) {
	r.logger().Info("response failed",
		zap.String("request_id", string(id)),
		zap.String("path", path),
		zap.String("kind", errorKind(err)),
		zap.Error(err))
	// a transport error usually means this write fails too, but it is
	// still attempted; the deadline keeps a stalled client from holding us.
	conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	io.WriteString(conn, RenderError(err))
	conn.Close()
}

// linger waits for the client to close its side, discarding anything it
// sends, then releases the connection.
func (r *Responder) linger(conn net.Conn) {
	if r.LingerTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.LingerTimeout))
	}
	io.Copy(io.Discard, conn)
	conn.Close()
}
