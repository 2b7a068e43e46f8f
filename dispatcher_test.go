package fly

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender records what the dispatcher sends instead of sending it.
type captureSender struct {
	mu          sync.Mutex
	metadata    []Metadata
	handoffs    []RequestID
	metadataErr error
	handoffErr  error
}

func (cs *captureSender) SendMetadata(md Metadata) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.metadataErr != nil {
		return cs.metadataErr
	}
	cs.metadata = append(cs.metadata, md)
	return nil
}

func (cs *captureSender) SendHandoff(id RequestID, h *Handoff) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.handoffErr != nil {
		return cs.handoffErr
	}
	cs.handoffs = append(cs.handoffs, id)
	return h.Close()
}

func fixedID(id RequestID) IDGenerator {
	return func() RequestID { return id }
}

func delegateTo(absPath string) Resolver {
	return ResolverFunc(func(r *http.Request) Resolution {
		return Resolution{Delegate: true, AbsFilePath: absPath}
	})
}

var notDelegated = ResolverFunc(func(r *http.Request) Resolution { return Resolution{} })

// rawGet sends a minimal GET for urlPath to addr and returns everything the
// server sends back until it ends the stream.
func rawGet(t *testing.T, addr, urlPath string) string {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", urlPath, addr)
	require.NoError(t, err)
	b, err := io.ReadAll(conn)
	assert.NoError(t, err)
	return string(b)
}

func Test_Dispatcher_end_to_end(t *testing.T) {
	body := testBody(500)
	path := writeTestFile(t, t.TempDir(), "srv/static/app.js", body)

	front, back := newChannelPipe(t)
	defer front.Close()
	w := NewWorker(back, NewResponder())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	d := NewDispatcher(delegateTo(path), front, nil)
	d.NewID = fixedID("abc123")
	d.Metrics = NewMetrics(prometheus.NewRegistry())
	ts := httptest.NewServer(d)
	defer ts.Close()

	got := rawGet(t, ts.Listener.Addr().String(), "/app.js")
	assert.Equal(t, HeaderBlock+string(body), got)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.delegations.WithLabelValues("sent")))

	cancel()
	assert.NoError(t, <-done)
	w.Close()
}

func Test_Dispatcher_passes_through(t *testing.T) {
	defer leaktest.Check(t)()
	cs := &captureSender{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from next")
	})
	d := Middleware(notDelegated, cs)(next)

	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "from next", rr.Body.String())
	assert.Empty(t, cs.metadata)
	assert.Empty(t, cs.handoffs)
}

func Test_Dispatcher_no_next(t *testing.T) {
	d := NewDispatcher(notDelegated, &captureSender{}, nil)
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func Test_Dispatcher_metadata_failure(t *testing.T) {
	cs := &captureSender{metadataErr: errors.New("channel closed")}
	d := NewDispatcher(delegateTo("/srv/static/app.js"), cs, nil)
	d.Metrics = NewMetrics(prometheus.NewRegistry())

	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "channel closed")
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.delegations.WithLabelValues("metadata_failed")))
}

func Test_Dispatcher_hijack_unsupported(t *testing.T) {
	cs := &captureSender{}
	d := NewDispatcher(delegateTo("/srv/static/app.js"), cs, nil)
	d.NewID = fixedID("abc123")

	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "http.Hijacker unsupported")
	// the metadata went out before the hijack was attempted
	assert.Equal(t, []Metadata{{ID: "abc123", AbsFilePath: "/srv/static/app.js"}}, cs.metadata)
	assert.Empty(t, cs.handoffs)
}

func Test_Dispatcher_sends_both_halves(t *testing.T) {
	cs := &captureSender{}
	d := NewDispatcher(delegateTo("/srv/static/app.js"), cs, nil)
	d.NewID = fixedID("abc123")
	ts := httptest.NewServer(d)
	defer ts.Close()

	// captureSender closes the handoff, so the client sees the stream end
	got := rawGet(t, ts.Listener.Addr().String(), "/app.js")
	assert.Empty(t, got)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	assert.Equal(t, []Metadata{{ID: "abc123", AbsFilePath: "/srv/static/app.js"}}, cs.metadata)
	assert.Equal(t, []RequestID{"abc123"}, cs.handoffs)
}

func Test_Dispatcher_transfer_failure_closes_connection(t *testing.T) {
	cs := &captureSender{handoffErr: errors.New("send failed")}
	d := NewDispatcher(delegateTo("/srv/static/app.js"), cs, nil)
	d.Metrics = NewMetrics(prometheus.NewRegistry())
	ts := httptest.NewServer(d)
	defer ts.Close()

	got := rawGet(t, ts.Listener.Addr().String(), "/app.js")
	assert.Empty(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.delegations.WithLabelValues("transfer_failed")))
}

func Test_Dispatcher_fresh_ids(t *testing.T) {
	cs := &captureSender{}
	d := NewDispatcher(delegateTo("/srv/static/app.js"), cs, nil)
	ts := httptest.NewServer(d)
	defer ts.Close()

	addr := ts.Listener.Addr().String()
	rawGet(t, addr, "/a.js")
	rawGet(t, addr, "/b.js")
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.Len(t, cs.metadata, 2)
	assert.NotEqual(t, cs.metadata[0].ID, cs.metadata[1].ID)
	assert.Equal(t, []RequestID{cs.metadata[0].ID, cs.metadata[1].ID}, cs.handoffs)
}

func Test_Dispatcher_http_client(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "app.js", []byte("console.log(1);"))
	front, back := newChannelPipe(t)
	defer front.Close()
	w := NewWorker(back, NewResponder())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	ts := httptest.NewServer(NewDispatcher(delegateTo(path), front, nil))
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	req := httptest.NewRequest("GET", "/app.js", nil)
	req.RequestURI = ""
	require.NoError(t, req.Write(conn))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/javascript"))
	assert.Equal(t, "console.log(1);", string(b))

	cancel()
	assert.NoError(t, <-done)
	w.Close()
}
