package fly

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Handoff_Take_consumes(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli := tcpPair(t)
	defer cli.Close()

	h := NewHandoff(srv)
	assert.False(t, h.Consumed())
	_, err := h.Write([]byte("before"))
	assert.NoError(t, err)

	f, err := h.Take()
	require.NoError(t, err)
	assert.True(t, h.Consumed())

	_, err = h.Write([]byte("after"))
	assert.Equal(t, ErrHandoffConsumed, errors.Cause(err))
	_, err = h.Read(make([]byte, 1))
	assert.Equal(t, ErrHandoffConsumed, errors.Cause(err))
	assert.Equal(t, ErrHandoffConsumed, errors.Cause(h.SetDeadline(time.Now())))
	assert.Equal(t, ErrHandoffConsumed, errors.Cause(h.Close()))
	_, err = h.Take()
	assert.Equal(t, ErrHandoffConsumed, errors.Cause(err))

	// the socket lives on in the taken file
	conn, err := net.FileConn(f)
	require.NoError(t, err)
	f.Close()
	_, err = conn.Write([]byte(" and after"))
	assert.NoError(t, err)
	conn.Close()

	got, err := io.ReadAll(cli)
	assert.NoError(t, err)
	assert.Equal(t, "before and after", string(got))
}

func Test_Handoff_Take_without_descriptor(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	h := NewHandoff(a)
	_, err := h.Take()
	assert.Error(t, err)
	assert.False(t, h.Consumed())
	assert.NoError(t, h.Close())
	assert.True(t, h.Consumed())
}

func Test_Handoff_ConnFromFD_bad_descriptor(t *testing.T) {
	_, err := ConnFromFD(-1)
	assert.Error(t, err)
}
