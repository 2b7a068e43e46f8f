package main

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/linkdata/fly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers one request per connection with reply and closes.
func fakeServer(t *testing.T, reply string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := http.ReadRequest(bufio.NewReader(conn)); err == nil {
					io.WriteString(conn, reply)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func Test_probe_delegated(t *testing.T) {
	addr := fakeServer(t, fly.HeaderBlock+"var x = 1;")
	res, err := probe(addr, "/app.js", time.Second)
	require.NoError(t, err)
	assert.True(t, res.Delegated)
	assert.Equal(t, "var x = 1;", string(res.Body))
	assert.Equal(t, "/app.js: delegated, 10 body bytes", res.String())
}

func Test_probe_not_delegated(t *testing.T) {
	addr := fakeServer(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	res, err := probe(addr, "/index.html", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Delegated)
	assert.Equal(t, "/index.html: not delegated (HTTP/1.1 404 Not Found)", res.String())
}

func Test_probe_unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	_, err = probe(addr, "/app.js", time.Second)
	assert.Error(t, err)
}
