// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package fly

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Worker receives metadata and connections from a Channel, pairs them up
// in its Table and streams each pair with its Responder.
//
// Only the Serve goroutine mutates the Table on behalf of the channel, so
// arrivals are applied in the order the channel delivers them.
type Worker struct {
	Channel       *Channel
	Table         *Table
	Responder     *Responder
	Logger        *zap.Logger
	SweepInterval time.Duration
	responses     sync.WaitGroup
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
}

// NewWorker returns a Worker reading from ch and answering with rsp.
func NewWorker(ch *Channel, rsp *Responder) *Worker {
	w := &Worker{
		Channel:       ch,
		Responder:     rsp,
		Logger:        zap.NewNop(),
		SweepInterval: DefaultSweepInterval,
		serveErrors:   make(map[string]int),
	}
	w.Table = NewTable(w.match)
	return w
}

// OpenWorkerChannel returns the Channel a spawned worker inherits on ChannelFD.
func OpenWorkerChannel() (*Channel, error) {
	f := os.NewFile(uintptr(ChannelFD), "fly-channel")
	if f == nil {
		return nil, errors.Errorf("descriptor %d not inherited", ChannelFD)
	}
	return NewChannel(f)
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Worker) recordError(key string) {
	w.serveErrorsMu.Lock()
	defer w.serveErrorsMu.Unlock()
	if w.serveErrors == nil {
		w.serveErrors = make(map[string]int)
	}
	w.serveErrors[key]++
}

// ServeErrors returns a copy of the serve errors map, keyed by error kind.
func (w *Worker) ServeErrors() map[string]int {
	w.serveErrorsMu.Lock()
	defer w.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range w.serveErrors {
		m[k] = v
	}
	return m
}

func (w *Worker) match(id RequestID, conn net.Conn, path string) {
	w.logger().Debug("matched",
		zap.String("request_id", string(id)),
		zap.String("path", path))
	w.responses.Add(1)
	go func() {
		defer w.responses.Done()
		if _, err := w.Responder.Respond(id, conn, path); err != nil {
			w.recordError(errorKind(err))
		}
	}()
}

// Serve processes channel messages until the channel is closed by the peer,
// ctx is done or a message is not recognized. The last case returns a
// ProtocolError, which the caller should treat as fatal.
func (w *Worker) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		w.Table.RunSweeper(ctx, w.SweepInterval)
	}()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		<-ctx.Done()
		w.Channel.Close()
	}()
	defer func() {
		cancel()
		<-sweepDone
		<-watchDone
	}()

	for {
		var msg Message
		if msg, err = w.Channel.Receive(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !IsProtocolError(err) {
				return nil
			}
			if err == io.EOF {
				w.logger().Info("channel closed by peer")
				return nil
			}
			if IsProtocolError(err) {
				w.recordError("protocol")
				w.logger().Error("unrecognized channel message", zap.Error(err))
			}
			return err
		}
		if err = w.apply(msg); err != nil {
			if IsProtocolError(err) {
				w.recordError("protocol")
				return err
			}
			w.recordError(applyErrorKind(err))
			w.logger().Warn("message dropped",
				zap.String("request_id", string(msg.ID)),
				zap.Stringer("kind", msg.Kind),
				zap.Error(err))
		}
	}
}

// handoffError marks a received descriptor that could not become a net.Conn.
type handoffError struct{ error }

func isHandoff(err error) bool {
	_, ok := err.(handoffError)
	return ok
}

// applyErrorKind maps a dropped message's error onto a fixed serveErrors key.
func applyErrorKind(err error) string {
	switch {
	case errors.Cause(err) == ErrDuplicateID:
		return "duplicate"
	case isHandoff(err):
		return "handoff"
	default:
		return "table"
	}
}

func (w *Worker) apply(msg Message) error {
	switch msg.Kind {
	case MessageKindMetadata:
		return w.Table.OnMetadata(msg.ID, msg.Path)
	case MessageKindHandle:
		conn, err := ConnFromFD(msg.FD)
		if err != nil {
			return handoffError{err}
		}
		return w.Table.OnConnection(msg.ID, conn)
	}
	return errors.Wrapf(ProtocolError{}, "unhandled message kind %v", msg.Kind)
}

// Wait blocks until every started response has finished streaming.
func (w *Worker) Wait() {
	w.responses.Wait()
}

// Close closes the channel, drops pending halves and waits for
// active responses.
func (w *Worker) Close() error {
	err := w.Channel.Close()
	w.Table.Close()
	w.Wait()
	return err
}
