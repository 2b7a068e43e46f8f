package fly

import (
	"net/http"

	"go.uber.org/zap"
)

// Sender delivers the two halves of a delegation to the worker.
// *Channel implements it.
type Sender interface {
	SendMetadata(md Metadata) error
	SendHandoff(id RequestID, h *Handoff) error
}

// Dispatcher is HTTP middleware that delegates eligible requests to a
// worker. For a delegated request it sends the metadata, hijacks the
// client connection and sends it too, both tagged with a fresh RequestID.
// Neither send is acknowledged or retried, and once the connection is sent
// the Dispatcher no longer owns it.
type Dispatcher struct {
	Resolver Resolver
	Sender   Sender
	Next     http.Handler // serves requests that are not delegated
	NewID    IDGenerator
	Logger   *zap.Logger
	Metrics  *Metrics
}

// NewDispatcher returns a Dispatcher. Requests the resolver does not
// delegate are passed to next, or answered with 404 if next is nil.
func NewDispatcher(res Resolver, s Sender, next http.Handler) *Dispatcher {
	return &Dispatcher{
		Resolver: res,
		Sender:   s,
		Next:     next,
		NewID:    NewRequestID,
		Logger:   zap.NewNop(),
	}
}

// Middleware returns a function wrapping handlers in a Dispatcher.
func Middleware(res Resolver, s Sender) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return NewDispatcher(res, s, next)
	}
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) newID() RequestID {
	if d.NewID == nil {
		return NewRequestID()
	}
	return d.NewID()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := d.Resolver.Resolve(r)
	if !res.Delegate {
		d.Metrics.delegation("passed")
		if d.Next != nil {
			d.Next.ServeHTTP(w, r)
		} else {
			http.NotFound(w, r)
		}
		return
	}

	id := d.newID()
	log := d.logger().With(zap.String("request_id", string(id)), zap.String("path", res.AbsFilePath))

	if err := d.Sender.SendMetadata(Metadata{ID: id, AbsFilePath: res.AbsFilePath}); err != nil {
		d.Metrics.delegation("metadata_failed")
		log.Error("sending metadata", zap.Error(err))
		http.Error(w, "Dispatcher.ServeHTTP(): "+err.Error(), http.StatusBadGateway)
		return
	}

	// the worker now has an orphaned metadata half if anything below fails
	hj, ok := w.(http.Hijacker)
	if !ok {
		d.Metrics.delegation("hijack_failed")
		log.Error("http.Hijacker unsupported")
		http.Error(w, "Dispatcher.ServeHTTP(): http.Hijacker unsupported", http.StatusInternalServerError)
		return
	}
	rwc, buf, err := hj.Hijack()
	if err != nil {
		d.Metrics.delegation("hijack_failed")
		log.Error("hijack", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if buf != nil && buf.Reader.Buffered() > 0 {
		log.Warn("client sent data after the request, it will not be read", zap.Int("buffered", buf.Reader.Buffered()))
	}

	h := NewHandoff(rwc)
	if err = d.Sender.SendHandoff(id, h); err != nil {
		d.Metrics.delegation("transfer_failed")
		log.Error("sending connection", zap.Error(err))
		if !h.Consumed() {
			h.Close()
		}
		return
	}
	d.Metrics.delegation("sent")
	log.Debug("delegated")
}
