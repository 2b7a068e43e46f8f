package fly

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDuplicateID is returned when RejectDuplicates is set and a half arrives
// for an id that already has a pending half of the same kind.
var ErrDuplicateID = errors.New("duplicate request id")

// MatchFunc receives a matched pair. It is called exactly once per pair,
// without any Table lock held.
type MatchFunc func(id RequestID, conn net.Conn, path string)

// pending holds whichever half arrived first.
type pending struct {
	conn    net.Conn // non-nil for a connection half
	path    string   // valid for a metadata half
	arrived time.Time
}

func (p *pending) half() Half {
	if p.conn != nil {
		return HalfConnection
	}
	return HalfMetadata
}

// Table reunites metadata and connections that share a RequestID.
//
// There is at most one pending half per id. When a half arrives and the
// opposite half is pending, the entry is removed and Match fires. A half
// of the same kind as the pending one replaces it (last write wins); the
// replaced half is dropped without being closed. Set RejectDuplicates to
// keep the first half instead.
//
// With a zero OrphanTTL a half whose counterpart never arrives is kept
// forever. A positive OrphanTTL lets Sweep evict it, closing any connection.
type Table struct {
	Match            MatchFunc
	OrphanTTL        time.Duration
	RejectDuplicates bool
	Logger           *zap.Logger
	Metrics          *Metrics

	mu      sync.Mutex
	entries map[RequestID]*pending
	now     func() time.Time
}

// NewTable returns an empty Table that calls match for every pair.
func NewTable(match MatchFunc) *Table {
	return &Table{
		Match:   match,
		Logger:  zap.NewNop(),
		entries: make(map[RequestID]*pending),
		now:     time.Now,
	}
}

func (t *Table) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

func (t *Table) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// OnMetadata records the file path for id, or fires the match if the
// connection for id is already pending.
func (t *Table) OnMetadata(id RequestID, path string) error {
	return t.arrive(id, &pending{path: path})
}

// OnConnection records the connection for id, or fires the match if the
// metadata for id is already pending. If the connection is rejected as a
// duplicate it is closed.
func (t *Table) OnConnection(id RequestID, conn net.Conn) error {
	if conn == nil {
		return errors.Errorf("nil connection for %v", id)
	}
	err := t.arrive(id, &pending{conn: conn})
	if errors.Cause(err) == ErrDuplicateID {
		conn.Close()
	}
	return err
}

func (t *Table) arrive(id RequestID, p *pending) error {
	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[RequestID]*pending)
	}
	p.arrived = t.clock()
	old := t.entries[id]
	if old != nil && old.half() != p.half() {
		delete(t.entries, id)
		t.Metrics.setPending(len(t.entries))
		t.mu.Unlock()
		conn, path := old.conn, p.path
		if conn == nil {
			conn, path = p.conn, old.path
		}
		t.Metrics.matched()
		if t.Match != nil {
			t.Match(id, conn, path)
		}
		return nil
	}
	if old != nil {
		if t.RejectDuplicates {
			t.mu.Unlock()
			t.Metrics.rejected(p.half())
			t.logger().Warn("duplicate request id rejected",
				zap.String("request_id", string(id)),
				zap.String("half", string(p.half())))
			return errors.Wrapf(ErrDuplicateID, "%v %s", id, p.half())
		}
		t.Metrics.overwritten(p.half())
		t.logger().Warn("duplicate request id overwrites pending half",
			zap.String("request_id", string(id)),
			zap.String("half", string(p.half())))
	}
	t.entries[id] = p
	t.Metrics.setPending(len(t.entries))
	t.mu.Unlock()
	return nil
}

// Len returns the number of pending halves.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending reports which half, if any, is waiting under id.
func (t *Table) Pending(id RequestID) (h Half, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.entries[id]; p != nil {
		return p.half(), true
	}
	return
}

// Sweep evicts halves that have waited longer than OrphanTTL, closing
// evicted connections. It does nothing if OrphanTTL is not positive.
func (t *Table) Sweep() (evicted int) {
	if t.OrphanTTL <= 0 {
		return
	}
	var conns []net.Conn
	t.mu.Lock()
	now := t.clock()
	cutoff := now.Add(-t.OrphanTTL)
	for id, p := range t.entries {
		if p.arrived.Before(cutoff) {
			delete(t.entries, id)
			evicted++
			t.Metrics.evicted(p.half())
			t.logger().Info("evicted orphan",
				zap.String("request_id", string(id)),
				zap.String("half", string(p.half())),
				zap.Duration("age", now.Sub(p.arrived)))
			if p.conn != nil {
				conns = append(conns, p.conn)
			}
		}
	}
	t.Metrics.setPending(len(t.entries))
	t.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return
}

// RunSweeper calls Sweep every interval until ctx is done.
// It returns immediately if OrphanTTL is not positive.
func (t *Table) RunSweeper(ctx context.Context, interval time.Duration) {
	if t.OrphanTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Close drops every pending half and closes pending connections.
func (t *Table) Close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[RequestID]*pending)
	t.Metrics.setPending(0)
	t.mu.Unlock()
	for _, p := range entries {
		if p.conn != nil {
			p.conn.Close()
		}
	}
}
