package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
)

// workerConn is the write side of one encoder connection. The websocket
// implementation lives in ws.go; tests substitute fakes.
type workerConn interface {
	// Send encodes and queues one protocol message for the worker.
	Send(msg any) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

type connEntry struct {
	conn            workerConn
	lastHeartbeatAt time.Time
}

// registry tracks live encoder connections keyed by encoder ID. A reconnect
// replaces the previous connection for the same encoder.
type registry struct {
	mu     sync.RWMutex
	conns  map[string]*connEntry
	logger *slog.Logger
	now    func() time.Time
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		conns:  make(map[string]*connEntry),
		logger: logger.With("component", "encoder-registry"),
		now:    time.Now,
	}
}

// Attach registers a connection for an encoder, closing any previous one. A
// re-register on the connection already held just refreshes its liveness.
func (r *registry) Attach(encoderID string, conn workerConn) {
	r.mu.Lock()
	previous, existed := r.conns[encoderID]
	r.conns[encoderID] = &connEntry{conn: conn, lastHeartbeatAt: r.now()}
	r.mu.Unlock()

	if existed && previous.conn != conn {
		r.logger.Info("encoder reconnected, replacing stale connection",
			"encoder_id", encoderID, "remote_addr", conn.RemoteAddr())
		_ = previous.conn.Close()
		return
	}
	if !existed {
		r.logger.Info("encoder connected", "encoder_id", encoderID, "remote_addr", conn.RemoteAddr())
	}
}

// Detach removes the connection for an encoder, but only if it is still the
// one given. A reconnect that already replaced it is left alone.
func (r *registry) Detach(encoderID string, conn workerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[encoderID]
	if !ok || entry.conn != conn {
		return false
	}
	delete(r.conns, encoderID)
	return true
}

// Touch records a heartbeat for an encoder.
func (r *registry) Touch(encoderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[encoderID]; ok {
		entry.lastHeartbeatAt = r.now()
	}
}

// Send delivers one message to a connected encoder.
func (r *registry) Send(encoderID string, msg any) error {
	r.mu.RLock()
	entry, ok := r.conns[encoderID]
	r.mu.RUnlock()

	if !ok {
		return apperrors.New(apperrors.KindWorkerDisconnected, "encoder %s is not connected", encoderID)
	}
	return entry.conn.Send(msg)
}

// Broadcast sends one message to every connected encoder.
func (r *registry) Broadcast(msg any) {
	r.mu.RLock()
	conns := make(map[string]workerConn, len(r.conns))
	for id, entry := range r.conns {
		conns[id] = entry.conn
	}
	r.mu.RUnlock()

	for id, conn := range conns {
		if err := conn.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed", "encoder_id", id, "error", err)
		}
	}
}

// Connected reports whether an encoder has a live connection.
func (r *registry) Connected(encoderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[encoderID]
	return ok
}

// Get returns the live connection for an encoder.
func (r *registry) Get(encoderID string) (workerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[encoderID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Stale returns encoder IDs whose last heartbeat is older than timeout.
func (r *registry) Stale(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-timeout)
	var stale []string
	for id, entry := range r.conns {
		if entry.lastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Count returns the number of live connections.
func (r *registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll tears down every connection, for shutdown.
func (r *registry) CloseAll() {
	r.mu.Lock()
	conns := make([]workerConn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	r.conns = make(map[string]*connEntry)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
