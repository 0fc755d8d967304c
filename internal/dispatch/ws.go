package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// registerWait is how long a fresh connection gets to send register.
	registerWait = 30 * time.Second

	// maxMessageSize caps inbound frames; the largest legitimate worker
	// message is a job:failed with an error string.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers are not browsers; origin checks do not apply to this endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to workerConn. All writes funnel
// through writePump, which is the connection's only writer.
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send encodes and queues one message. A full queue means the worker has
// stopped draining; the caller decides whether that is fatal.
func (c *wsConn) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return apperrors.New(apperrors.KindWorkerDisconnected, "connection closed")
	case c.send <- data:
		return nil
	default:
		return apperrors.New(apperrors.KindTimeout, "send queue full")
	}
}

// Close stops the write pump, which tears down the underlying connection
// and unblocks the read loop.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// RemoteAddr describes the peer.
func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump drains the send queue onto the wire. On shutdown it attempts a
// close handshake, then drops the TCP connection so the reader unblocks.
func (c *wsConn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeWS upgrades an encoder connection and runs its message loop until the
// worker goes away. Mounted at /ws/encoders.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(ws)
	go conn.writePump()

	// The request context dies with the handler in awkward ways once the
	// connection is hijacked; frame handling must not inherit that.
	d.readLoop(context.WithoutCancel(r.Context()), conn)
}

// readLoop consumes frames from one worker. The first frame must register;
// everything after flows through dispatchFrame. Returning runs disconnect
// handling exactly once, whichever side ends the connection.
func (d *Dispatcher) readLoop(ctx context.Context, conn *wsConn) {
	defer conn.Close()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		d.logger.Warn("connection closed before register", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}
	msgType, msg, err := protocol.Decode(data)
	if err != nil || msgType != protocol.TypeRegister {
		d.logger.Warn("first frame was not register",
			"remote_addr", conn.RemoteAddr(), "type", msgType, "error", err)
		return
	}
	register := msg.(*protocol.Register)
	if err := d.handleRegister(ctx, conn, register); err != nil {
		d.logger.Warn("register rejected", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}
	encoderID := register.EncoderID
	defer d.handleDisconnect(ctx, encoderID, conn)

	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(d.readWait()))
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Warn("encoder connection error", "encoder_id", encoderID, "error", err)
			}
			return
		}
		d.dispatchFrame(ctx, encoderID, data)
	}
}

// readWait is the inbound frame deadline: generous enough that heartbeat
// enforcement fires first, tight enough that dead TCP still unblocks.
func (d *Dispatcher) readWait() time.Duration {
	if d.cfg.HeartbeatTimeout > 0 {
		return 2 * d.cfg.HeartbeatTimeout
	}
	return 5 * time.Minute
}

// dispatchFrame routes one decoded worker frame to its handler.
func (d *Dispatcher) dispatchFrame(ctx context.Context, encoderID string, data []byte) {
	msgType, msg, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn("undecodable frame from encoder",
			"encoder_id", encoderID, "type", msgType, "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		if m.EncoderID == "" {
			m.EncoderID = encoderID
		}
		d.handleHeartbeat(ctx, m)
	case *protocol.JobAccepted:
		d.handleAccepted(ctx, m)
	case *protocol.JobProgress:
		d.handleProgress(ctx, m)
	case *protocol.JobComplete:
		d.handleComplete(ctx, m)
	case *protocol.JobFailed:
		d.handleFailed(ctx, m)
	case *protocol.Register:
		// A worker may re-register on a live connection to refresh its row.
		if conn, ok := d.registry.Get(encoderID); ok {
			if err := d.handleRegister(ctx, conn, m); err != nil {
				d.logger.Warn("re-register failed", "encoder_id", encoderID, "error", err)
			}
		}
	default:
		d.logger.Warn("unexpected frame type from encoder", "encoder_id", encoderID, "type", msgType)
	}
}
