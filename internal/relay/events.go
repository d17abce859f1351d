package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/danmuck/pqrelay/internal/protocol/frame"
)

// Role tags what a handle is to the loop.
type Role int

const (
	RoleCADListener Role = iota
	RoleOperatorListener
	RoleCAD
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleCADListener:
		return "cad-listener"
	case RoleOperatorListener:
		return "operator-listener"
	case RoleCAD:
		return "cad"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// Handle identifies one connection for the lifetime of the loop.
type Handle uint64

type EventKind int

const (
	// EventAccepted carries a new connection from a listener.
	EventAccepted EventKind = iota
	// EventReadable carries bytes read from a session.
	EventReadable
	// EventClosed reports EOF, a read error, or a read deadline on a session.
	EventClosed
	// EventAckTimeout fires when a delivery outlives the ack window.
	EventAckTimeout
	// EventIdentifyGap fires when a bare operator id has seen no more bytes.
	EventIdentifyGap
)

// Event is one readiness notification posted to the loop.
type Event struct {
	Kind     EventKind
	Role     Role
	Handle   Handle
	Conn     net.Conn
	Data     []byte
	Err      error
	Delivery string
}

// conn wraps one accepted connection with the read deadline its pump applies.
type conn struct {
	handle Handle
	role   Role
	nc     net.Conn
	remote string

	// readTimeout is read by the pump before every read; zero disables the deadline.
	readTimeout atomic.Int64
}

func newConn(h Handle, role Role, nc net.Conn, readTimeout time.Duration) *conn {
	c := &conn{
		handle: h,
		role:   role,
		nc:     nc,
		remote: nc.RemoteAddr().String(),
	}
	c.readTimeout.Store(int64(readTimeout))
	return c
}

// setReadTimeout changes the deadline policy, including for a read already blocked.
func (c *conn) setReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
	if d <= 0 {
		_ = c.nc.SetReadDeadline(time.Time{})
		return
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(d))
}

func (c *conn) write(p []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := c.nc.Write(p)
	return err
}

func (c *conn) close() {
	_ = c.nc.Close()
}

// pump reads c until it fails and posts every chunk to the loop.
func (s *Server) pump(ctx context.Context, c *conn) {
	buf := make([]byte, frame.ReadChunk)
	for {
		d := time.Duration(c.readTimeout.Load())
		if d > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(d))
		} else {
			_ = c.nc.SetReadDeadline(time.Time{})
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.post(ctx, Event{Kind: EventReadable, Role: c.role, Handle: c.handle, Data: data}) {
				return
			}
		}
		if err == nil {
			continue
		}
		if isTimeout(err) && time.Duration(c.readTimeout.Load()) != d {
			// The loop changed the deadline policy while this read was blocked.
			continue
		}
		s.post(ctx, Event{Kind: EventClosed, Role: c.role, Handle: c.handle, Err: err})
		return
	}
}

func (s *Server) post(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
