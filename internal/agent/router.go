package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/danmuck/pqrelay/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownRoute  = errors.New("agent: unknown routing character")
	ErrRouteDown     = errors.New("agent: sub-service not connected")
	ErrForwardFailed = errors.New("agent: forward to sub-service failed")
	ErrConnectRoute  = errors.New("agent: sub-service connect failed")
)

// subService is one downstream connection and the reply bytes it has sent so far.
type subService struct {
	route  Route
	key    byte
	conn   net.Conn
	framer *frame.Framer
	since  time.Time
}

// RouteStatus is the read-only view of one route.
type RouteStatus struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Addr      string    `json:"addr"`
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since,omitempty"`
}

// SubServiceRouter maps a leading routing character to a sub-service connection. It is
// owned by the agent loop and is not safe for concurrent use.
type SubServiceRouter struct {
	routes map[byte]*subService
	keys   []byte
	cfg    session.Config
	dial   DialFunc
	log    zerolog.Logger
}

func NewSubServiceRouter(routes []Route, terminator string, limits frame.Limits, cfg session.Config) (*SubServiceRouter, error) {
	r := &SubServiceRouter{
		routes: make(map[byte]*subService, len(routes)),
		cfg:    cfg.WithDefaults(),
		dial:   (&net.Dialer{}).DialContext,
		log:    observability.Logger("agent.router"),
	}
	for _, rt := range routes {
		if len(rt.Key) != 1 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRouteKey, rt.Key)
		}
		key := rt.Key[0]
		if _, ok := r.routes[key]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRouteKey, rt.Key)
		}
		f, err := frame.NewFramer(terminator, limits)
		if err != nil {
			return nil, err
		}
		if rt.Name == "" {
			rt.Name = rt.Key
		}
		r.routes[key] = &subService{route: rt, key: key, framer: f}
		r.keys = append(r.keys, key)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r, nil
}

// WithDialer replaces the dialer used for sub-service connections.
func (r *SubServiceRouter) WithDialer(dial DialFunc) *SubServiceRouter {
	if dial != nil {
		r.dial = dial
	}
	return r
}

// Keys returns the routing characters in sorted order.
func (r *SubServiceRouter) Keys() []byte {
	return append([]byte(nil), r.keys...)
}

// ConnectAll dials every route. All routes must be live before the agent serves, so any
// failure closes the connections already opened.
func (r *SubServiceRouter) ConnectAll(ctx context.Context) error {
	for _, key := range r.keys {
		svc := r.routes[key]
		nc, err := r.Dial(ctx, key)
		if err != nil {
			r.Close()
			return err
		}
		r.Attach(key, nc)
		r.log.Info().Str("route", svc.route.Key).Str("name", svc.route.Name).Str("addr", svc.route.Addr).Msg("agent.router connected to sub-service")
	}
	return nil
}

// Dial opens a new connection for key without attaching it.
func (r *SubServiceRouter) Dial(ctx context.Context, key byte) (net.Conn, error) {
	svc, ok := r.routes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, key)
	}
	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	nc, err := r.dial(dctx, "tcp", svc.route.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %v", ErrConnectRoute, svc.route.Name, svc.route.Addr, err)
	}
	return nc, nil
}

// Attach binds nc to key with an empty reply buffer.
func (r *SubServiceRouter) Attach(key byte, nc net.Conn) {
	svc, ok := r.routes[key]
	if !ok {
		_ = nc.Close()
		return
	}
	if svc.conn != nil {
		_ = svc.conn.Close()
	}
	svc.conn = nc
	svc.framer.Reset()
	svc.since = time.Now()
}

// Conn returns the live connection for key, if any.
func (r *SubServiceRouter) Conn(key byte) (net.Conn, bool) {
	svc, ok := r.routes[key]
	if !ok || svc.conn == nil {
		return nil, false
	}
	return svc.conn, true
}

// Name returns the configured name of key.
func (r *SubServiceRouter) Name(key byte) string {
	if svc, ok := r.routes[key]; ok {
		return svc.route.Name
	}
	return string(key)
}

// Forward sends the payload of a relayed frame to the sub-service named by its first
// byte.
func (r *SubServiceRouter) Forward(fr []byte) (byte, error) {
	key, payload, err := protocol.SplitRoute(fr)
	if err != nil {
		return 0, err
	}
	svc, ok := r.routes[key]
	if !ok {
		observability.RecordRouteForward(key, "unknown")
		return key, fmt.Errorf("%w: %q", ErrUnknownRoute, key)
	}
	if svc.conn == nil {
		observability.RecordRouteForward(key, "down")
		return key, fmt.Errorf("%w: %s", ErrRouteDown, svc.route.Name)
	}
	_ = svc.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	if _, err := svc.conn.Write(payload); err != nil {
		observability.RecordRouteForward(key, "failed")
		return key, fmt.Errorf("%w: %s: %v", ErrForwardFailed, svc.route.Name, err)
	}
	observability.RecordRouteForward(key, "ok")
	return key, nil
}

// Feed buffers data read from key's sub-service and returns every completed reply.
func (r *SubServiceRouter) Feed(key byte, data []byte) ([][]byte, error) {
	svc, ok := r.routes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, key)
	}
	if _, err := svc.framer.Write(data); err != nil {
		svc.framer.Reset()
		return nil, err
	}
	var out [][]byte
	for fr := range svc.framer.Frames() {
		out = append(out, fr)
	}
	return out, nil
}

// Drop closes key's connection and discards its partial reply.
func (r *SubServiceRouter) Drop(key byte) {
	svc, ok := r.routes[key]
	if !ok {
		return
	}
	if svc.conn != nil {
		_ = svc.conn.Close()
		svc.conn = nil
	}
	svc.framer.Reset()
	svc.since = time.Now()
}

// Close drops every route.
func (r *SubServiceRouter) Close() {
	for _, key := range r.keys {
		r.Drop(key)
	}
}

func (r *SubServiceRouter) Status() []RouteStatus {
	out := make([]RouteStatus, 0, len(r.keys))
	for _, key := range r.keys {
		svc := r.routes[key]
		out = append(out, RouteStatus{
			Key:       svc.route.Key,
			Name:      svc.route.Name,
			Addr:      svc.route.Addr,
			Connected: svc.conn != nil,
			Since:     svc.since,
		})
	}
	return out
}
