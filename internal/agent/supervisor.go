package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/session"
	"github.com/rs/zerolog"
)

var ErrIdentifyRejected = errors.New("agent: relay rejected identification")

// State is the relay connection state of a ReconnectSupervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DialFunc opens one network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// RelayConn is an identified relay connection. Reads drain any bytes that arrived
// together with the identification reply first.
type RelayConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *RelayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ReconnectSupervisor establishes the agent's relay connection and re-establishes it
// after loss. One Connect call runs at a time; it retries until identified or cancelled.
type ReconnectSupervisor struct {
	addr       string
	operatorID string
	cfg        session.Config
	dial       DialFunc
	log        zerolog.Logger

	state    atomic.Int32
	attempts atomic.Uint64

	mu           sync.Mutex
	onTransition func(from, to State)
}

func NewReconnectSupervisor(addr, operatorID string, cfg session.Config) *ReconnectSupervisor {
	var d net.Dialer
	return &ReconnectSupervisor{
		addr:       addr,
		operatorID: operatorID,
		cfg:        cfg.WithDefaults(),
		dial:       d.DialContext,
		log:        observability.Logger("agent.supervisor"),
	}
}

// WithDialer replaces the dialer used for relay connections.
func (s *ReconnectSupervisor) WithDialer(dial DialFunc) *ReconnectSupervisor {
	if dial != nil {
		s.dial = dial
	}
	return s
}

// OnTransition registers fn to observe every state change.
func (s *ReconnectSupervisor) OnTransition(fn func(from, to State)) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

func (s *ReconnectSupervisor) State() State {
	return State(s.state.Load())
}

// Attempts returns how many connect attempts have been made.
func (s *ReconnectSupervisor) Attempts() uint64 {
	return s.attempts.Load()
}

// Connect blocks until the relay accepts the operator id or ctx ends. Failed attempts
// return to Disconnected and wait out the backoff delay before retrying.
func (s *ReconnectSupervisor) Connect(ctx context.Context) (*RelayConn, error) {
	retry := session.NewRetry(s.cfg.Backoff, nil)
	for {
		s.transition(StateConnecting)
		s.log.Info().Str("addr", s.addr).Msg("agent.ReconnectSupervisor connecting to relay")
		conn, err := s.attempt(ctx)
		if err == nil {
			s.transition(StateConnected)
			observability.RecordConnectAttempt("connected")
			observability.SetGauge(observability.RelayConnected, 1)
			s.log.Info().Str("addr", s.addr).Str("operator_id", s.operatorID).Msg("agent.ReconnectSupervisor connection to relay succeeded, entering normal operation")
			return conn, nil
		}
		s.transition(StateDisconnected)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordConnectAttempt("failed")

		delay := retry.Fail()
		s.log.Warn().Err(err).Dur("retry_in", delay).Int("failures", retry.Failures()).Msg("agent.ReconnectSupervisor unable to connect to relay")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Lost records that an established relay connection failed.
func (s *ReconnectSupervisor) Lost(err error) {
	if s.State() == StateDisconnected {
		return
	}
	s.transition(StateDisconnected)
	observability.SetGauge(observability.RelayConnected, 0)
	s.log.Warn().Err(err).Msg("agent.ReconnectSupervisor lost connection to relay, attempting reconnect")
}

func (s *ReconnectSupervisor) attempt(ctx context.Context) (*RelayConn, error) {
	s.attempts.Add(1)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	nc, err := s.dial(dctx, "tcp", s.addr)
	cancel()
	if err != nil {
		return nil, err
	}

	s.transition(StateIdentifying)
	_ = nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := nc.Write(protocol.IdentificationLine(s.operatorID)); err != nil {
		_ = nc.Close()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetReadDeadline(time.Now())
	})
	defer stop()
	_ = nc.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	r := bufio.NewReader(nc)
	reply, err := r.ReadBytes('\n')
	if err != nil {
		_ = nc.Close()
		if len(reply) == 0 {
			return nil, fmt.Errorf("relay answered but did not respond: %w", err)
		}
		return nil, fmt.Errorf("%w: partial reply %q: %v", ErrIdentifyRejected, protocol.ReplyText(reply), err)
	}
	if !protocol.IsAck(reply) {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: %s", ErrIdentifyRejected, protocol.ReplyText(reply))
	}
	_ = nc.SetDeadline(time.Time{})
	return &RelayConn{Conn: nc, r: r}, nil
}

func (s *ReconnectSupervisor) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("agent.ReconnectSupervisor state")
	s.mu.Lock()
	fn := s.onTransition
	s.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
