package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/danmuck/pqrelay/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitStartup        = 1
	ExitSubServiceLost = 2
	ExitForwardFailed  = 3
)

var (
	ErrSubServiceLost = errors.New("agent: sub-service connection lost")
	ErrAdminListen    = errors.New("agent: admin listen failed")
)

// ExitError carries the process exit code for a terminal agent failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a Run result to a process exit code.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitStartup
}

// Status is the agent state published after every loop pass.
type Status struct {
	AgentID       string        `json:"agent_id"`
	OperatorID    string        `json:"operator_id"`
	Relay         string        `json:"relay"`
	RelayAttempts uint64        `json:"relay_attempts"`
	LossPolicy    LossPolicy    `json:"loss_policy"`
	Routes        []RouteStatus `json:"routes"`
	SinkQueue     int           `json:"sink_queue"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type eventKind int

const (
	evRelayUp eventKind = iota
	evRelayData
	evRelayDown
	evSubUp
	evSubData
	evSubDown
)

type agentEvent struct {
	kind  eventKind
	gen   uint64
	key   byte
	relay *RelayConn
	conn  net.Conn
	data  []byte
	err   error
}

type sinkPost struct {
	route byte
	msg   []byte
}

// Agent owns the relay connection, the sub-service router and the sink worker. All
// routing state is mutated on the loop goroutine only.
type Agent struct {
	cfg    Config
	log    zerolog.Logger
	sup    *ReconnectSupervisor
	router *SubServiceRouter
	sink   *Sink

	events chan agentEvent
	posts  chan sinkPost

	relay       *RelayConn
	relayGen    uint64
	relayFramer *frame.Framer
	connecting  bool

	subGen  map[byte]uint64
	retries map[byte]*session.Retry

	status atomic.Pointer[Status]
	wg     sync.WaitGroup
}

// New validates cfg and builds an agent. Nothing is dialled until Run.
func New(cfg Config) (*Agent, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxFrameBytes <= 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	router, err := NewSubServiceRouter(cfg.Routes, cfg.Terminator, cfg.Limits, cfg.Session)
	if err != nil {
		return nil, err
	}
	relayFramer, err := frame.NewFramer(cfg.Terminator, cfg.Limits)
	if err != nil {
		return nil, err
	}
	// CAD clients follow the terminator with a newline; it must not lead the next frame.
	relayFramer.SkipLeading("\r\n")

	return &Agent{
		cfg:         cfg,
		log:         observability.Logger("agent"),
		sup:         NewReconnectSupervisor(cfg.RelayAddr, cfg.OperatorID, cfg.Session),
		router:      router,
		sink:        NewSink(cfg.SinkURL, cfg.SinkField, cfg.SinkTimeout),
		events:      make(chan agentEvent, 64),
		posts:       make(chan sinkPost, 64),
		relayFramer: relayFramer,
		subGen:      make(map[byte]uint64),
		retries:     make(map[byte]*session.Retry),
	}, nil
}

// WithDialer replaces the dialer for both the relay and the sub-services.
func (a *Agent) WithDialer(dial DialFunc) *Agent {
	a.sup.WithDialer(dial)
	a.router.WithDialer(dial)
	return a
}

// Supervisor exposes the relay connection supervisor.
func (a *Agent) Supervisor() *ReconnectSupervisor {
	return a.sup
}

// Status returns the last published snapshot with the live relay state.
func (a *Agent) Status() Status {
	st := Status{AgentID: a.cfg.AgentID, OperatorID: a.cfg.OperatorID, LossPolicy: a.cfg.LossPolicy}
	if p := a.status.Load(); p != nil {
		st = *p
	}
	st.Relay = a.sup.State().String()
	st.RelayAttempts = a.sup.Attempts()
	return st
}

// Start runs an agent until SIGINT/SIGTERM.
func Start(cfg Config) error {
	a, err := New(cfg)
	if err != nil {
		return &ExitError{Code: ExitStartup, Err: err}
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// Run connects every sub-service, then serves until ctx ends or a sub-service failure
// is fatal under the loss policy.
func (a *Agent) Run(ctx context.Context) error {
	observability.RegisterMetrics()
	if err := a.router.ConnectAll(ctx); err != nil {
		a.log.Error().Err(err).Msg("agent.Agent sub-service unavailable at startup")
		return &ExitError{Code: ExitStartup, Err: err}
	}

	var adminLn net.Listener
	if addr := strings.TrimSpace(a.cfg.AdminAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.router.Close()
			return &ExitError{Code: ExitStartup, Err: fmt.Errorf("%w: %s: %v", ErrAdminListen, addr, err)}
		}
		adminLn = ln
		a.log.Info().Str("addr", ln.Addr().String()).Msg("agent.Agent admin listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	if adminLn != nil {
		handler := observability.NewAdminRouter(a.cfg.AgentID, a.log, a.cfg.AdminCORSOrigins, func() any {
			return a.Status()
		})
		g.Go(func() error {
			return observability.ServeAdmin(gctx, adminLn, handler)
		})
	}
	g.Go(func() error {
		return a.sinkWorker(gctx)
	})
	g.Go(func() error {
		return a.loop(gctx)
	})
	err := g.Wait()
	a.wg.Wait()
	a.drain()
	a.sink.Close()
	if err != nil {
		a.log.Error().Err(err).Int("exit_code", ExitCode(err)).Msg("agent.Agent stopped")
	} else {
		a.log.Info().Msg("agent.Agent exiting, all connections closed")
	}
	return err
}

func (a *Agent) loop(ctx context.Context) error {
	defer a.shutdown()
	for _, key := range a.router.Keys() {
		if nc, ok := a.router.Conn(key); ok {
			a.startSubPump(ctx, key, nc)
		}
	}
	a.connectRelay(ctx)
	a.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			if err := a.dispatch(ctx, ev); err != nil {
				return err
			}
			a.publish()
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, ev agentEvent) error {
	switch ev.kind {
	case evRelayUp:
		a.connecting = false
		a.relayGen++
		a.relay = ev.relay
		a.relayFramer.Reset()
		a.startRelayPump(ctx, a.relay, a.relayGen)
	case evRelayData:
		if ev.gen != a.relayGen || a.relay == nil {
			return nil
		}
		return a.relayReadable(ctx, ev.data)
	case evRelayDown:
		if ev.gen != a.relayGen || a.relay == nil {
			return nil
		}
		a.dropRelay(ctx, ev.err)
	case evSubUp:
		return a.subConnected(ctx, ev)
	case evSubData:
		if ev.gen != a.subGen[ev.key] {
			return nil
		}
		a.subReadable(ev.key, ev.data)
	case evSubDown:
		if ev.gen != a.subGen[ev.key] {
			return nil
		}
		return a.subLost(ctx, ev.key, ev.err)
	}
	return nil
}

// connectRelay starts one reconnect sequence unless one is running or the relay is up.
func (a *Agent) connectRelay(ctx context.Context) {
	if a.connecting || a.relay != nil {
		return
	}
	a.connecting = true
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		rc, err := a.sup.Connect(ctx)
		if err != nil {
			return
		}
		if !a.post(ctx, agentEvent{kind: evRelayUp, relay: rc}) {
			_ = rc.Close()
		}
	}()
}

func (a *Agent) relayReadable(ctx context.Context, data []byte) error {
	a.log.Debug().Bytes("data", data).Msg("agent.Agent received from relay")
	if _, err := a.relayFramer.Write(data); err != nil {
		a.log.Warn().Err(err).Msg("agent.Agent relay frame too large")
		a.dropRelay(ctx, err)
		return nil
	}
	for fr := range a.relayFramer.Frames() {
		if err := a.route(ctx, fr); err != nil {
			return err
		}
		if a.relay == nil {
			return nil
		}
	}
	return nil
}

// route forwards one relayed frame and answers the relay with OK or NO.
func (a *Agent) route(ctx context.Context, fr []byte) error {
	key, err := a.router.Forward(fr)
	if err == nil {
		a.log.Info().Str("route", string(key)).Str("name", a.router.Name(key)).Int("bytes", len(fr)-1).Msg("agent.Agent forwarded message to sub-service")
		a.reply(ctx, protocol.ReplyOK)
		return nil
	}

	a.reply(ctx, protocol.ReplyNO)
	switch {
	case errors.Is(err, ErrForwardFailed):
		a.log.Error().Err(err).Str("route", string(key)).Msg("agent.Agent error sending to sub-service")
		if a.cfg.LossPolicy == LossFatal {
			return &ExitError{Code: ExitForwardFailed, Err: err}
		}
		return a.subLost(ctx, key, err)
	case errors.Is(err, ErrRouteDown):
		a.log.Warn().Err(err).Str("route", string(key)).Msg("agent.Agent sub-service reconnecting, message refused")
	default:
		a.log.Warn().Err(err).Msg("agent.Agent unroutable message refused")
	}
	return nil
}

func (a *Agent) reply(ctx context.Context, text string) {
	if a.relay == nil {
		return
	}
	_ = a.relay.SetWriteDeadline(time.Now().Add(a.cfg.Session.WriteTimeout))
	if err := protocol.WriteReply(a.relay, text); err != nil {
		a.log.Warn().Err(err).Msg("agent.Agent reply to relay failed")
		a.dropRelay(ctx, err)
	}
}

// dropRelay closes the relay connection, discards any partial frame and starts
// reconnecting.
func (a *Agent) dropRelay(ctx context.Context, err error) {
	if a.relay != nil {
		_ = a.relay.Close()
		a.relay = nil
	}
	a.relayFramer.Reset()
	a.sup.Lost(err)
	if ctx.Err() == nil {
		a.connectRelay(ctx)
	}
}

func (a *Agent) subReadable(key byte, data []byte) {
	a.log.Debug().Str("route", string(key)).Bytes("data", data).Msg("agent.Agent received from sub-service")
	frames, err := a.router.Feed(key, data)
	if err != nil {
		a.log.Warn().Err(err).Str("route", string(key)).Msg("agent.Agent sub-service reply discarded")
		return
	}
	for _, fr := range frames {
		a.submit(key, fr)
	}
}

func (a *Agent) submit(key byte, msg []byte) {
	if !a.sink.Enabled() {
		a.log.Info().Str("route", string(key)).Bytes("msg", msg).Msg("agent.Agent no sink configured, message dropped")
		return
	}
	// Never blocks the loop; a full queue drops the reply.
	select {
	case a.posts <- sinkPost{route: key, msg: msg}:
	default:
		observability.RecordSinkDropped(key)
		a.log.Warn().Str("route", string(key)).Int("queued", len(a.posts)).Bytes("msg", msg).Msg("agent.Agent sink queue full, message dropped")
	}
}

func (a *Agent) sinkWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-a.posts:
			a.log.Debug().Str("route", string(p.route)).Bytes("msg", p.msg).Msg("agent.Agent posting message to sink")
			if err := a.sink.Post(ctx, p.route, p.msg); err != nil {
				a.log.Warn().Err(err).Str("route", string(p.route)).Msg("agent.Agent sink post failed")
			}
		}
	}
}

// subLost applies the loss policy to key.
func (a *Agent) subLost(ctx context.Context, key byte, err error) error {
	name := a.router.Name(key)
	if a.cfg.LossPolicy == LossFatal {
		a.log.Error().Err(err).Str("route", string(key)).Str("name", name).Msg("agent.Agent sub-service closed the connection")
		return &ExitError{Code: ExitSubServiceLost, Err: fmt.Errorf("%w: %s: %v", ErrSubServiceLost, name, err)}
	}
	a.log.Warn().Err(err).Str("route", string(key)).Str("name", name).Msg("agent.Agent sub-service lost, reconnecting")
	a.router.Drop(key)
	a.subGen[key]++
	a.redial(ctx, key)
	return nil
}

func (a *Agent) redial(ctx context.Context, key byte) {
	retry, ok := a.retries[key]
	if !ok {
		retry = session.NewRetry(a.cfg.Session.Backoff, nil)
		a.retries[key] = retry
	}
	delay := retry.Fail()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		nc, err := a.router.Dial(ctx, key)
		if !a.post(ctx, agentEvent{kind: evSubUp, key: key, conn: nc, err: err}) && nc != nil {
			_ = nc.Close()
		}
	}()
}

func (a *Agent) subConnected(ctx context.Context, ev agentEvent) error {
	if ev.err != nil {
		observability.RecordRouteForward(ev.key, "redial_failed")
		a.log.Warn().Err(ev.err).Str("route", string(ev.key)).Msg("agent.Agent sub-service redial failed")
		a.redial(ctx, ev.key)
		return nil
	}
	a.router.Attach(ev.key, ev.conn)
	if retry, ok := a.retries[ev.key]; ok {
		retry.Reset()
	}
	a.log.Info().Str("route", string(ev.key)).Str("name", a.router.Name(ev.key)).Msg("agent.Agent sub-service reconnected")
	a.startSubPump(ctx, ev.key, ev.conn)
	return nil
}

func (a *Agent) startRelayPump(ctx context.Context, rc *RelayConn, gen uint64) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pump(ctx, rc, func(data []byte) agentEvent {
			return agentEvent{kind: evRelayData, gen: gen, data: data}
		}, func(err error) agentEvent {
			return agentEvent{kind: evRelayDown, gen: gen, err: err}
		})
	}()
}

func (a *Agent) startSubPump(ctx context.Context, key byte, nc net.Conn) {
	a.subGen[key]++
	gen := a.subGen[key]
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pump(ctx, nc, func(data []byte) agentEvent {
			return agentEvent{kind: evSubData, key: key, gen: gen, data: data}
		}, func(err error) agentEvent {
			return agentEvent{kind: evSubDown, key: key, gen: gen, err: err}
		})
	}()
}

// pump reads r until it fails and posts every chunk to the loop.
func (a *Agent) pump(ctx context.Context, r io.Reader, data func([]byte) agentEvent, closed func(error) agentEvent) {
	buf := make([]byte, frame.ReadChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !a.post(ctx, data(chunk)) {
				return
			}
		}
		if err != nil {
			a.post(ctx, closed(err))
			return
		}
	}
}

func (a *Agent) post(ctx context.Context, ev agentEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) publish() {
	a.status.Store(&Status{
		AgentID:    a.cfg.AgentID,
		OperatorID: a.cfg.OperatorID,
		LossPolicy: a.cfg.LossPolicy,
		Routes:     a.router.Status(),
		SinkQueue:  len(a.posts),
		UpdatedAt:  time.Now(),
	})
}

func (a *Agent) shutdown() {
	a.log.Debug().Msg("agent.Agent closing connections")
	if a.relay != nil {
		_ = a.relay.Close()
		a.relay = nil
	}
	a.relayFramer.Reset()
	a.router.Close()
	a.drain()
	a.publish()
}

// drain closes connections carried by events nobody will dispatch.
func (a *Agent) drain() {
	for {
		select {
		case ev := <-a.events:
			if ev.relay != nil {
				_ = ev.relay.Close()
			}
			if ev.conn != nil {
				_ = ev.conn.Close()
			}
			continue
		default:
		}
		return
	}
}
