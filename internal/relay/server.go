package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrListen marks a listener bind failure at startup.
var ErrListen = errors.New("relay: listen failed")

// Status is the relay state published after every loop pass.
type Status struct {
	RelayID           string           `json:"relay_id"`
	Operators         []OperatorStatus `json:"operators"`
	MaxOperators      int              `json:"max_operators"`
	AdmissionPaused   bool             `json:"admission_paused"`
	CADSessions       int              `json:"cad_sessions"`
	Unidentified      int              `json:"unidentified"`
	PendingDeliveries int              `json:"pending_deliveries"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Server owns the relay listeners, the operator registry and the event loop.
type Server struct {
	cfg Config
	log zerolog.Logger

	registry *OperatorRegistry
	wait     *waitSet

	events     chan Event
	admit      chan struct{}
	nextHandle Handle

	status atomic.Pointer[Status]
	pumps  sync.WaitGroup
}

// NewServer constructs a relay with cfg; unset session timeouts take defaults.
func NewServer(cfg Config) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxFrameBytes <= 0 {
		cfg.Limits = DefaultConfig().Limits
	}
	if strings.TrimSpace(cfg.RelayID) == "" {
		cfg.RelayID = DefaultConfig().RelayID
	}
	return &Server{
		cfg:      cfg,
		log:      observability.Logger("relay"),
		registry: NewOperatorRegistry(cfg.MaxOperators),
		wait:     newWaitSet(),
		events:   make(chan Event, 64),
		admit:    make(chan struct{}, 1),
	}
}

// Start binds cadAddr and operatorAddr and relays until SIGINT/SIGTERM.
func Start(cadAddr, operatorAddr string, maxOperators int) error {
	cfg := DefaultConfig()
	cfg.CADAddr = cadAddr
	cfg.OperatorAddr = operatorAddr
	cfg.MaxOperators = maxOperators
	return NewServer(cfg).Run()
}

// Run blocks until signal shutdown.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.ListenAndServe(ctx)
}

// ListenAndServe binds the configured listeners and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	cadLn, err := net.Listen("tcp", s.cfg.CADAddr)
	if err != nil {
		return fmt.Errorf("%w: cad %s: %v", ErrListen, s.cfg.CADAddr, err)
	}
	s.log.Info().Str("addr", cadLn.Addr().String()).Msg("relay.Server listening for CAD")

	opLn, err := net.Listen("tcp", s.cfg.OperatorAddr)
	if err != nil {
		_ = cadLn.Close()
		return fmt.Errorf("%w: operator %s: %v", ErrListen, s.cfg.OperatorAddr, err)
	}
	s.log.Info().Str("addr", opLn.Addr().String()).Msg("relay.Server listening for operators")

	var adminLn net.Listener
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adminLn, err = net.Listen("tcp", addr)
		if err != nil {
			_ = cadLn.Close()
			_ = opLn.Close()
			return fmt.Errorf("%w: admin %s: %v", ErrListen, addr, err)
		}
		s.log.Info().Str("addr", adminLn.Addr().String()).Msg("relay.Server admin listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	if adminLn != nil {
		router := observability.NewAdminRouter(s.cfg.RelayID, s.log, s.cfg.AdminCORSOrigins, func() any {
			return s.Status()
		})
		g.Go(func() error {
			return observability.ServeAdmin(gctx, adminLn, router)
		})
	}
	g.Go(func() error {
		return s.Serve(gctx, cadLn, opLn)
	})
	return g.Wait()
}

// Serve runs the relay on already bound listeners and closes them on return.
func (s *Server) Serve(ctx context.Context, cadLn, opLn net.Listener) error {
	if err := s.cfg.Validate(); err != nil {
		_ = cadLn.Close()
		_ = opLn.Close()
		return err
	}
	observability.RegisterMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = cadLn.Close()
		_ = opLn.Close()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, cadLn, RoleCADListener, nil)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, opLn, RoleOperatorListener, s.admit)
	})
	g.Go(func() error {
		return s.loop(gctx)
	})
	err := g.Wait()
	s.pumps.Wait()
	s.drain()
	s.log.Info().Msg("relay.Server exiting, all connections closed")
	return err
}

// Status returns the snapshot published by the last loop pass.
func (s *Server) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{RelayID: s.cfg.RelayID, MaxOperators: s.cfg.MaxOperators}
}

// acceptLoop posts accepted connections. A non-nil tokens channel gates each Accept,
// which is how a listener leaves and rejoins the wait set.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, role Role, tokens <-chan struct{}) error {
	for {
		if tokens != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tokens:
			}
		}
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Str("role", role.String()).Msg("relay.acceptLoop accept failed")
			continue
		}
		if !s.post(ctx, Event{Kind: EventAccepted, Role: role, Conn: nc}) {
			_ = nc.Close()
			return nil
		}
	}
}

func (s *Server) loop(ctx context.Context) error {
	defer s.shutdown()
	s.admitOperators()
	s.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.dispatch(ctx, ev)
			s.admitOperators()
			s.publish()
		}
	}
}

func (s *Server) dispatch(ctx context.Context, ev Event) {
	switch ev.Role {
	case RoleCADListener:
		s.acceptCAD(ctx, ev.Conn)
	case RoleOperatorListener:
		s.wait.operatorListener = false
		s.acceptOperator(ctx, ev.Conn)
	case RoleCAD:
		switch ev.Kind {
		case EventReadable:
			s.cadReadable(ctx, ev)
		case EventClosed:
			s.cadClosed(ev)
		}
	case RoleOperator:
		switch ev.Kind {
		case EventReadable:
			s.operatorReadable(ctx, ev)
		case EventClosed:
			s.operatorClosed(ev)
		case EventAckTimeout:
			s.ackTimeout(ctx, ev)
		case EventIdentifyGap:
			s.identifyGapElapsed(ev)
		}
	default:
		s.log.Warn().Int("role", int(ev.Role)).Msg("relay.dispatch unknown role")
	}
}

// admitOperators keeps the operator listener in the wait set only while the registry,
// counting sessions still identifying, is below its bound.
func (s *Server) admitOperators() {
	full := s.registry.Full()
	if full != s.wait.paused {
		s.wait.paused = full
		if full {
			s.log.Warn().Int("max", s.registry.Max()).Msg("relay.admission reached max operator connections, not accepting more")
		} else {
			s.log.Info().Int("max", s.registry.Max()).Msg("relay.admission below max operator connections, accepting again")
		}
		observability.SetGauge(observability.AdmissionPaused, observability.BoolGauge(full))
	}

	if s.wait.operatorListener {
		return
	}
	if s.registry.Len()+s.wait.unidentified() >= s.registry.Max() {
		return
	}
	select {
	case s.admit <- struct{}{}:
		s.wait.operatorListener = true
	default:
	}
}

func (s *Server) track(ctx context.Context, c *conn) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		s.pump(ctx, c)
	}()
}

func (s *Server) newHandle() Handle {
	s.nextHandle++
	return s.nextHandle
}

func (s *Server) publish() {
	s.status.Store(&Status{
		RelayID:           s.cfg.RelayID,
		Operators:         s.registry.Snapshot(),
		MaxOperators:      s.registry.Max(),
		AdmissionPaused:   s.wait.paused,
		CADSessions:       len(s.wait.cads),
		Unidentified:      s.wait.unidentified(),
		PendingDeliveries: s.wait.pendingDeliveries(),
		UpdatedAt:         time.Now(),
	})
	observability.SetGauge(observability.OperatorsRegistered, float64(s.registry.Len()))
}

func (s *Server) shutdown() {
	s.log.Debug().Msg("relay.Server received interrupt, closing connections")
	s.wait.closeAll()
	s.drain()
	for _, id := range s.registry.IDs() {
		delete(s.registry.byID, id)
	}
	s.publish()
}

// drain closes connections accepted after the loop stopped reading events.
func (s *Server) drain() {
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == EventAccepted && ev.Conn != nil {
				_ = ev.Conn.Close()
			}
		default:
			return
		}
	}
}
