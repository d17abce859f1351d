package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/danmuck/pqrelay/internal/protocol/session"
)

var (
	ErrRelayAddrRequired  = errors.New("agent: relay address required")
	ErrRoutesRequired     = errors.New("agent: at least one route required")
	ErrInvalidRouteKey    = errors.New("agent: route key must be one character")
	ErrDuplicateRouteKey  = errors.New("agent: duplicate route key")
	ErrRouteAddrRequired  = errors.New("agent: route address required")
	ErrInvalidLossPolicy  = errors.New("agent: invalid sub-service loss policy")
	ErrTerminatorRequired = errors.New("agent: message terminator required")
	ErrInvalidSinkTimeout = errors.New("agent: sink timeout must be positive")
)

// LossPolicy decides what happens when a sub-service connection is lost.
type LossPolicy string

const (
	// LossFatal stops the agent with ExitSubServiceLost.
	LossFatal LossPolicy = "fatal"
	// LossReconnect keeps serving and redials the sub-service with backoff.
	LossReconnect LossPolicy = "reconnect"
)

func (p LossPolicy) Valid() bool {
	return p == LossFatal || p == LossReconnect
}

// Route binds one routing character to a sub-service address.
type Route struct {
	Key  string
	Name string
	Addr string
}

// Config configures one operator agent.
type Config struct {
	AgentID          string
	OperatorID       string
	RelayAddr        string
	Terminator       string
	Routes           []Route
	SinkURL          string
	SinkField        string
	SinkTimeout      time.Duration
	LossPolicy       LossPolicy
	AdminAddr        string
	AdminCORSOrigins []string
	Session          session.Config
	Limits           frame.Limits
}

// DefaultConfig matches the three-route ProQA agent: medical, fire and police on the
// local host.
func DefaultConfig() Config {
	return Config{
		AgentID:    "agent.local",
		RelayAddr:  "127.0.0.1:6000",
		Terminator: frame.DefaultTerminator,
		Routes: []Route{
			{Key: "m", Name: "medical", Addr: "localhost:5100"},
			{Key: "f", Name: "fire", Addr: "localhost:5200"},
			{Key: "p", Name: "police", Addr: "localhost:5300"},
		},
		SinkURL:     "http://127.0.0.1:8080/i/catchpro.php",
		SinkField:   "msg",
		SinkTimeout: 10 * time.Second,
		LossPolicy:  LossFatal,
		Session:     session.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	if _, err := protocol.ParseOperatorID([]byte(c.OperatorID)); err != nil {
		return err
	}
	if strings.TrimSpace(c.RelayAddr) == "" {
		return ErrRelayAddrRequired
	}
	if c.Terminator == "" {
		return ErrTerminatorRequired
	}
	if len(c.Routes) == 0 {
		return ErrRoutesRequired
	}
	seen := make(map[string]struct{}, len(c.Routes))
	for _, r := range c.Routes {
		if len(r.Key) != 1 {
			return fmt.Errorf("%w: %q", ErrInvalidRouteKey, r.Key)
		}
		if _, ok := seen[r.Key]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateRouteKey, r.Key)
		}
		seen[r.Key] = struct{}{}
		if strings.TrimSpace(r.Addr) == "" {
			return fmt.Errorf("%w: %q", ErrRouteAddrRequired, r.Key)
		}
	}
	if !c.LossPolicy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLossPolicy, c.LossPolicy)
	}
	if strings.TrimSpace(c.SinkURL) != "" && c.SinkTimeout <= 0 {
		return ErrInvalidSinkTimeout
	}
	return nil
}
