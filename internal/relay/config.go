package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/danmuck/pqrelay/internal/protocol/session"
)

var (
	ErrCADAddrRequired      = errors.New("relay: cad listen address required")
	ErrOperatorAddrRequired = errors.New("relay: operator listen address required")
	ErrInvalidMaxOperators  = errors.New("relay: max operators must be positive")
	ErrTerminatorRequired   = errors.New("relay: message terminator required")
)

// Config configures one relay process.
type Config struct {
	RelayID          string
	CADAddr          string
	OperatorAddr     string
	MaxOperators     int
	Terminator       string
	AdminAddr        string
	AdminCORSOrigins []string
	Session          session.Config
	Limits           frame.Limits
}

// DefaultConfig matches the deployed pqaserver: CAD on 6001, operators on 6000.
func DefaultConfig() Config {
	return Config{
		RelayID:      "relay.local",
		CADAddr:      "0.0.0.0:6001",
		OperatorAddr: "0.0.0.0:6000",
		MaxOperators: 10,
		Terminator:   frame.DefaultTerminator,
		Session:      session.DefaultConfig(),
		Limits:       frame.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.CADAddr) == "" {
		return ErrCADAddrRequired
	}
	if strings.TrimSpace(c.OperatorAddr) == "" {
		return ErrOperatorAddrRequired
	}
	if c.MaxOperators <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxOperators, c.MaxOperators)
	}
	if c.Terminator == "" {
		return ErrTerminatorRequired
	}
	return nil
}
