package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pqrelay/internal/agent"
	"github.com/danmuck/pqrelay/internal/relay"
)

// SessionFile is the [session] table shared by relay and agent files. Durations use
// Go syntax ("1s", "500ms").
type SessionFile struct {
	ConnectTimeout   string  `toml:"connect_timeout"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	ReadTimeout      string  `toml:"read_timeout"`
	WriteTimeout     string  `toml:"write_timeout"`
	AckTimeout       string  `toml:"ack_timeout"`
	RetryDelay       string  `toml:"retry_delay"`
	RetryMaxDelay    string  `toml:"retry_max_delay"`
	RetryMultiplier  float64 `toml:"retry_multiplier"`
}

// RelayFile is the relayctl config.toml layout.
type RelayFile struct {
	ID            string      `toml:"id"`
	CADAddr       string      `toml:"cad_addr"`
	OperatorAddr  string      `toml:"operator_addr"`
	MaxOperators  int         `toml:"max_operators"`
	Terminator    string      `toml:"terminator"`
	MaxFrameBytes int         `toml:"max_frame_bytes"`
	AdminAddr     string      `toml:"admin_addr"`
	CorsOrigins   []string    `toml:"cors_origins"`
	LogFile       string      `toml:"log_file"`
	Session       SessionFile `toml:"session"`
}

type RouteFile struct {
	Key  string `toml:"key"`
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// AgentFile is the agentctl config.toml layout.
type AgentFile struct {
	ID            string      `toml:"id"`
	OperatorID    string      `toml:"operator_id"`
	RelayAddr     string      `toml:"relay_addr"`
	Terminator    string      `toml:"terminator"`
	MaxFrameBytes int         `toml:"max_frame_bytes"`
	LossPolicy    string      `toml:"loss_policy"`
	SinkURL       string      `toml:"sink_url"`
	SinkField     string      `toml:"sink_field"`
	SinkTimeout   string      `toml:"sink_timeout"`
	AdminAddr     string      `toml:"admin_addr"`
	CorsOrigins   []string    `toml:"cors_origins"`
	LogFile       string      `toml:"log_file"`
	Routes        []RouteFile `toml:"routes"`
	Session       SessionFile `toml:"session"`
}

// Relay is a loaded relay configuration plus process-level settings.
type Relay struct {
	Config  relay.Config
	LogFile string
}

// Agent is a loaded agent configuration plus process-level settings.
type Agent struct {
	Config  agent.Config
	LogFile string
}

// LoadRelayConfig overlays the keys present in path onto base.
func LoadRelayConfig(path string, base Relay) (Relay, error) {
	var raw RelayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	out := base
	cfg := &out.Config

	if meta.IsDefined("id") {
		cfg.RelayID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("cad_addr") {
		cfg.CADAddr = strings.TrimSpace(raw.CADAddr)
	}
	if meta.IsDefined("operator_addr") {
		cfg.OperatorAddr = strings.TrimSpace(raw.OperatorAddr)
	}
	if meta.IsDefined("max_operators") {
		cfg.MaxOperators = raw.MaxOperators
	}
	if meta.IsDefined("terminator") {
		cfg.Terminator = raw.Terminator
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.AdminCORSOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("log_file") {
		out.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Relay{}, fmt.Errorf("load relay config: %w", err)
	}
	return out, nil
}

// LoadAgentConfig overlays the keys present in path onto base. A routes array replaces
// the base routes entirely.
func LoadAgentConfig(path string, base Agent) (Agent, error) {
	var raw AgentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Agent{}, fmt.Errorf("load agent config: %w", err)
	}
	out := base
	cfg := &out.Config

	if meta.IsDefined("id") {
		cfg.AgentID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("operator_id") {
		cfg.OperatorID = strings.TrimSpace(raw.OperatorID)
	}
	if meta.IsDefined("relay_addr") {
		cfg.RelayAddr = strings.TrimSpace(raw.RelayAddr)
	}
	if meta.IsDefined("terminator") {
		cfg.Terminator = raw.Terminator
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("loss_policy") {
		cfg.LossPolicy = agent.LossPolicy(strings.TrimSpace(raw.LossPolicy))
	}
	if meta.IsDefined("sink_url") {
		cfg.SinkURL = strings.TrimSpace(raw.SinkURL)
	}
	if meta.IsDefined("sink_field") {
		cfg.SinkField = strings.TrimSpace(raw.SinkField)
	}
	if meta.IsDefined("sink_timeout") {
		d, err := parseDuration("sink_timeout", raw.SinkTimeout)
		if err != nil {
			return Agent{}, fmt.Errorf("load agent config: %w", err)
		}
		cfg.SinkTimeout = d
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.AdminCORSOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("log_file") {
		out.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("routes") {
		cfg.Routes = RoutesFromFile(raw.Routes)
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Agent{}, fmt.Errorf("load agent config: %w", err)
	}

	cfg.Session = cfg.Session.WithDefaults()
	return out, nil
}

// ValidateRelayFile loads path over the relay defaults.
func ValidateRelayFile(path string) error {
	_, err := LoadRelayConfig(path, Relay{Config: relay.DefaultConfig()})
	return err
}

// ValidateAgentFile loads path over the agent defaults. The operator id may come from
// the command line, so a file without one is checked with a placeholder.
func ValidateAgentFile(path string) error {
	loaded, err := LoadAgentConfig(path, Agent{Config: agent.DefaultConfig()})
	if err != nil {
		return err
	}
	if loaded.Config.OperatorID == "" {
		loaded.Config.OperatorID = "0"
	}
	if err := loaded.Config.Validate(); err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
