package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/pqrelay/internal/agent"
	"github.com/danmuck/pqrelay/internal/relay"
	"github.com/pelletier/go-toml/v2"
)

// Kinds lists the template presets.
var Kinds = []string{"relay", "vpcomm", "agent", "medagent"}

// DefaultPath is where each kind's template is written when no output is given.
func DefaultPath(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay", "vpcomm":
		return "cmd/relayctl/config.toml", nil
	case "agent", "medagent":
		return "cmd/agentctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// IsAgentKind reports whether kind configures agentctl.
func IsAgentKind(kind string) bool {
	k := strings.ToLower(strings.TrimSpace(kind))
	return k == "agent" || k == "medagent"
}

// Preset returns the file layout for kind.
func Preset(kind string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayFile(relay.DefaultConfig()), nil
	case "vpcomm":
		cfg := relay.DefaultConfig()
		cfg.RelayID = "vpcomm"
		cfg.CADAddr = "0.0.0.0:5001"
		cfg.OperatorAddr = "0.0.0.0:5000"
		cfg.Terminator = "</conn>"
		return relayFile(cfg), nil
	case "agent":
		cfg := agent.DefaultConfig()
		cfg.OperatorID = "1"
		return agentFile(cfg), nil
	case "medagent":
		cfg := agent.DefaultConfig()
		cfg.AgentID = "medagent"
		cfg.OperatorID = "1"
		cfg.RelayAddr = "127.0.0.1:5000"
		cfg.Terminator = "</conn>"
		cfg.Routes = []agent.Route{{Key: "m", Name: "medical", Addr: "localhost:5100"}}
		return agentFile(cfg), nil
	default:
		return nil, fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Template renders kind as TOML.
func Template(kind string) (string, error) {
	preset, err := Preset(kind)
	if err != nil {
		return "", err
	}
	data, err := toml.Marshal(preset)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(data), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func relayFile(cfg relay.Config) RelayFile {
	return RelayFile{
		ID:            cfg.RelayID,
		CADAddr:       cfg.CADAddr,
		OperatorAddr:  cfg.OperatorAddr,
		MaxOperators:  cfg.MaxOperators,
		Terminator:    cfg.Terminator,
		MaxFrameBytes: cfg.Limits.MaxFrameBytes,
		AdminAddr:     "127.0.0.1:9600",
		CorsOrigins:   []string{"http://localhost:3000"},
		Session:       SessionToFile(cfg.Session),
	}
}

func agentFile(cfg agent.Config) AgentFile {
	return AgentFile{
		ID:            cfg.AgentID,
		OperatorID:    cfg.OperatorID,
		RelayAddr:     cfg.RelayAddr,
		Terminator:    cfg.Terminator,
		MaxFrameBytes: cfg.Limits.MaxFrameBytes,
		LossPolicy:    string(cfg.LossPolicy),
		SinkURL:       cfg.SinkURL,
		SinkField:     cfg.SinkField,
		SinkTimeout:   cfg.SinkTimeout.String(),
		AdminAddr:     "127.0.0.1:9601",
		CorsOrigins:   []string{"http://localhost:3000"},
		Routes:        RoutesToFile(cfg.Routes),
		Session:       SessionToFile(cfg.Session),
	}
}
