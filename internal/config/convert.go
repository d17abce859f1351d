package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pqrelay/internal/agent"
	"github.com/danmuck/pqrelay/internal/protocol/session"
)

func RoutesFromFile(entries []RouteFile) []agent.Route {
	routes := make([]agent.Route, 0, len(entries))
	for _, entry := range entries {
		routes = append(routes, agent.Route{
			Key:  entry.Key,
			Name: strings.TrimSpace(entry.Name),
			Addr: strings.TrimSpace(entry.Addr),
		})
	}
	return routes
}

func RoutesToFile(routes []agent.Route) []RouteFile {
	out := make([]RouteFile, 0, len(routes))
	for _, r := range routes {
		out = append(out, RouteFile{Key: r.Key, Name: r.Name, Addr: r.Addr})
	}
	return out
}

func SessionToFile(cfg session.Config) SessionFile {
	return SessionFile{
		ConnectTimeout:   cfg.ConnectTimeout.String(),
		HandshakeTimeout: cfg.HandshakeTimeout.String(),
		ReadTimeout:      cfg.ReadTimeout.String(),
		WriteTimeout:     cfg.WriteTimeout.String(),
		AckTimeout:       cfg.AckTimeout.String(),
		RetryDelay:       cfg.Backoff.InitialDelay.String(),
		RetryMaxDelay:    cfg.Backoff.MaxDelay.String(),
		RetryMultiplier:  cfg.Backoff.Multiplier,
	}
}

func overlaySession(meta toml.MetaData, raw SessionFile, cfg *session.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"retry_delay", raw.RetryDelay, &cfg.Backoff.InitialDelay},
		{"retry_max_delay", raw.RetryMaxDelay, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "retry_multiplier") {
		cfg.Backoff.Multiplier = raw.RetryMultiplier
	}
	return nil
}
