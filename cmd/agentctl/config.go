package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/pqrelay/internal/agent"
	"github.com/danmuck/pqrelay/internal/config"
	flags "github.com/jessevdk/go-flags"
)

// agentctl command line. Flags override values from the config file; any -r flag
// replaces the configured routes.
type options struct {
	ConfigFile string   `short:"c" long:"config" description:"path to agent config.toml"`
	Debug      bool     `short:"d" long:"debug" description:"enable debugging outputs"`
	OperatorID string   `short:"o" long:"operator-id" description:"operator id announced to the relay"`
	RelayHost  string   `long:"relayhost" description:"relay host"`
	RelayPort  int      `long:"relayport" description:"relay operator port"`
	Routes     []string `short:"r" long:"route" description:"route as KEY=ADDR or KEY:NAME=ADDR (repeatable)"`
	Terminator string   `short:"t" long:"terminator" description:"message terminator literal"`
	SinkURL    string   `short:"u" long:"sink" description:"HTTP endpoint receiving sub-service replies"`
	LossPolicy string   `long:"loss-policy" description:"sub-service loss policy: fatal|reconnect"`
	AdminAddr  string   `long:"admin" description:"admin HTTP listen address"`
	LogFile    string   `long:"log-file" description:"also write logs to this rotated file"`
}

func loadConfig(args []string) (config.Agent, options, error) {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).ParseArgs(args); err != nil {
		return config.Agent{}, opts, err
	}

	loaded := config.Agent{Config: agent.DefaultConfig()}
	if path := strings.TrimSpace(opts.ConfigFile); path != "" {
		var err error
		loaded, err = config.LoadAgentConfig(path, loaded)
		if err != nil {
			return config.Agent{}, opts, err
		}
	}

	cfg := &loaded.Config
	if id := strings.TrimSpace(opts.OperatorID); id != "" {
		cfg.OperatorID = id
	}
	var err error
	if cfg.RelayAddr, err = overrideHostPort(cfg.RelayAddr, opts.RelayHost, opts.RelayPort); err != nil {
		return config.Agent{}, opts, fmt.Errorf("relay address: %w", err)
	}
	if len(opts.Routes) > 0 {
		routes, err := parseRoutes(opts.Routes)
		if err != nil {
			return config.Agent{}, opts, err
		}
		cfg.Routes = routes
	}
	if opts.Terminator != "" {
		cfg.Terminator = opts.Terminator
	}
	if opts.SinkURL != "" {
		cfg.SinkURL = strings.TrimSpace(opts.SinkURL)
	}
	if opts.LossPolicy != "" {
		cfg.LossPolicy = agent.LossPolicy(strings.ToLower(strings.TrimSpace(opts.LossPolicy)))
	}
	if opts.AdminAddr != "" {
		cfg.AdminAddr = opts.AdminAddr
	}
	if opts.LogFile != "" {
		loaded.LogFile = opts.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return config.Agent{}, opts, err
	}
	return loaded, opts, nil
}

func parseRoutes(raw []string) ([]agent.Route, error) {
	routes := make([]agent.Route, 0, len(raw))
	for _, entry := range raw {
		head, addr, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("route %q: want KEY=ADDR", entry)
		}
		key, name, _ := strings.Cut(head, ":")
		routes = append(routes, agent.Route{
			Key:  key,
			Name: strings.TrimSpace(name),
			Addr: strings.TrimSpace(addr),
		})
	}
	return routes, nil
}

// overrideHostPort replaces the host and/or port of addr when set.
func overrideHostPort(addr, host string, port int) (string, error) {
	if strings.TrimSpace(host) == "" && port == 0 {
		return addr, nil
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(host) != "" {
		h = strings.TrimSpace(host)
	}
	if port != 0 {
		if port < 0 || port > 65535 {
			return "", fmt.Errorf("port out of range: %d", port)
		}
		p = strconv.Itoa(port)
	}
	return net.JoinHostPort(h, p), nil
}
