package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/pqrelay/internal/config"
	"github.com/danmuck/pqrelay/internal/relay"
	flags "github.com/jessevdk/go-flags"
)

// relayctl command line. Flags override values from the config file.
type options struct {
	ConfigFile   string `short:"c" long:"config" description:"path to relay config.toml"`
	Debug        bool   `short:"d" long:"debug" description:"enable debugging outputs"`
	CADHost      string `long:"cadhost" description:"IP address where CAD will send messages"`
	CADPort      int    `long:"cadport" description:"port where CAD will send messages"`
	OperatorHost string `long:"operatorhost" description:"IP address where operators connect"`
	OperatorPort int    `long:"operatorport" description:"port where operators connect"`
	MaxOperators int    `short:"m" long:"max-operators" description:"maximum registered operators"`
	Terminator   string `short:"t" long:"terminator" description:"message terminator literal"`
	AdminAddr    string `long:"admin" description:"admin HTTP listen address"`
	LogFile      string `long:"log-file" description:"also write logs to this rotated file"`
}

func loadConfig(args []string) (config.Relay, options, error) {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).ParseArgs(args); err != nil {
		return config.Relay{}, opts, err
	}

	loaded := config.Relay{Config: relay.DefaultConfig()}
	if path := strings.TrimSpace(opts.ConfigFile); path != "" {
		var err error
		loaded, err = config.LoadRelayConfig(path, loaded)
		if err != nil {
			return config.Relay{}, opts, err
		}
	}

	cfg := &loaded.Config
	var err error
	if cfg.CADAddr, err = overrideHostPort(cfg.CADAddr, opts.CADHost, opts.CADPort); err != nil {
		return config.Relay{}, opts, fmt.Errorf("cad address: %w", err)
	}
	if cfg.OperatorAddr, err = overrideHostPort(cfg.OperatorAddr, opts.OperatorHost, opts.OperatorPort); err != nil {
		return config.Relay{}, opts, fmt.Errorf("operator address: %w", err)
	}
	if opts.MaxOperators != 0 {
		cfg.MaxOperators = opts.MaxOperators
	}
	if opts.Terminator != "" {
		cfg.Terminator = opts.Terminator
	}
	if opts.AdminAddr != "" {
		cfg.AdminAddr = opts.AdminAddr
	}
	if opts.LogFile != "" {
		loaded.LogFile = opts.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return config.Relay{}, opts, err
	}
	return loaded, opts, nil
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
