package main

import (
	"errors"
	"os"
	"strings"

	"github.com/danmuck/pqrelay/internal/config"
	"github.com/danmuck/pqrelay/internal/logging"
	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type options struct {
	Kind     string `short:"k" long:"kind" default:"relay" description:"config kind: relay|vpcomm|agent|medagent"`
	Output   string `short:"o" long:"output" description:"output path for config template (defaults to per-kind cmd path)"`
	Validate bool   `long:"validate" description:"validate an existing config file"`
	Input    string `short:"i" long:"input" description:"config path for validation (defaults to per-kind cmd path)"`
	Force    bool   `short:"f" long:"force" description:"overwrite existing config file"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	logging.ConfigureRuntime("configgen", false, "")
	defer logging.Close()

	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	defaultPath, err := config.DefaultPath(kind)
	if err != nil {
		log.Fatal().Err(err).Strs("kinds", config.Kinds).Msg("configgen")
	}

	if opts.Validate {
		path := opts.Input
		if path == "" {
			path = defaultPath
		}
		if config.IsAgentKind(kind) {
			err = config.ValidateAgentFile(path)
		} else {
			err = config.ValidateRelayFile(path)
		}
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validation failed")
		}
		log.Info().Str("kind", kind).Str("path", path).Msg("configgen validated config")
		return
	}

	target := opts.Output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, kind, opts.Force); err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("configgen write failed")
	}
	log.Info().Str("kind", kind).Str("path", target).Msg("configgen wrote config template")
}
