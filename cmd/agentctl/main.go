package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/pqrelay/internal/agent"
	"github.com/danmuck/pqrelay/internal/logging"
	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	loaded, opts, err := loadConfig(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) {
			if ferr.Type == flags.ErrHelp {
				return agent.ExitOK
			}
			return agent.ExitStartup
		}
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		return agent.ExitStartup
	}

	logging.ConfigureRuntime("agentctl", opts.Debug, loaded.LogFile)
	defer logging.Close()

	err = agent.Start(loaded.Config)
	code := agent.ExitCode(err)
	if err != nil {
		log.Error().Err(err).Int("exit_code", code).Msg("agentctl exiting")
	}
	return code
}
