package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/pqrelay/internal/logging"
	"github.com/danmuck/pqrelay/internal/relay"
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
				return 0
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		return 1
	}

	logging.ConfigureRuntime("relayctl", opts.Debug, loaded.LogFile)
	defer logging.Close()

	if err := relay.NewServer(loaded.Config).Run(); err != nil {
		log.Error().Err(err).Msg("relayctl exiting")
		return 1
	}
	return 0
}
