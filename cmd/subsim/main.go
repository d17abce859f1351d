package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/danmuck/pqrelay/internal/logging"
	"github.com/danmuck/pqrelay/internal/subsim"
	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type options struct {
	Host       string `long:"host" default:"localhost" description:"listen host"`
	Ports      []int  `short:"p" long:"port" description:"listen port (repeatable, default 5100 5200 5300)"`
	Terminator string `short:"t" long:"terminator" default:"</comm>" description:"message terminator literal"`
	Debug      bool   `short:"d" long:"debug" description:"log every message"`
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
	logging.ConfigureRuntime("subsim", opts.Debug, "")
	defer logging.Close()

	ports := opts.Ports
	if len(ports) == 0 {
		ports = []int{5100, 5200, 5300}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := subsim.New(opts.Terminator)
	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(port)))
		if err != nil {
			log.Error().Err(err).Int("port", port).Msg("subsim listen failed")
			stop()
			_ = g.Wait()
			logging.Close()
			os.Exit(1)
		}
		g.Go(func() error {
			return sim.Serve(gctx, ln)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("subsim exiting")
		return
	}
	log.Info().Msg("subsim connections closed")
}
