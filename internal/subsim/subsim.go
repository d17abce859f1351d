// Package subsim simulates ProQA sub-services: each framed message is answered with
// "From <port>: <message><terminator>" on the same connection.
package subsim

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/rs/zerolog"
)

type Simulator struct {
	terminator string
	limits     frame.Limits
	log        zerolog.Logger
}

func New(terminator string) *Simulator {
	if terminator == "" {
		terminator = frame.DefaultTerminator
	}
	return &Simulator{
		terminator: terminator,
		limits:     frame.DefaultLimits(),
		log:        observability.Logger("subsim"),
	}
}

// Reply builds the answer a sub-service listening on port sends for msg. msg keeps
// its terminator.
func (s *Simulator) Reply(port int, msg []byte) []byte {
	out := make([]byte, 0, len(msg)+len(s.terminator)+16)
	out = append(out, "From "...)
	out = strconv.AppendInt(out, int64(port), 10)
	out = append(out, ": "...)
	out = append(out, msg...)
	return append(out, s.terminator...)
}

// Serve accepts connections on ln until ctx ends. Open connections are closed before
// it returns.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	port := 0
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("subsim listening")

	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	var err error
	for {
		var nc net.Conn
		nc, err = ln.Accept()
		if err != nil {
			break
		}
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			_ = nc.Close()
			break
		}
		conns[nc] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(nc, port)
			mu.Lock()
			delete(conns, nc)
			mu.Unlock()
			_ = nc.Close()
		}()
	}
	_ = ln.Close()
	wg.Wait()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Simulator) handle(nc net.Conn, port int) {
	log := s.log.With().Int("port", port).Str("remote", nc.RemoteAddr().String()).Logger()
	log.Info().Msg("subsim connection")
	f, err := frame.NewFramer(s.terminator, s.limits)
	if err != nil {
		log.Error().Err(err).Msg("subsim framer")
		return
	}
	for {
		msg, err := frame.ReadFrame(nc, f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("subsim connection closed")
			} else {
				log.Warn().Err(err).Msg("subsim read failed")
			}
			return
		}
		log.Debug().Bytes("msg", msg).Msg("subsim message")
		if _, err := nc.Write(s.Reply(port, msg)); err != nil {
			log.Warn().Err(err).Msg("subsim reply failed")
			return
		}
	}
}
