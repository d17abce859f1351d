package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
)

// cadSession carries exactly one CAD message: an operator id line, then the payload
// through the terminator.
type cadSession struct {
	*conn
	line       *frame.Framer
	msg        *frame.Framer
	operatorID string
	delivery   *delivery
}

func (s *Server) acceptCAD(ctx context.Context, nc net.Conn) {
	line, _ := frame.NewFramer(frame.LineTerminator, s.cfg.Limits)
	msg, err := frame.NewFramer(s.cfg.Terminator, s.cfg.Limits)
	if err != nil {
		s.log.Error().Err(err).Msg("relay.acceptCAD framer")
		_ = nc.Close()
		return
	}
	cs := &cadSession{
		conn: newConn(s.newHandle(), RoleCAD, nc, s.cfg.Session.ReadTimeout),
		line: line,
		msg:  msg,
	}
	s.wait.addCAD(cs)
	s.log.Debug().Str("remote", cs.remote).Msg("relay.cad connection from CAD")
	s.track(ctx, cs.conn)
}

func (s *Server) cadReadable(ctx context.Context, ev Event) {
	cs, ok := s.wait.cads[ev.Handle]
	if !ok {
		return
	}
	if cs.delivery != nil {
		// One message per connection; anything after the terminator is ignored.
		return
	}
	data := ev.Data
	s.log.Debug().Str("remote", cs.remote).Bytes("data", data).Msg("relay.cad received")

	if cs.operatorID == "" {
		if _, err := cs.line.Write(data); err != nil {
			s.log.Warn().Err(err).Str("remote", cs.remote).Msg("relay.cad oversized operator line")
			observability.RecordCADMessage("oversized")
			s.finishCAD(cs, "")
			return
		}
		line, ok := cs.line.Next()
		if !ok {
			return
		}
		id, err := protocol.ParseOperatorID(line)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", cs.remote).Msg("relay.cad received invalid operator id")
			observability.RecordCADMessage("invalid_operator")
			s.finishCAD(cs, protocol.ReplyInvalidOperator)
			return
		}
		if _, ok := s.registry.Lookup(id); !ok {
			s.log.Warn().Str("operator_id", id).Str("remote", cs.remote).Msg("relay.cad received non-existent operator id")
			observability.RecordCADMessage("no_such_operator")
			s.finishCAD(cs, protocol.ReplyNoSuchOperator)
			return
		}
		cs.operatorID = id
		s.log.Info().Str("operator_id", id).Msg("relay.cad receiving message for operator")
		data = cs.line.Take()
	}

	if _, err := cs.msg.Write(data); err != nil {
		s.log.Warn().Err(err).Str("operator_id", cs.operatorID).Msg("relay.cad oversized message")
		observability.RecordCADMessage("oversized")
		s.finishCAD(cs, protocol.ReplyNO)
		return
	}
	fr, ok := cs.msg.Next()
	if !ok {
		return
	}
	// Bytes that arrived with the terminator travel with the message.
	payload := append(fr, cs.msg.Take()...)

	op, ok := s.registry.Lookup(cs.operatorID)
	if !ok {
		s.log.Warn().Str("operator_id", cs.operatorID).Msg("relay.cad operator left before message completed")
		observability.RecordCADMessage("no_such_operator")
		s.finishCAD(cs, protocol.ReplyNoSuchOperator)
		return
	}
	// The CAD now waits on the operator's ack, which has its own bound.
	cs.setReadTimeout(0)
	s.enqueue(ctx, cs, op, payload)
}

func (s *Server) cadClosed(ev Event) {
	cs, ok := s.wait.cads[ev.Handle]
	if !ok {
		return
	}
	if cs.delivery != nil && errors.Is(ev.Err, io.EOF) {
		// Half-close: the CAD finished writing and still reads the reply. The pump has
		// stopped, and finishCAD closes the connection once the operator answers.
		s.log.Debug().Str("operator_id", cs.operatorID).Msg("relay.cad half-closed while awaiting ack")
		return
	}
	s.wait.removeCAD(cs.handle)
	cs.close()
	switch {
	case cs.delivery != nil:
		s.log.Debug().Str("operator_id", cs.operatorID).Msg("relay.cad closed while awaiting ack")
	case isTimeout(ev.Err):
		s.log.Debug().Str("remote", cs.remote).Msg("relay.cad no data received before timeout, closing connection")
		observability.RecordCADMessage("aborted")
	case errors.Is(ev.Err, io.EOF):
		s.log.Debug().Str("remote", cs.remote).Msg("relay.cad closed connection without sending terminator")
		observability.RecordCADMessage("aborted")
	default:
		s.log.Warn().Err(ev.Err).Str("remote", cs.remote).Msg("relay.cad read failed")
		observability.RecordCADMessage("aborted")
	}
}

// finishCAD sends reply, if any, and closes the CAD connection.
func (s *Server) finishCAD(cs *cadSession, reply string) {
	if _, ok := s.wait.cads[cs.handle]; !ok {
		return
	}
	if reply != "" {
		if err := cs.write([]byte(reply), s.cfg.Session.WriteTimeout); err != nil {
			s.log.Debug().Err(err).Str("remote", cs.remote).Msg("relay.cad reply failed")
		}
	}
	s.wait.removeCAD(cs.handle)
	cs.close()
}
