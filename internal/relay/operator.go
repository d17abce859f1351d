package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/google/uuid"
)

// operatorSession is one operator connection. op is nil until the identification line
// has been accepted.
type operatorSession struct {
	*conn
	id    string
	op    *Operator
	queue []*delivery
	ack   []byte

	// ident holds identification bytes until a newline or identifyGap completes them.
	ident      []byte
	identTimer *time.Timer
}

// identifyGap is how long a bare id without a newline may sit before it is taken as
// complete. Legacy operators send "15" and wait for the reply.
const identifyGap = 50 * time.Millisecond

// maxIdentBytes bounds the identification buffer.
const maxIdentBytes = 64

func (sess *operatorSession) stopIdentTimer() {
	if sess.identTimer != nil {
		sess.identTimer.Stop()
		sess.identTimer = nil
	}
}

// delivery is one CAD message bound for an operator. Only the head of an operator's
// queue is on the wire.
type delivery struct {
	id         string
	operatorID string
	cad        *cadSession
	payload    []byte
	queuedAt   time.Time
	sentAt     time.Time
	timer      *time.Timer
}

func (d *delivery) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (s *Server) acceptOperator(ctx context.Context, nc net.Conn) {
	sess := &operatorSession{
		conn: newConn(s.newHandle(), RoleOperator, nc, s.cfg.Session.HandshakeTimeout),
	}
	s.wait.addOperator(sess)
	s.log.Debug().Str("remote", sess.remote).Msg("relay.operator connection from operator")
	s.track(ctx, sess.conn)
}

func (s *Server) operatorReadable(ctx context.Context, ev Event) {
	sess, ok := s.wait.operators[ev.Handle]
	if !ok {
		return
	}
	if sess.op == nil {
		s.identifyChunk(ctx, sess, ev.Data)
		return
	}
	if len(sess.queue) == 0 {
		s.log.Debug().Str("operator_id", sess.id).Bytes("data", ev.Data).Msg("relay.operator unsolicited bytes discarded")
		return
	}

	room := protocol.AckReadLimit - len(sess.ack)
	data := ev.Data
	if len(data) > room {
		data = data[:room]
	}
	sess.ack = append(sess.ack, data...)
	if !protocol.AckDecided(sess.ack) && len(sess.ack) < protocol.AckReadLimit {
		return
	}
	s.resolve(ctx, sess, protocol.IsAck(sess.ack))
}

// identifyChunk collects identification bytes. A newline completes the id at once; a
// bare id completes once identifyGap passes without more bytes. An id split by a pause
// longer than the gap is read as its first part.
func (s *Server) identifyChunk(ctx context.Context, sess *operatorSession, data []byte) {
	sess.stopIdentTimer()
	sess.ident = append(sess.ident, data...)
	if i := bytes.IndexByte(sess.ident, '\n'); i >= 0 {
		s.identify(sess, sess.ident[:i+1])
		return
	}
	if len(sess.ident) > maxIdentBytes {
		s.identify(sess, sess.ident)
		return
	}
	handle := sess.handle
	sess.identTimer = time.AfterFunc(identifyGap, func() {
		s.post(ctx, Event{Kind: EventIdentifyGap, Role: RoleOperator, Handle: handle})
	})
}

func (s *Server) identifyGapElapsed(ev Event) {
	sess, ok := s.wait.operators[ev.Handle]
	if !ok || sess.op != nil || len(sess.ident) == 0 {
		return
	}
	sess.identTimer = nil
	s.identify(sess, sess.ident)
}

// identify registers the session under the id in line. Bytes after the id are dropped.
func (s *Server) identify(sess *operatorSession, line []byte) {
	sess.ident = nil
	id, err := protocol.ParseOperatorID(line)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", sess.remote).Msg("relay.operator rejected identification")
		observability.RecordRegistration("invalid")
		s.rejectOperator(sess, protocol.ReplyInvalidOperator)
		return
	}

	op, err := s.registry.register(id, sess, time.Now())
	switch {
	case errors.Is(err, ErrOperatorRegistered):
		s.log.Warn().Str("operator_id", id).Str("remote", sess.remote).Msg("relay.operator already connected, refusing")
		observability.RecordRegistration("duplicate")
		s.rejectOperator(sess, protocol.ReplyOperatorConnected)
		return
	case errors.Is(err, ErrRegistryFull):
		s.log.Warn().Str("operator_id", id).Int("max", s.registry.Max()).Msg("relay.operator limit reached, refusing")
		observability.RecordRegistration("full")
		s.rejectOperator(sess, protocol.ReplyOperatorLimit)
		return
	case err != nil:
		s.log.Error().Err(err).Str("operator_id", id).Msg("relay.operator register failed")
		s.rejectOperator(sess, protocol.ReplyNO)
		return
	}

	sess.id = id
	sess.op = op
	if err := sess.write([]byte(protocol.ReplyOK), s.cfg.Session.WriteTimeout); err != nil {
		s.log.Warn().Err(err).Str("operator_id", id).Msg("relay.operator registration reply failed")
		s.dropOperator(sess)
		return
	}
	// Registered operators stay connected until they leave.
	sess.setReadTimeout(0)
	observability.RecordRegistration("accepted")
	s.log.Info().Str("operator_id", id).Str("remote", sess.remote).Int("operators", s.registry.Len()).Msg("relay.operator registered")
}

func (s *Server) rejectOperator(sess *operatorSession, reply string) {
	if err := sess.write([]byte(reply), s.cfg.Session.WriteTimeout); err != nil {
		s.log.Debug().Err(err).Str("remote", sess.remote).Msg("relay.operator reject reply failed")
	}
	s.dropOperator(sess)
}

func (s *Server) operatorClosed(ev Event) {
	sess, ok := s.wait.operators[ev.Handle]
	if !ok {
		return
	}
	if sess.op == nil {
		if isTimeout(ev.Err) {
			s.log.Warn().Str("remote", sess.remote).Msg("relay.operator no identification before timeout")
			observability.RecordRegistration("timeout")
		} else {
			s.log.Debug().Err(ev.Err).Str("remote", sess.remote).Msg("relay.operator left before identifying")
		}
	} else {
		s.log.Info().Str("operator_id", sess.id).Err(ev.Err).Msg("relay.operator disconnected")
	}
	s.dropOperator(sess)
}

func (s *Server) ackTimeout(ctx context.Context, ev Event) {
	sess, ok := s.wait.operators[ev.Handle]
	if !ok || len(sess.queue) == 0 || sess.queue[0].id != ev.Delivery {
		return
	}
	s.log.Warn().Str("operator_id", sess.id).Str("delivery", ev.Delivery).Dur("timeout", s.cfg.Session.AckTimeout).Msg("relay.operator no ack before timeout")
	s.resolve(ctx, sess, false)
}

// enqueue queues payload for op and puts it on the wire if the operator is idle.
func (s *Server) enqueue(ctx context.Context, cs *cadSession, op *Operator, payload []byte) {
	sess := op.session
	d := &delivery{
		id:         uuid.NewString(),
		operatorID: op.ID,
		cad:        cs,
		payload:    payload,
		queuedAt:   time.Now(),
	}
	cs.delivery = d
	sess.queue = append(sess.queue, d)
	s.log.Debug().Str("operator_id", op.ID).Str("delivery", d.id).Int("queued", len(sess.queue)).Msg("relay.operator delivery queued")
	if len(sess.queue) == 1 {
		s.send(ctx, sess)
	}
}

// send writes the head delivery and arms its ack timer.
func (s *Server) send(ctx context.Context, sess *operatorSession) {
	if len(sess.queue) == 0 {
		return
	}
	d := sess.queue[0]
	d.sentAt = time.Now()
	sess.ack = sess.ack[:0]
	if err := sess.write(d.payload, s.cfg.Session.WriteTimeout); err != nil {
		s.log.Warn().Err(err).Str("operator_id", sess.id).Msg("relay.operator forward failed")
		s.resolve(ctx, sess, false)
		return
	}
	s.log.Info().Str("operator_id", sess.id).Str("delivery", d.id).Int("bytes", len(d.payload)).Msg("relay.operator forwarded CAD message")

	handle, id := sess.handle, d.id
	d.timer = time.AfterFunc(s.cfg.Session.AckTimeout, func() {
		s.post(ctx, Event{Kind: EventAckTimeout, Role: RoleOperator, Handle: handle, Delivery: id})
	})
}

// resolve settles the head delivery. An ack answers the CAD with OK and moves the queue
// along; anything else answers NO and drops the operator.
func (s *Server) resolve(ctx context.Context, sess *operatorSession, acked bool) {
	d := sess.queue[0]
	sess.queue = sess.queue[1:]
	reply := protocol.ReplyText(sess.ack)
	sess.ack = sess.ack[:0]
	d.stopTimer()

	if acked {
		sess.op.Delivered++
		observability.RecordDelivery(time.Since(d.queuedAt))
		observability.RecordCADMessage("ok")
		s.log.Info().Str("operator_id", sess.id).Str("delivery", d.id).Msg("relay.operator acknowledged message")
		s.finishCAD(d.cad, protocol.ReplyOK)
		s.send(ctx, sess)
		return
	}

	if sess.op != nil {
		sess.op.Rejected++
	}
	observability.RecordCADMessage("nak")
	s.log.Warn().Str("operator_id", sess.id).Str("delivery", d.id).Str("reply", reply).Msg("relay.operator did not acknowledge message")
	s.finishCAD(d.cad, protocol.ReplyNO)
	s.dropOperator(sess)
}

// dropOperator deregisters and closes sess. Deliveries still queued are answered NO.
func (s *Server) dropOperator(sess *operatorSession) {
	if _, ok := s.wait.operators[sess.handle]; !ok {
		return
	}
	s.wait.removeOperator(sess.handle)
	sess.stopIdentTimer()
	if sess.op != nil && s.registry.remove(sess.id, sess) {
		s.log.Info().Str("operator_id", sess.id).Int("operators", s.registry.Len()).Msg("relay.operator deregistered")
	}
	sess.close()

	pending := sess.queue
	sess.queue = nil
	for _, d := range pending {
		d.stopTimer()
		observability.RecordCADMessage("nak")
		s.finishCAD(d.cad, protocol.ReplyNO)
	}
}
