package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/frame"
	"github.com/danmuck/pqrelay/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	agent  *Agent
	relay  net.Listener
	routes map[string]net.Listener
	subs   chan *breakableConn
	cancel context.CancelFunc
	done   chan error
}

var errWriteBroken = errors.New("write side broken")

// breakableConn is a sub-service connection whose writes can be made to fail while
// reads keep working.
type breakableConn struct {
	net.Conn
	broken atomic.Bool
}

func (c *breakableConn) Write(p []byte) (int, error) {
	if c.broken.Load() {
		return 0, errWriteBroken
	}
	return c.Conn.Write(p)
}

// nextSub returns the next sub-service connection the agent dialled.
func (h *harness) nextSub(t *testing.T) *breakableConn {
	t.Helper()
	select {
	case c := <-h.subs:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not dial a sub-service")
		return nil
	}
}

func testConfig(relayAddr string, routes ...Route) Config {
	cfg := DefaultConfig()
	cfg.OperatorID = "15"
	cfg.RelayAddr = relayAddr
	cfg.Routes = routes
	cfg.SinkURL = ""
	cfg.Session = fastSession()
	return cfg
}

func startAgent(t *testing.T, keys []string, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{relay: listen(t), routes: make(map[string]net.Listener), subs: make(chan *breakableConn, 8)}
	var routes []Route
	for _, k := range keys {
		ln := listen(t)
		h.routes[k] = ln
		routes = append(routes, Route{Key: k, Name: "svc-" + k, Addr: ln.Addr().String()})
	}
	cfg := testConfig(h.relay.Addr().String(), routes...)
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	relayAddr := h.relay.Addr().String()
	a.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, network, addr)
		if err != nil || addr == relayAddr {
			return nc, err
		}
		bc := &breakableConn{Conn: nc}
		select {
		case h.subs <- bc:
		default:
		}
		return bc, nil
	})
	h.agent = a

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
		return nil
	}
}

func readLine(t *testing.T, c net.Conn, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func expectSilence(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	n, err := c.Read(make([]byte, 64))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no data, got %d bytes err=%v", n, err)
}

func TestAgentRoutesFrameAndPostsReplyOnce(t *testing.T) {
	testlog.Start(t)
	posts := make(chan string, 4)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		posts <- r.PostForm.Get("msg")
	}))
	t.Cleanup(sink.Close)

	h := startAgent(t, []string{"m", "f", "p"}, func(c *Config) {
		c.SinkURL = sink.URL
		c.SinkTimeout = 2 * time.Second
	})
	medical := accept(t, h.routes["m"])
	accept(t, h.routes["f"])
	accept(t, h.routes["p"])
	relay, relayR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	_, err := relay.Write([]byte("mhello</comm>\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, relay, relayR))
	assert.Equal(t, "hello</comm>", readN(t, medical, len("hello</comm>")))

	_, err = medical.Write([]byte("From 5100: hel"))
	require.NoError(t, err)
	_, err = medical.Write([]byte("lo</comm>"))
	require.NoError(t, err)

	select {
	case got := <-posts:
		assert.Equal(t, "From 5100: hello</comm>", got)
	case <-time.After(3 * time.Second):
		t.Fatal("sink never received the reply")
	}
	select {
	case extra := <-posts:
		t.Fatalf("reply posted twice: %q", extra)
	case <-time.After(200 * time.Millisecond):
	}

	// The newline after the first terminator does not lead the next frame.
	_, err = relay.Write([]byte("fsecond</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, relay, relayR))
}

func TestAgentUnknownRouteRefused(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, nil)
	medical := accept(t, h.routes["m"])
	relay, relayR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	_, err := relay.Write([]byte("xnobody</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyNO, readLine(t, relay, relayR))
	expectSilence(t, medical)

	_, err = relay.Write([]byte("mok</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, relay, relayR))
	assert.Equal(t, "ok</comm>", readN(t, medical, len("ok</comm>")))
}

func TestAgentReconnectDiscardsPartialFrame(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, nil)
	medical := accept(t, h.routes["m"])

	first, _ := acceptOperator(t, h.relay, "15", protocol.ReplyOK)
	_, err := first.Write([]byte("mstale part"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Close())

	second, secondR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)
	_, err = second.Write([]byte("mfresh</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, second, secondR))
	assert.Equal(t, "fresh</comm>", readN(t, medical, len("fresh</comm>")))
	expectSilence(t, medical)

	require.Eventually(t, func() bool {
		return h.agent.Status().Relay == StateConnected.String()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentSubServiceLossFatal(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, nil)
	medical := accept(t, h.routes["m"])
	acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	require.NoError(t, medical.Close())
	err := h.wait(t)
	require.ErrorIs(t, err, ErrSubServiceLost)
	assert.Equal(t, ExitSubServiceLost, ExitCode(err))
}

func TestAgentSubServiceLossReconnect(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, func(c *Config) { c.LossPolicy = LossReconnect })
	medical := accept(t, h.routes["m"])
	relay, relayR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	require.NoError(t, medical.Close())
	again := accept(t, h.routes["m"])
	require.Eventually(t, func() bool {
		st := h.agent.Status()
		return len(st.Routes) == 1 && st.Routes[0].Connected
	}, 2*time.Second, 10*time.Millisecond)

	_, err := relay.Write([]byte("mback</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, relay, relayR))
	assert.Equal(t, "back</comm>", readN(t, again, len("back</comm>")))
}

func TestAgentForwardFailureFatal(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, nil)
	accept(t, h.routes["m"])
	sub := h.nextSub(t)
	relay, relayR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	sub.broken.Store(true)
	_, err := relay.Write([]byte("mlost</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyNO, readLine(t, relay, relayR))

	err = h.wait(t)
	require.ErrorIs(t, err, ErrForwardFailed)
	assert.Equal(t, ExitForwardFailed, ExitCode(err))
}

func TestAgentForwardFailureReconnect(t *testing.T) {
	testlog.Start(t)
	h := startAgent(t, []string{"m"}, func(c *Config) { c.LossPolicy = LossReconnect })
	accept(t, h.routes["m"])
	sub := h.nextSub(t)
	relay, relayR := acceptOperator(t, h.relay, "15", protocol.ReplyOK)

	sub.broken.Store(true)
	_, err := relay.Write([]byte("mlost</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyNO, readLine(t, relay, relayR))

	again := accept(t, h.routes["m"])
	h.nextSub(t)
	require.Eventually(t, func() bool {
		st := h.agent.Status()
		return len(st.Routes) == 1 && st.Routes[0].Connected
	}, 2*time.Second, 10*time.Millisecond)

	_, err = relay.Write([]byte("mback</comm>"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, readLine(t, relay, relayR))
	assert.Equal(t, "back</comm>", readN(t, again, len("back</comm>")))

	select {
	case err := <-h.done:
		t.Fatalf("agent stopped: %v", err)
	default:
	}
}

func TestAgentSinkQueueFullDropsInsteadOfBlocking(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("127.0.0.1:1", Route{Key: "m", Addr: "127.0.0.1:1"})
	cfg.SinkURL = "http://127.0.0.1:1/catch"
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.sink.Close)

	for i := 0; i < cap(a.posts); i++ {
		a.submit('m', []byte("queued</comm>"))
	}
	before := testutil.ToFloat64(observability.SinkDropped('m'))

	done := make(chan struct{})
	go func() {
		a.submit('m', []byte("overflow</comm>"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full sink queue")
	}
	assert.Equal(t, cap(a.posts), len(a.posts))
	assert.Equal(t, before+1, testutil.ToFloat64(observability.SinkDropped('m')))
}

func TestAgentStartupFailsWithoutSubService(t *testing.T) {
	testlog.Start(t)
	dead := listen(t)
	addr := dead.Addr().String()
	require.NoError(t, dead.Close())

	cfg := testConfig("127.0.0.1:1", Route{Key: "m", Addr: addr})
	a, err := New(cfg)
	require.NoError(t, err)
	err = a.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectRoute)
	assert.Equal(t, ExitStartup, ExitCode(err))
}

func TestRouterFeedSplitsReplies(t *testing.T) {
	testlog.Start(t)
	r, err := NewSubServiceRouter([]Route{{Key: "m", Addr: "x"}}, "</conn>", frame.DefaultLimits(), fastSession())
	require.NoError(t, err)

	frames, err := r.Feed('m', []byte("a</conn>b"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "a</conn>", string(frames[0]))

	frames, err = r.Feed('m', []byte("</conn>"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "b</conn>", string(frames[0]))

	_, err = r.Forward([]byte("mpayload</conn>"))
	require.ErrorIs(t, err, ErrRouteDown)
	_, err = r.Forward([]byte("zpayload</conn>"))
	require.ErrorIs(t, err, ErrUnknownRoute)
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), protocol.ErrEmptyOperatorID)

	cfg.OperatorID = "12"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Routes = append([]Route(nil), cfg.Routes...)
	bad.Routes = append(bad.Routes, Route{Key: "m", Addr: "localhost:1"})
	require.ErrorIs(t, bad.Validate(), ErrDuplicateRouteKey)

	bad = cfg
	bad.Routes = []Route{{Key: "mm", Addr: "localhost:1"}}
	require.ErrorIs(t, bad.Validate(), ErrInvalidRouteKey)

	bad = cfg
	bad.LossPolicy = "ignore"
	require.ErrorIs(t, bad.Validate(), ErrInvalidLossPolicy)
}

func TestSinkPostsForm(t *testing.T) {
	testlog.Start(t)
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		got <- r.FormValue("msg")
	}))
	t.Cleanup(srv.Close)

	s := NewSink(srv.URL, "", time.Second)
	t.Cleanup(s.Close)
	require.NoError(t, s.Post(context.Background(), 'm', []byte("a & b</comm>")))
	assert.Equal(t, "a & b</comm>", <-got)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(failing.Close)
	bad := NewSink(failing.URL, "msg", time.Second)
	t.Cleanup(bad.Close)
	require.ErrorIs(t, bad.Post(context.Background(), 'f', []byte("x")), ErrSinkStatus)
}
