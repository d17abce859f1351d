package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pqrelay/internal/protocol"
	"github.com/danmuck/pqrelay/internal/protocol/session"
	"github.com/danmuck/pqrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     20 * time.Millisecond,
	}
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		t.Cleanup(func() { _ = r.c.Close() })
		return r.c
	case <-time.After(3 * time.Second):
		_ = ln.Close()
		t.Fatal("accept timed out")
		return nil
	}
}

// acceptOperator plays the relay side of identification and answers with reply.
func acceptOperator(t *testing.T, ln net.Listener, wantID, reply string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c := accept(t, ln)
	r := bufio.NewReader(c)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	id, err := protocol.ParseOperatorID([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, wantID, id)
	_, err = c.Write([]byte(reply))
	require.NoError(t, err)
	return c, r
}

func TestSupervisorRetriesUntilIdentified(t *testing.T) {
	testlog.Start(t)
	ln := listen(t)
	sup := NewReconnectSupervisor(ln.Addr().String(), "15", fastSession())

	var mu sync.Mutex
	var seen []State
	sup.OnTransition(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	done := make(chan *RelayConn, 1)
	go func() {
		rc, err := sup.Connect(context.Background())
		if err != nil {
			close(done)
			return
		}
		done <- rc
	}()

	rejected, _ := acceptOperator(t, ln, "15", protocol.ReplyOperatorConnected)
	_ = rejected.Close()
	acceptOperator(t, ln, "15", protocol.ReplyOK)

	var rc *RelayConn
	select {
	case rc = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not connect")
	}
	require.NotNil(t, rc)
	defer rc.Close()

	assert.Equal(t, StateConnected, sup.State())
	assert.EqualValues(t, 2, sup.Attempts())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateConnecting, StateIdentifying, StateDisconnected,
		StateConnecting, StateIdentifying, StateConnected,
	}, seen)
}

func TestSupervisorKeepsBytesAfterReply(t *testing.T) {
	testlog.Start(t)
	ln := listen(t)
	sup := NewReconnectSupervisor(ln.Addr().String(), "7", fastSession())

	done := make(chan *RelayConn, 1)
	go func() {
		rc, _ := sup.Connect(context.Background())
		done <- rc
	}()
	acceptOperator(t, ln, "7", protocol.ReplyOK+"mfirst</comm>")

	rc := <-done
	require.NotNil(t, rc)
	defer rc.Close()
	require.NoError(t, rc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len("mfirst</comm>"))
	_, err := io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, "mfirst</comm>", string(buf))
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sup := NewReconnectSupervisor(addr, "15", fastSession())
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := sup.Connect(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
	assert.Equal(t, StateDisconnected, sup.State())
	assert.GreaterOrEqual(t, sup.Attempts(), uint64(2))
}

func TestSupervisorLost(t *testing.T) {
	testlog.Start(t)
	sup := NewReconnectSupervisor("127.0.0.1:1", "15", fastSession())
	sup.transition(StateConnected)
	sup.Lost(io.EOF)
	assert.Equal(t, StateDisconnected, sup.State())
}
