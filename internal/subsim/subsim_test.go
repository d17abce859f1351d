package subsim

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/pqrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSim(t *testing.T, terminator string) (*Simulator, net.Addr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sim := New(terminator)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("subsim did not stop")
		}
	})
	return sim, ln.Addr()
}

func TestReplyFormat(t *testing.T) {
	sim := New("</comm>")
	assert.Equal(t, "From 5100: hello</comm></comm>", string(sim.Reply(5100, []byte("hello</comm>"))))
}

func TestServeAnswersEachFrame(t *testing.T) {
	testlog.Start(t)
	sim, addr := startSim(t, "</comm>")
	port := addr.(*net.TCPAddr).Port

	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("one</co"))
	require.NoError(t, err)
	_, err = nc.Write([]byte("mm>two</comm>"))
	require.NoError(t, err)

	want := string(sim.Reply(port, []byte("one</comm>"))) + string(sim.Reply(port, []byte("two</comm>")))
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, len(want))
	_, err = io.ReadFull(nc, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}

func TestServeClosesConnectionsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New("").Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	// one round trip so the connection is tracked before cancel
	_, err = nc.Write([]byte("x</comm>"))
	require.NoError(t, err)
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	_, err = nc.Read(buf)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subsim did not stop")
	}
	_, err = nc.Read(buf)
	assert.Error(t, err)
}
