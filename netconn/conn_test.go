package netconn_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/coder/gallatin/netconn"
	"github.com/coder/gallatin/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func newConn(t *testing.T, c net.Conn, opts netconn.Options) (*netconn.Conn, chan netconn.Event) {
	t.Helper()
	events := make(chan netconn.Event, 16)
	opts.Logger = testutil.Logger(t)
	conn := netconn.New(c, func(_ *netconn.Conn, ev netconn.Event) {
		events <- ev
	}, opts)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, events
}

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	ctx := testutil.Context(t, testutil.WaitShort)
	server := testutil.RequireReceive(ctx, t, accepted)
	t.Cleanup(func() {
		_ = dialed.Close()
		_ = server.Close()
	})
	return dialed.(*net.TCPConn), server.(*net.TCPConn)
}

func TestConn_Receive(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	local, remote := net.Pipe()
	defer remote.Close()
	conn, events := newConn(t, local, netconn.Options{})

	// Nothing is read before the first Receive.
	go func() { _, _ = remote.Write([]byte("hello")) }()
	testutil.RequireNoReceive(t, events, 50*time.Millisecond)

	require.NoError(t, conn.Receive())
	require.ErrorIs(t, conn.Receive(), netconn.ErrReceivePending)

	ev := testutil.RequireReceive(ctx, t, events)
	require.Equal(t, netconn.EventData, ev.Kind)
	require.Equal(t, "hello", string(ev.Data))

	require.NoError(t, conn.Receive())
	_ = remote.Close()
	ev = testutil.RequireReceive(ctx, t, events)
	require.Equal(t, netconn.EventShutdown, ev.Kind)
	require.ErrorIs(t, conn.Receive(), netconn.ErrReadShutdown)
}

func TestConn_HalfClose(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	local, remote := tcpPair(t)
	conn, events := newConn(t, local, netconn.Options{})

	_, err := remote.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, remote.CloseWrite())

	var got []byte
	for {
		require.NoError(t, conn.Receive())
		ev := testutil.RequireReceive(ctx, t, events)
		if ev.Kind != netconn.EventData {
			require.Equal(t, netconn.EventShutdown, ev.Kind)
			break
		}
		got = append(got, ev.Data...)
	}
	require.Equal(t, "last words", string(got))

	// The write side stays usable after the peer stopped sending.
	require.NoError(t, conn.Send(ctx, []byte("reply")))
	buf := make([]byte, 5)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf))
}

type resetConn struct {
	net.Conn
}

func (resetConn) Read([]byte) (int, error) {
	return 0, xerrors.New("connection reset by peer")
}

func TestConn_ReadError(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	local, remote := net.Pipe()
	defer remote.Close()
	conn, events := newConn(t, resetConn{Conn: local}, netconn.Options{})

	require.NoError(t, conn.Receive())
	ev := testutil.RequireReceive(ctx, t, events)
	require.Equal(t, netconn.EventClosed, ev.Kind)
	require.ErrorContains(t, ev.Err, "reset")
}

func TestConn_Send(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	mClock := quartz.NewMock(t)
	local, remote := net.Pipe()
	defer remote.Close()
	conn, _ := newConn(t, local, netconn.Options{Clock: mClock})
	start := conn.LastActivity()

	mClock.Advance(time.Minute).MustWait(ctx)
	go func() {
		buf := make([]byte, 4)
		_, _ = io.ReadFull(remote, buf)
	}()
	require.NoError(t, conn.Send(ctx, []byte("ping")))
	require.Equal(t, start.Add(time.Minute), conn.LastActivity())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Send(ctx, []byte("x")), netconn.ErrClosed)
	require.ErrorIs(t, conn.Receive(), netconn.ErrClosed)
}

func TestConn_CloseSuppressesEvents(t *testing.T) {
	t.Parallel()

	local, remote := net.Pipe()
	defer remote.Close()
	conn, events := newConn(t, local, netconn.Options{})

	require.NoError(t, conn.Receive())
	require.NoError(t, conn.Close())
	testutil.RequireNoReceive(t, events, 50*time.Millisecond)
}

func TestConn_Detach(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	local, remote := tcpPair(t)
	conn, events := newConn(t, local, netconn.Options{})

	// Detaching interrupts the outstanding receive.
	require.NoError(t, conn.Receive())
	raw, leftover, err := conn.Detach()
	require.NoError(t, err)
	require.Empty(t, leftover)
	testutil.RequireNoReceive(t, events, 50*time.Millisecond)

	_, err = remote.Write([]byte("tunnel"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(raw, buf)
	require.NoError(t, err)
	require.Equal(t, "tunnel", string(buf))

	require.ErrorIs(t, conn.Receive(), netconn.ErrClosed)
	_, _, err = conn.Detach()
	require.ErrorIs(t, err, netconn.ErrClosed)

	// Close after Detach leaves the socket to its new owner.
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Send(ctx, []byte("x")), netconn.ErrClosed)
	_, err = raw.Write([]byte("still open"))
	require.NoError(t, err)
}
