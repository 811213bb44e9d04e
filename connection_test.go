package couchkv

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/internal/testutils"
)

func response(t testing.TB, f frame.Frame) []byte {
	t.Helper()
	b, err := frame.AppendResponse(nil, &f)
	require.NoError(t, err)
	return b
}

func newMockConnection(t testing.TB) (*Connection, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock()
	conn := NewConnection(mock, discardLogger)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, mock
}

func TestConnectionPipelinesOutOfOrderResponses(t *testing.T) {
	conn, mock := newMockConnection(t)

	p1, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: []byte("a")})
	require.NoError(t, err)
	p2, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: []byte("b")})
	require.NoError(t, err)
	require.NotEqual(t, p1.Opaque(), p2.Opaque())
	require.Equal(t, 2, conn.InFlight())

	parser := frame.NewRequestParser()
	parser.Feed(mock.Written())
	for _, key := range []string{"a", "b"} {
		req, err := parser.Next()
		require.NoError(t, err)
		require.Equal(t, key, string(req.Key))
	}

	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpGet, Opaque: p2.Opaque(), Value: []byte("B")}))
	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpGet, Opaque: p1.Opaque(), Value: []byte("A")}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f1, err := p1.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "A", string(f1.Value))

	f2, err := p2.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "B", string(f2.Value))

	require.Equal(t, 0, conn.InFlight())
}

func TestConnectionDropsUnknownOpaque(t *testing.T) {
	conn, mock := newMockConnection(t)

	p, err := conn.Send(&frame.Request{Opcode: frame.OpNoop})
	require.NoError(t, err)

	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpNoop, Opaque: p.Opaque() + 100}))
	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpNoop, Opaque: p.Opaque(), CAS: 7}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := p.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), f.CAS)
	require.False(t, conn.IsClosed())
}

func TestConnectionFramingErrorFailsPending(t *testing.T) {
	conn, mock := newMockConnection(t)

	fatal := make(chan error, 1)
	conn.OnFatal(func(_ *Connection, err error) { fatal <- err })

	p1, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: []byte("a")})
	require.NoError(t, err)
	p2, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: []byte("b")})
	require.NoError(t, err)

	mock.AddResponse(bytes.Repeat([]byte{0xde, 0xad}, frame.HeaderLen))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var fe *frame.FramingError
	for _, p := range []*PendingResponse{p1, p2} {
		_, err := p.Await(ctx)
		require.ErrorAs(t, err, &fe)
	}

	select {
	case err := <-fatal:
		require.ErrorAs(t, err, &fe)
	case <-time.After(time.Second):
		t.Fatal("OnFatal was not called")
	}

	require.True(t, conn.IsClosed())
	require.True(t, mock.IsClosed())

	_, err = conn.Send(&frame.Request{Opcode: frame.OpNoop})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionOnFatalAfterFailure(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.AddResponse(bytes.Repeat([]byte{0xff}, frame.HeaderLen))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not close")
	}

	called := false
	conn.OnFatal(func(*Connection, error) { called = true })
	require.True(t, called)
}

func TestConnectionCloseDoesNotCallOnFatal(t *testing.T) {
	conn, _ := newMockConnection(t)

	called := make(chan struct{}, 1)
	conn.OnFatal(func(*Connection, error) { called <- struct{}{} })

	p, err := conn.Send(&frame.Request{Opcode: frame.OpNoop})
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, err = p.Await(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, conn.Err(), ErrConnectionClosed)

	select {
	case <-called:
		t.Fatal("OnFatal called on Close")
	default:
	}
}

func TestConnectionWriteFailure(t *testing.T) {
	conn, mock := newMockConnection(t)
	mock.FailWrites(errors.New("broken pipe"))

	_, err := conn.Send(&frame.Request{Opcode: frame.OpIncrement, Key: []byte("k"), Extras: frame.CounterExtras(1, 0, 0)})
	require.Error(t, err)
	require.True(t, maybeWritten(err))

	var ce *frame.ConnectionError
	require.ErrorAs(t, err, &ce)
	require.True(t, conn.IsClosed())
	require.Equal(t, 0, conn.InFlight())
}

func TestConnectionEncodingErrorKeepsConnection(t *testing.T) {
	conn, mock := newMockConnection(t)

	_, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: bytes.Repeat([]byte("k"), frame.MaxKeyLen+1)})
	require.ErrorIs(t, err, frame.ErrKeyTooLarge)
	require.False(t, maybeWritten(err))
	require.False(t, conn.IsClosed())
	require.Equal(t, 0, conn.InFlight())
	require.Empty(t, mock.Written())
}

func TestPendingResponseAwaitContext(t *testing.T) {
	conn, mock := newMockConnection(t)

	p, err := conn.Send(&frame.Request{Opcode: frame.OpGet, Key: []byte("slow")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, conn.InFlight())

	// the late response is dropped and the connection stays usable
	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpGet, Opaque: p.Opaque()}))

	p2, err := conn.Send(&frame.Request{Opcode: frame.OpNoop})
	require.NoError(t, err)
	mock.AddResponse(response(t, frame.Frame{Opcode: frame.OpNoop, Opaque: p2.Opaque()}))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = p2.Await(ctx2)
	require.NoError(t, err)
}

func TestConnectionPing(t *testing.T) {
	node := testutils.NewFakeNode("n1")
	network := testutils.NewNetwork()
	network.Listen("10.0.0.1:11210", node)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	netConn, err := network.DialContext(ctx, "tcp", "10.0.0.1:11210")
	require.NoError(t, err)

	conn := NewConnection(netConn, discardLogger)
	defer conn.Close()

	require.Equal(t, "10.0.0.1:11210", conn.Addr())
	require.NoError(t, conn.Ping(ctx))
	require.Equal(t, 1, node.Count(frame.OpNoop))
}
