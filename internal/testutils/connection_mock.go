package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is a mock implementation of net.Conn for testing.
// Reads return the queued response bytes and then block until more are
// queued or the connection is closed.
type ConnectionMock struct {
	mu        sync.Mutex
	readBuf   bytes.Buffer
	writeBuf  bytes.Buffer
	closed    bool
	writeErr  error
	dataReady chan struct{}
	done      chan struct{}
}

// NewConnectionMock creates a new mock connection with pre-configured response data
func NewConnectionMock(responses ...[]byte) *ConnectionMock {
	m := &ConnectionMock{
		dataReady: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, r := range responses {
		m.readBuf.Write(r)
	}
	return m
}

// AddResponse queues bytes for the reader.
func (m *ConnectionMock) AddResponse(b []byte) {
	m.mu.Lock()
	m.readBuf.Write(b)
	m.mu.Unlock()

	select {
	case m.dataReady <- struct{}{}:
	default:
	}
}

// FailWrites makes every later Write fail with err.
func (m *ConnectionMock) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.readBuf.Len() > 0 {
			n, err := m.readBuf.Read(b)
			m.mu.Unlock()
			return n, err
		}
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}
		m.mu.Unlock()

		select {
		case <-m.dataReady:
		case <-m.done:
		}
	}
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11210}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the raw bytes written to the mock connection
func (m *ConnectionMock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}
