package testutils

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Network is an in-memory dialer connecting to FakeNodes over net.Pipe.
// It satisfies the client's Dialer interface.
type Network struct {
	mu        sync.Mutex
	nodes     map[string]*FakeNode
	down      map[string]bool
	dials     map[string]int
	dialDelay time.Duration
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*FakeNode),
		down:  make(map[string]bool),
		dials: make(map[string]int),
	}
}

// Listen serves node at addr.
func (n *Network) Listen(addr string, node *FakeNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = node
}

// SetDown makes dials to addr fail.
func (n *Network) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// SetDialDelay delays every dial.
func (n *Network) SetDialDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialDelay = d
}

// Dials returns the number of dial attempts to addr.
func (n *Network) Dials(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[addr]
}

func (n *Network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	n.mu.Lock()
	n.dials[addr]++
	node := n.nodes[addr]
	down := n.down[addr]
	delay := n.dialDelay
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if node == nil || down {
		return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("connection refused: %s", addr)}
	}

	client, server := net.Pipe()
	go node.Serve(server)
	return &pipeConn{Conn: client, remote: fakeAddr(addr)}, nil
}

type pipeConn struct {
	net.Conn
	remote fakeAddr
}

func (c *pipeConn) RemoteAddr() net.Addr {
	return c.remote
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
