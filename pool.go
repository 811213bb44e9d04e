package couchkv

import (
	"context"
	"errors"
	"time"
)

var ErrPoolClosed = errors.New("couchkv: pool closed")

// Pool holds the transport connections of one node.
//
// Acquiring a resource grants exclusive write access to its connection: one
// frame is written at a time. The resource is released as soon as the frame
// is written; the response is matched by opaque id while other callers
// write on the same connection.
type Pool interface {
	// Acquire returns an idle connection or dials a new one if the pool is
	// below its maximum size. It blocks until a connection is available or
	// ctx is done.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle acquires every idle connection, used by health checks.
	AcquireAllIdle() []Resource

	// Close closes the pool and its idle connections.
	Close()

	// Stats returns a snapshot of pool statistics.
	Stats() PoolStats
}

// Resource is a connection on loan from a Pool.
type Resource interface {
	// Value returns the connection.
	Value() *Connection

	// Release returns the connection to the pool.
	Release()

	// ReleaseUnused returns the connection without marking it as used.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	// CreationTime returns when the connection was created.
	CreationTime() time.Time

	// IdleDuration returns how long the connection was idle before acquire.
	IdleDuration() time.Duration
}

// TransportConstructor dials a node and runs the handshake on the new
// transport.
type TransportConstructor func(ctx context.Context) (*Connection, error)

// PoolFactory creates the transport pool of a node, holding at most maxSize
// transports.
type PoolFactory func(constructor TransportConstructor, maxSize int32) (Pool, error)
