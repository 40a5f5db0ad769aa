// Package connection pools TCP connections, smux sessions, and gRPC
// client conns on top of the generic resource stack, keyed per target
// address.
package connection

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrClosed is returned for acquisitions from a closed pool.
	ErrClosed = errors.New("connection pool is closed")

	// ErrTimeout is returned when no connection became available
	// within the acquisition budget.
	ErrTimeout = errors.New("connection acquisition timed out")
)

// Factory dials one new connection for the pool.
type Factory func() (net.Conn, error)

type PoolConfig struct {
	// InitialCap connections are dialed eagerly at construction.
	InitialCap int

	// MaxCap bounds the simultaneously live connections.
	MaxCap int

	// AcquireTimeout is the Get budget. Zero means fail rather than
	// wait when every connection is in use.
	AcquireTimeout time.Duration
}

type Pool interface {
	// Get returns a pooled connection within the configured timeout.
	// Closing the returned connection puts it back.
	Get() (net.Conn, error)

	GetWithTimeout(timeout time.Duration) (net.Conn, error)

	GetWithContext(ctx context.Context) (net.Conn, error)

	// Close discards the pool and closes every idle connection.
	// Connections still in use are closed as they come back.
	Close()

	// Len reports the number of idle connections.
	Len() int
}
