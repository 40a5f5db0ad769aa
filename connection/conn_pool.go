package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"resourcepool/pool"
)

// connPool implements Pool on a bounded resource stack. The stack
// holds raw connections; Get wraps them so their Close returns them
// here instead of tearing them down.
type connPool struct {
	stack  *pool.Stack[net.Conn]
	config PoolConfig
}

func NewConnPool(config PoolConfig, factory Factory) (Pool, error) {
	if config.InitialCap < 0 || config.MaxCap <= 0 || config.InitialCap > config.MaxCap {
		return nil, errors.New("invalid capacity settings")
	}
	if factory == nil {
		return nil, errors.New("factory must not be nil")
	}

	stack, err := pool.NewStack(config.MaxCap, pool.Factory[net.Conn](factory))
	if err != nil {
		return nil, err
	}

	c := &connPool{
		stack:  stack,
		config: config,
	}

	// Dial the initial connections through the stack so they consume
	// budget slots, then park them as idle.
	warm := make([]net.Conn, 0, config.InitialCap)
	for i := 0; i < config.InitialCap; i++ {
		conn, err := stack.AcquireTimeout(0)
		if err != nil {
			c.Close()
			for _, dialed := range warm {
				stack.Release(dialed)
			}
			return nil, fmt.Errorf("factory is not able to fill the pool: %s", err)
		}
		warm = append(warm, conn)
	}
	for _, conn := range warm {
		stack.Release(conn)
	}
	return c, nil
}

func (c *connPool) Get() (net.Conn, error) {
	return c.GetWithTimeout(c.config.AcquireTimeout)
}

func (c *connPool) GetWithTimeout(timeout time.Duration) (net.Conn, error) {
	conn, err := c.stack.AcquireTimeout(timeout)
	if err != nil {
		return nil, translateErr(err)
	}
	return c.wrapConn(conn), nil
}

func (c *connPool) GetWithContext(ctx context.Context) (net.Conn, error) {
	conn, err := c.stack.Acquire(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return c.wrapConn(conn), nil
}

// translateErr maps stack errors onto this package's sentinels. An
// expired or canceled context counts as a timeout, the way callers of
// a connection pool expect.
func translateErr(err error) error {
	switch {
	case errors.Is(err, pool.ErrShuttingDown):
		return ErrClosed
	case errors.Is(err, pool.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrTimeout
	}
	return err
}

// put returns a raw connection to the stack. After Close the stack
// routes it to the shutdown callback, which closes it for real.
func (c *connPool) put(conn net.Conn) error {
	if conn == nil {
		return errors.New("connection is nil, rejecting")
	}
	return c.stack.Release(conn)
}

// discard closes a connection the caller marked unusable and frees
// its slot for a fresh dial.
func (c *connPool) discard(conn net.Conn) error {
	err := conn.Close()
	c.stack.Discard()
	return err
}

func (c *connPool) Close() {
	c.stack.Shutdown(func(conn net.Conn) error {
		return conn.Close()
	})
}

func (c *connPool) Len() int {
	return c.stack.Idle()
}

// Reload closes every idle connection and resets the dial budget
// without discarding the pool, so traffic after an upstream change
// runs on fresh connections.
func (c *connPool) Reload() error {
	return c.stack.Reload(func(conn net.Conn) error {
		return conn.Close()
	})
}

// PoolConn wraps a pooled net.Conn. Close returns the connection to
// its pool unless it was marked unusable first.
type PoolConn struct {
	net.Conn
	mu       sync.RWMutex
	pool     *connPool
	unusable bool
}

func (p *PoolConn) Close() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.unusable {
		if p.Conn != nil {
			return p.pool.discard(p.Conn)
		}
		return nil
	}
	return p.pool.put(p.Conn)
}

// MarkUnusable makes the next Close tear the connection down and give
// its slot back instead of re-pooling it. Callers use it after an I/O
// error leaves the connection in an unknown state.
func (p *PoolConn) MarkUnusable() {
	p.mu.Lock()
	p.unusable = true
	p.mu.Unlock()
}

func (c *connPool) wrapConn(conn net.Conn) net.Conn {
	return &PoolConn{Conn: conn, pool: c}
}
