package connection

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"resourcepool/pool"
)

type GRPCPoolConfig struct {
	// MaxConns bounds the client connections dialed to the endpoint.
	MaxConns int

	// DialTimeout bounds each blocking dial attempt.
	DialTimeout time.Duration

	// AcquireTimeout is the default budget for Do when the caller's
	// context carries no deadline.
	AcquireTimeout time.Duration
}

var DefaultGRPCPoolConfig = GRPCPoolConfig{
	MaxConns:       4,
	DialTimeout:    10 * time.Second,
	AcquireTimeout: 5 * time.Second,
}

// GRPCPool shares client connections to one gRPC endpoint. Do runs a
// closure with a pooled connection; nested Do calls on the same
// context reuse the connection they already hold.
type GRPCPool struct {
	pool *pool.Pool[*grpc.ClientConn]
	addr string
}

func NewGRPCPool(addr string, config ...GRPCPoolConfig) (*GRPCPool, error) {
	cfg := DefaultGRPCPoolConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	p, err := pool.New(pool.Config{
		Capacity:       cfg.MaxConns,
		AcquireTimeout: cfg.AcquireTimeout,
	}, grpcDialFactory(addr, cfg.DialTimeout))
	if err != nil {
		return nil, err
	}

	return &GRPCPool{pool: p, addr: addr}, nil
}

// grpcDialFactory dials the endpoint with up to three blocking
// attempts before reporting failure.
func grpcDialFactory(addr string, timeout time.Duration) pool.Factory[*grpc.ClientConn] {
	return func() (*grpc.ClientConn, error) {
		var conn *grpc.ClientConn
		var err error

		maxRetries := 3
		for i := 0; i < maxRetries; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			conn, err = grpc.DialContext(ctx, addr,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithBlock())
			cancel()
			if err == nil {
				return conn, nil
			}
			if i < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
		}
		return nil, fmt.Errorf("failed to connect to %s after %d retries: %v", addr, maxRetries, err)
	}
}

// Do runs fn with a pooled client connection, returning it on every
// exit path. fn receives the derived context, so gRPC calls and
// nested Do invocations inside it share the same connection.
func (g *GRPCPool) Do(ctx context.Context, fn func(ctx context.Context, conn *grpc.ClientConn) error) error {
	return g.pool.With(ctx, fn)
}

func (g *GRPCPool) Addr() string {
	return g.addr
}

func (g *GRPCPool) Len() int {
	return g.pool.Len()
}

// Close tears down every pooled connection. Connections checked out
// through Do are closed as their closures finish.
func (g *GRPCPool) Close() error {
	return g.pool.Shutdown(func(conn *grpc.ClientConn) error {
		return conn.Close()
	})
}

// Reload drops the current connections and lets traffic re-dial, for
// endpoint changes behind a stable address.
func (g *GRPCPool) Reload() error {
	return g.pool.Reload(func(conn *grpc.ClientConn) error {
		return conn.Close()
	})
}
