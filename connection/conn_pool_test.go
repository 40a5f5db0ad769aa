package connection

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type mockConn struct {
	closed bool
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	return 0, errors.New("mock connection: read not implemented")
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5678}
}

func (m *mockConn) SetDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func mockConnFactory() Factory {
	return func() (net.Conn, error) {
		return &mockConn{}, nil
	}
}

func errorFactory() Factory {
	return func() (net.Conn, error) {
		return nil, errors.New("factory error")
	}
}

func TestNewConnPool(t *testing.T) {
	tests := []struct {
		name        string
		config      PoolConfig
		factory     Factory
		shouldError bool
	}{
		{
			name: "valid settings",
			config: PoolConfig{
				InitialCap:     2,
				MaxCap:         5,
				AcquireTimeout: time.Second,
			},
			factory:     mockConnFactory(),
			shouldError: false,
		},
		{
			name: "initial above max",
			config: PoolConfig{
				InitialCap:     10,
				MaxCap:         5,
				AcquireTimeout: time.Second,
			},
			factory:     mockConnFactory(),
			shouldError: true,
		},
		{
			name: "zero max capacity",
			config: PoolConfig{
				InitialCap:     0,
				MaxCap:         0,
				AcquireTimeout: time.Second,
			},
			factory:     mockConnFactory(),
			shouldError: true,
		},
		{
			name: "negative initial capacity",
			config: PoolConfig{
				InitialCap:     -1,
				MaxCap:         5,
				AcquireTimeout: time.Second,
			},
			factory:     mockConnFactory(),
			shouldError: true,
		},
		{
			name: "failing factory",
			config: PoolConfig{
				InitialCap:     3,
				MaxCap:         5,
				AcquireTimeout: time.Second,
			},
			factory:     errorFactory(),
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewConnPool(tt.config, tt.factory)
			if tt.shouldError {
				if err == nil {
					t.Errorf("expected an error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if p == nil {
				t.Fatalf("expected a pool")
			}
			if p.Len() != tt.config.InitialCap {
				t.Errorf("expected %d warm connections, got %d", tt.config.InitialCap, p.Len())
			}
			p.Close()
		})
	}
}

func TestConnPoolGet(t *testing.T) {
	config := PoolConfig{
		InitialCap:     2,
		MaxCap:         3,
		AcquireTimeout: 100 * time.Millisecond,
	}
	p, err := NewConnPool(config, mockConnFactory())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	for i := 0; i < config.InitialCap; i++ {
		conn, err := p.Get()
		if err != nil {
			t.Errorf("get of a warm connection failed: %v", err)
		}
		if conn == nil {
			t.Errorf("expected a connection")
		}
	}

	// The warm connections are taken; the next get dials a fresh one
	// from the remaining budget.
	conn, err := p.Get()
	if err != nil {
		t.Errorf("get beyond the warm connections failed: %v", err)
	}
	if conn == nil {
		t.Errorf("expected a freshly dialed connection")
	}

	p.Close()
}

func TestConnPoolGetWithTimeout(t *testing.T) {
	config := PoolConfig{
		InitialCap:     1,
		MaxCap:         1,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	conn1, err := p.Get()
	if err != nil {
		t.Fatalf("first get failed: %v", err)
	}

	_, err = p.GetWithTimeout(100 * time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout with the only connection in use, got: %v", err)
	}

	conn1.Close()
	p.Close()
}

func TestConnPoolGetWithContext(t *testing.T) {
	config := PoolConfig{
		InitialCap:     1,
		MaxCap:         1,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	conn1, _ := p.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.GetWithContext(ctx)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout when the context expires, got: %v", err)
	}

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = p.GetWithContext(canceled)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout for a canceled context, got: %v", err)
	}

	conn1.Close()
	p.Close()
}

func TestPoolConnClose(t *testing.T) {
	config := PoolConfig{
		InitialCap:     1,
		MaxCap:         2,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	conn, _ := p.Get()

	if p.Len() != 0 {
		t.Errorf("expected 0 idle connections while checked out, got %d", p.Len())
	}

	conn.Close()

	if p.Len() != 1 {
		t.Errorf("expected 1 idle connection after close, got %d", p.Len())
	}

	conn, _ = p.Get()

	poolConn, ok := conn.(*PoolConn)
	if !ok {
		t.Fatalf("expected a *PoolConn from the pool")
	}
	poolConn.MarkUnusable()

	conn.Close()

	if p.Len() != 0 {
		t.Errorf("expected the unusable connection dropped, got %d idle", p.Len())
	}

	raw := poolConn.Conn.(*mockConn)
	if !raw.closed {
		t.Errorf("expected the unusable connection really closed")
	}

	// The discarded slot is free again, so a fresh dial succeeds.
	conn, err := p.GetWithTimeout(0)
	if err != nil {
		t.Fatalf("get after discard failed: %v", err)
	}
	conn.Close()

	p.Close()
}

func TestConnPoolClose(t *testing.T) {
	config := PoolConfig{
		InitialCap:     3,
		MaxCap:         5,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	held, _ := p.Get()

	p.Close()

	if p.Len() != 0 {
		t.Errorf("expected no idle connections after close, got %d", p.Len())
	}

	_, err := p.Get()
	if err != ErrClosed {
		t.Errorf("expected ErrClosed after close, got: %v", err)
	}

	// A connection returned after close is closed for real instead of
	// re-pooled.
	held.Close()
	raw := held.(*PoolConn).Conn.(*mockConn)
	if !raw.closed {
		t.Errorf("expected the outstanding connection closed on return")
	}

	p.Close()
}

func TestConnPoolReload(t *testing.T) {
	config := PoolConfig{
		InitialCap:     2,
		MaxCap:         2,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	cp := p.(*connPool)
	if err := cp.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("expected the idle connections drained by reload, got %d", p.Len())
	}

	conn, err := p.GetWithTimeout(0)
	if err != nil {
		t.Fatalf("get after reload failed: %v", err)
	}
	conn.Close()

	p.Close()
}

func TestGetOrCreatePool(t *testing.T) {
	originalCreateFactory := CreateConnectionFactory

	CreateConnectionFactory = func(addr string) Factory {
		return func() (net.Conn, error) {
			return &mockConn{}, nil
		}
	}

	defer func() {
		CreateConnectionFactory = originalCreateFactory
		CloseAllPools()
	}()

	CloseAllPools()

	addr := "test-upstream:8080"

	pool1, err := GetOrCreatePool(addr)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	pool2, err := GetOrCreatePool(addr)
	if err != nil {
		t.Fatalf("failed to look up pool: %v", err)
	}

	if pool1 != pool2 {
		t.Errorf("expected the same pool for the same address")
	}

	customConfig := PoolConfig{
		InitialCap:     2,
		MaxCap:         4,
		AcquireTimeout: 1 * time.Second,
	}

	addr2 := "test-upstream-2:9090"
	pool3, err := GetOrCreatePool(addr2, customConfig)
	if err != nil {
		t.Fatalf("failed to create pool with custom config: %v", err)
	}
	if pool3.Len() != customConfig.InitialCap {
		t.Errorf("expected %d warm connections, got %d", customConfig.InitialCap, pool3.Len())
	}

	ReloadAllPools()
	if pool1.Len() != 0 || pool3.Len() != 0 {
		t.Errorf("expected all pools drained by reload, got %d and %d", pool1.Len(), pool3.Len())
	}
	if _, err := pool1.GetWithTimeout(0); err != nil {
		t.Errorf("expected the reloaded pool usable, got: %v", err)
	}
}

func TestConnPoolUnderHighLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	config := PoolConfig{
		InitialCap:     5,
		MaxCap:         10,
		AcquireTimeout: 500 * time.Millisecond,
	}
	p, _ := NewConnPool(config, mockConnFactory())

	concurrency := 20
	done := make(chan bool)

	for i := 0; i < concurrency; i++ {
		go func() {
			conn, err := p.Get()
			if err != nil && err != ErrTimeout {
				t.Errorf("unexpected get error: %v", err)
			}

			if err == nil {
				time.Sleep(10 * time.Millisecond)
				conn.Close()
			}

			done <- true
		}()
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}

	if p.Len() > config.MaxCap {
		t.Errorf("pool holds %d idle connections, above the cap of %d", p.Len(), config.MaxCap)
	}

	p.Close()
}
