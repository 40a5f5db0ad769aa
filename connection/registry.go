package connection

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPoolConfig is used by GetOrCreatePool when the caller does
// not pass an explicit config.
var DefaultPoolConfig = PoolConfig{
	InitialCap:     5,
	MaxCap:         10,
	AcquireTimeout: 5 * time.Second,
}

var (
	// poolMap keys pools by target address (IP:port).
	poolMap = make(map[string]Pool)
	poolMu  sync.RWMutex
)

// CreateConnectionFactory builds the dial function for one target.
// Tests replace it to avoid real network traffic.
var CreateConnectionFactory = func(addr string) Factory {
	return func() (net.Conn, error) {
		return net.Dial("tcp", addr)
	}
}

// GetOrCreatePool returns the pool serving targetAddr, creating it on
// first use. An explicit config only applies to that first creation.
func GetOrCreatePool(targetAddr string, config ...PoolConfig) (Pool, error) {
	poolConfig := DefaultPoolConfig
	if len(config) > 0 {
		poolConfig = config[0]
	}

	poolMu.RLock()
	p, exists := poolMap[targetAddr]
	poolMu.RUnlock()

	if exists {
		return p, nil
	}

	poolMu.Lock()
	defer poolMu.Unlock()

	if p, exists = poolMap[targetAddr]; exists {
		return p, nil
	}

	factory := CreateConnectionFactory(targetAddr)

	newPool, err := NewConnPool(poolConfig, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %v", targetAddr, err)
	}

	poolMap[targetAddr] = newPool
	log.Infof("created connection pool for %s (initial=%d, max=%d)",
		targetAddr, poolConfig.InitialCap, poolConfig.MaxCap)

	return newPool, nil
}

// ReloadAllPools recycles every registered pool in place: idle
// connections are closed and the dial budgets reset, while the pools
// keep serving. Used when the upstream fleet changed under us.
func ReloadAllPools() {
	poolMu.RLock()
	defer poolMu.RUnlock()

	for addr, p := range poolMap {
		r, ok := p.(interface{ Reload() error })
		if !ok {
			continue
		}
		if err := r.Reload(); err != nil {
			log.Warnf("failed to reload connection pool for %s: %v", addr, err)
			continue
		}
		log.Infof("reloaded connection pool for %s", addr)
	}
}

// CloseAllPools tears down every registered pool and empties the
// registry. The next GetOrCreatePool starts from scratch.
func CloseAllPools() {
	poolMu.Lock()
	defer poolMu.Unlock()

	for addr, p := range poolMap {
		p.Close()
		delete(poolMap, addr)
	}
	log.Infof("closed all connection pools")
}
