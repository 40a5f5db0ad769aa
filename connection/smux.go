package connection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

// SessionPool keeps the live smux sessions per remote address.
type SessionPool struct {
	sessions map[string][]*smux.Session
	mu       sync.RWMutex
}

var (
	clientSessionPool = &SessionPool{
		sessions: make(map[string][]*smux.Session),
	}
	serverSessionPool = &SessionPool{
		sessions: make(map[string][]*smux.Session),
	}

	// sessionCounter drives round-robin selection across the valid
	// sessions of one address.
	sessionCounter uint64
)

func DefaultSmuxConfig() *smux.Config {
	return &smux.Config{
		Version:           1,
		KeepAliveInterval: 5 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		MaxFrameSize:      65535,
		MaxReceiveBuffer:  4194304,
		MaxStreamBuffer:   131072,
	}
}

// pickSession returns one of the still-open sessions, rotating via
// the shared counter. The caller must hold at least a read lock.
func pickSession(sessions []*smux.Session) (*smux.Session, bool) {
	var valid []*smux.Session
	for _, session := range sessions {
		if session != nil && !session.IsClosed() {
			valid = append(valid, session)
		}
	}
	if len(valid) == 0 {
		return nil, false
	}
	index := atomic.AddUint64(&sessionCounter, 1) % uint64(len(valid))
	return valid[index], true
}

// GetOrCreateClientSession reuses a live session towards targetAddr
// or establishes a new one over a pooled connection. The connection
// is dedicated to the session: when the session dies, the connection
// is closed and its pool slot freed.
func GetOrCreateClientSession(targetAddr string, config ...*smux.Config) (*smux.Session, error) {
	clientSessionPool.mu.RLock()
	session, ok := pickSession(clientSessionPool.sessions[targetAddr])
	clientSessionPool.mu.RUnlock()
	if ok {
		return session, nil
	}

	p, err := GetOrCreatePool(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool for %s: %v", targetAddr, err)
	}

	conn, err := p.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for %s: %v", targetAddr, err)
	}

	// The session owns the connection for its whole life; re-pooling
	// it after mux traffic would hand out a corrupt stream.
	if pc, ok := conn.(*PoolConn); ok {
		pc.MarkUnusable()
	}

	smuxConfig := DefaultSmuxConfig()
	if len(config) > 0 && config[0] != nil {
		smuxConfig = config[0]
	}

	session, err = smux.Client(conn, smuxConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create smux session for %s: %v", targetAddr, err)
	}

	clientSessionPool.mu.Lock()
	kept := make([]*smux.Session, 0)
	for _, s := range clientSessionPool.sessions[targetAddr] {
		if s != nil && !s.IsClosed() {
			kept = append(kept, s)
		} else if s != nil {
			s.Close()
		}
	}
	kept = append(kept, session)
	clientSessionPool.sessions[targetAddr] = kept
	clientSessionPool.mu.Unlock()

	log.Infof("created smux client session, targetAddr=%s", targetAddr)
	return session, nil
}

// GetStream opens a stream towards targetAddr, replacing the session
// once when stream creation fails on a stale one.
func GetStream(targetAddr string, config ...*smux.Config) (*smux.Stream, error) {
	session, err := GetOrCreateClientSession(targetAddr, config...)
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStream()
	if err == nil {
		return stream, nil
	}
	RemoveClientSession(targetAddr, session)

	session, err = GetOrCreateClientSession(targetAddr, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to re-establish smux session for %s: %v", targetAddr, err)
	}
	stream, err = session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %v", targetAddr, err)
	}
	return stream, nil
}

// RemoveClientSession closes and drops one session, typically after a
// stream operation on it failed.
func RemoveClientSession(targetAddr string, sessionToRemove *smux.Session) {
	if sessionToRemove == nil {
		return
	}

	clientSessionPool.mu.Lock()
	defer clientSessionPool.mu.Unlock()

	sessions := clientSessionPool.sessions[targetAddr]
	for i, session := range sessions {
		if session == sessionToRemove {
			if !session.IsClosed() {
				session.Close()
			}
			clientSessionPool.sessions[targetAddr] = append(sessions[:i], sessions[i+1:]...)
			log.Infof("removed smux client session for %s", targetAddr)
			break
		}
	}

	if len(clientSessionPool.sessions[targetAddr]) == 0 {
		delete(clientSessionPool.sessions, targetAddr)
	}
}

// AddServerSession registers a session accepted from remoteAddr,
// dropping any dead ones recorded for the same peer.
func AddServerSession(remoteAddr string, session *smux.Session) {
	if session == nil {
		return
	}

	serverSessionPool.mu.Lock()
	defer serverSessionPool.mu.Unlock()

	kept := make([]*smux.Session, 0)
	for _, s := range serverSessionPool.sessions[remoteAddr] {
		if s != nil && !s.IsClosed() {
			kept = append(kept, s)
		} else if s != nil {
			s.Close()
		}
	}
	kept = append(kept, session)
	serverSessionPool.sessions[remoteAddr] = kept
	log.Infof("registered smux server session, remoteAddr=%s", remoteAddr)
}

func RemoveServerSession(remoteAddr string, session *smux.Session) {
	if session == nil {
		return
	}

	serverSessionPool.mu.Lock()
	defer serverSessionPool.mu.Unlock()

	sessions := serverSessionPool.sessions[remoteAddr]
	for i, s := range sessions {
		if s == session {
			if !s.IsClosed() {
				s.Close()
			}
			serverSessionPool.sessions[remoteAddr] = append(sessions[:i], sessions[i+1:]...)
			log.Infof("removed smux server session for %s", remoteAddr)
			break
		}
	}

	if len(serverSessionPool.sessions[remoteAddr]) == 0 {
		delete(serverSessionPool.sessions, remoteAddr)
	}
}

// GetServerSession returns a live session accepted from remoteAddr.
func GetServerSession(remoteAddr string) (*smux.Session, error) {
	serverSessionPool.mu.RLock()
	defer serverSessionPool.mu.RUnlock()

	session, ok := pickSession(serverSessionPool.sessions[remoteAddr])
	if !ok {
		return nil, fmt.Errorf("no live smux session for %s", remoteAddr)
	}
	return session, nil
}

// CloseAllSessions closes every client and server session and empties
// both pools.
func CloseAllSessions() {
	clientSessionPool.mu.Lock()
	for addr, sessions := range clientSessionPool.sessions {
		for _, session := range sessions {
			if session != nil && !session.IsClosed() {
				session.Close()
			}
		}
		delete(clientSessionPool.sessions, addr)
	}
	clientSessionPool.mu.Unlock()

	serverSessionPool.mu.Lock()
	for addr, sessions := range serverSessionPool.sessions {
		for _, session := range sessions {
			if session != nil && !session.IsClosed() {
				session.Close()
			}
		}
		delete(serverSessionPool.sessions, addr)
	}
	serverSessionPool.mu.Unlock()

	log.Infof("closed all smux sessions")
}

// ResetSessionPools closes everything and rewinds the round-robin
// counter, giving reload paths and tests a clean slate.
func ResetSessionPools() {
	CloseAllSessions()
	atomic.StoreUint64(&sessionCounter, 0)
}
