package main

import (
	"context"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"

	"resourcepool/config"
	"resourcepool/connection"
)

// startListener accepts downstream traffic and relays it to the
// configured upstream. In mux mode every accepted connection carries
// a multiplexed session and each stream is relayed on its own.
func startListener(ctx context.Context, cfg *config.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					log.Info("Listener closed, stopping accept loop")
					return
				}
				log.Errorf("Accept failed: %v", err)
				continue
			}

			log.Infof("Accepted connection from %s", conn.RemoteAddr().String())

			if cfg.Listen.Mux {
				go handleMuxConnection(ctx, conn, cfg)
			} else {
				go handleConnection(conn, cfg)
			}
		}
	}()

	return listener, nil
}

// handleMuxConnection hosts a multiplexed session over the accepted
// connection and relays each stream separately.
func handleMuxConnection(ctx context.Context, conn net.Conn, cfg *config.Config) {
	remoteAddr := conn.RemoteAddr().String()

	session, err := smux.Server(conn, connection.DefaultSmuxConfig())
	if err != nil {
		log.Errorf("Failed to create smux session for %s: %v", remoteAddr, err)
		conn.Close()
		return
	}

	connection.AddServerSession(remoteAddr, session)
	defer connection.RemoveServerSession(remoteAddr, session)

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if session.IsClosed() {
				log.Infof("Session from %s closed", remoteAddr)
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Failed to accept stream from %s: %v", remoteAddr, err)
			continue
		}

		go handleConnection(stream, cfg)
	}
}

// handleConnection relays one downstream connection or stream to the
// upstream and blocks until either direction ends.
func handleConnection(downstream net.Conn, cfg *config.Config) {
	upstream, err := dialUpstream(cfg)
	if err != nil {
		log.Errorf("Failed to reach upstream %s: %v", cfg.Upstream.Addr, err)
		downstream.Close()
		return
	}

	pipe(downstream, upstream)
}

// dialUpstream hands out the upstream leg: a stream on a shared
// session in mux mode, a pooled connection otherwise.
func dialUpstream(cfg *config.Config) (net.Conn, error) {
	if cfg.Upstream.Mux {
		return connection.GetStream(cfg.Upstream.Addr)
	}

	pool, err := connection.GetOrCreatePool(cfg.Upstream.Addr)
	if err != nil {
		return nil, err
	}
	return pool.Get()
}

// pipe copies both directions until one side ends, then tears both
// legs down. A relayed connection's state is unknown afterwards, so a
// pooled upstream leg is never returned for reuse.
func pipe(downstream, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(upstream, downstream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(downstream, upstream)
		done <- struct{}{}
	}()

	<-done

	if pc, ok := upstream.(*connection.PoolConn); ok {
		pc.MarkUnusable()
	}
	upstream.Close()
	downstream.Close()
}
