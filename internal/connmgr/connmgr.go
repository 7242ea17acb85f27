// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package connmgr owns the TCP accept loop and the per-connection
// lifecycle: admission control, the idle timer, and graceful shutdown
// -- the same accept/defer-cleanup/goroutine-per-client shape as
// internal/ron's Server.serve/clientHandler, adapted to a fixed
// two-connection cap and a framer/dispatcher pipeline instead of ron's
// gob-encoded message loop.
package connmgr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandia-minimega/cncd/internal/dispatcher"
	"github.com/sandia-minimega/cncd/internal/framer"
	log "github.com/sandia-minimega/cncd/pkg/minilog"
)

const (
	// MaxConns bounds simultaneously active connections.
	MaxConns = 2

	// IdleTimeout closes a connection that has sent no bytes for this long.
	IdleTimeout = 10 * time.Second

	readChunkSize = 4096
)

// Metrics is a point-in-time snapshot of the connection manager, in
// the spirit of ron.Server's Clients()/GetClients() accessors.
type Metrics struct {
	Active int
	Max    int
	Total  uint64
}

type activeConn struct {
	id     string
	conn   net.Conn
	cancel context.CancelFunc
}

// Server is the TCP acceptor and admission controller.
type Server struct {
	addr string
	ln   net.Listener

	disp *dispatcher.Dispatcher
	cat  framer.InstantSet

	mu    sync.Mutex
	conns map[string]*activeConn
	total uint64

	wg errgroup.Group
}

// New builds a Server bound to addr (host:port), dispatching through
// disp and framing instant commands per cat.
func New(addr string, disp *dispatcher.Dispatcher, cat framer.InstantSet) *Server {
	return &Server{
		addr:  addr,
		disp:  disp,
		cat:   cat,
		conns: make(map[string]*activeConn),
	}
}

// ListenAndServe binds the listener and runs the accept loop until
// ctx is cancelled or a fatal accept error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding %v: %w", s.addr, err)
	}
	s.ln = ln

	log.Info("listening on %v", s.addr)

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, closing listener")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.shutdown()
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return s.shutdown()
			}
			log.Error("accept: %v", err)
			return s.shutdown()
		}

		s.admit(conn)
	}
}

// admit applies the admission-control gate and, if there is capacity,
// spawns the per-connection handler.
func (s *Server) admit(conn net.Conn) {
	s.mu.Lock()
	if len(s.conns) >= MaxConns {
		s.mu.Unlock()
		log.Info("rejecting %v: at capacity (%d/%d)", conn.RemoteAddr(), len(s.conns), MaxConns)
		conn.Write([]byte("error:too many connections\n"))
		conn.Close()
		return
	}

	id := uuid.New().String()
	connCtx, cancel := context.WithCancel(context.Background())
	s.conns[id] = &activeConn{id: id, conn: conn, cancel: cancel}
	s.total++
	s.mu.Unlock()

	log.Info("client connected: %v (%s)", conn.RemoteAddr(), id)

	s.wg.Go(func() error {
		s.handle(connCtx, id, conn)
		return nil
	})
}

// handle runs the read-frame-dispatch-write loop for one connection
// until it disconnects, errors, idles out, or the server shuts down.
func (s *Server) handle(ctx context.Context, id string, conn net.Conn) {
	defer s.release(id, conn)

	f := framer.New(s.cat, 0)
	sess := &dispatcher.Session{CWD: "/", LastActivity: time.Now()}

	r := bufio.NewReaderSize(conn, readChunkSize)
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(IdleTimeout))

		n, err := r.Read(buf)
		if err != nil {
			if isTimeout(err) {
				log.Debug("connection %s idle for %v, closing", id, IdleTimeout)
			} else {
				log.Debug("connection %s closed: %v", id, err)
			}
			return
		}

		toks, err := f.Feed(buf[:n])
		if err != nil {
			log.Error("connection %s: %v", id, err)
			return
		}

		for _, tok := range toks {
			reply := s.disp.Dispatch(sess, conn, tok)
			if len(reply) == 0 {
				continue
			}
			if _, err := conn.Write(reply); err != nil {
				log.Debug("connection %s: write failed: %v", id, err)
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// release removes a connection from the active set and closes its
// socket. Resource release must happen on every exit path, so this is
// always invoked via defer in handle.
func (s *Server) release(id string, conn net.Conn) {
	conn.Close()

	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()

	log.Info("client disconnected: %s", id)
}

// Shutdown cancels all active connections and waits for their
// handlers to return, fanning in via errgroup the way a bounded
// worker pool waits on its workers.
func (s *Server) shutdown() error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.cancel()
		c.conn.Close()
	}
	s.mu.Unlock()

	return s.wg.Wait()
}

// Metrics returns a point-in-time snapshot of connection counts.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{Active: len(s.conns), Max: MaxConns, Total: s.total}
}
