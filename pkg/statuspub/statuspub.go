// Package statuspub broadcasts periodic status-report lines over a
// WebSocket, so a browser console or remote dashboard can watch machine
// state without polling the CLI's "?" command.
//
// Grounded on the websocket upgrade/broadcast pattern of
// AndySze-klipper's pkg/moonraker/server.go, trimmed to this
// controller's single status topic (no JSON-RPC method dispatch, no
// file/history/database endpoints: SPEC_FULL.md names only a status
// side channel, not a Moonraker-compatible API surface).
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package statuspub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"openglow-cnc-go/pkg/log"
)

// Provider supplies the status line broadcast on every tick, e.g. the
// same "<state,MPos:...>" report pkg/cli's "?" command formats.
type Provider interface {
	StatusLine() string
}

// Server upgrades HTTP connections to WebSockets and pushes Provider's
// status line to every connected client at a fixed interval.
type Server struct {
	addr     string
	provider Provider
	interval time.Duration
	log      *log.Logger

	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*client
	nextID   int64

	httpServer *http.Server
	running    atomic.Bool
}

// New creates a Server. interval is the broadcast period; addr is the
// listen address passed to http.Server (e.g. ":7700").
func New(addr string, provider Provider, interval time.Duration) *Server {
	return &Server{
		addr:     addr,
		provider: provider,
		interval: interval,
		log:      log.GetLogger("statuspub"),
		clients:  make(map[int64]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving the /status WebSocket endpoint and the
// broadcast loop. It blocks until the HTTP server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	s.running.Store(true)
	s.log.Info("status publisher starting on %s", s.addr)

	go s.broadcastLoop()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every client connection and shuts down the HTTP server.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*client)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed: %v", err)
		return
	}

	id := atomic.AddInt64(&s.nextID, 1)
	c := &client{id: id, conn: conn, send: make(chan string, 8), done: make(chan struct{})}

	s.clientMu.Lock()
	s.clients[id] = c
	s.clientMu.Unlock()

	go c.writePump()
	c.send <- s.provider.StatusLine()

	c.readPump(func() { s.removeClient(id) })
}

func (s *Server) removeClient(id int64) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	delete(s.clients, id)
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.broadcast()
	}
}

func (s *Server) broadcast() {
	line := s.provider.StatusLine()

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- line:
		default:
			s.log.Error("dropping status update to client %d, send buffer full", c.id)
		}
	}
}

// client is one connected WebSocket subscriber.
type client struct {
	id   int64
	conn *websocket.Conn
	send chan string
	done chan struct{}

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards any client-sent frames (this channel is
// publish-only) and waits for disconnect, invoking onClose exactly
// once.
func (c *client) readPump(onClose func()) {
	defer func() {
		onClose()
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case line, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
