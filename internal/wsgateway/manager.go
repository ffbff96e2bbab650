// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wsgateway pushes view-model snapshots to connected hosts over
// WebSocket. One channel exists per session id; a host (editor surface)
// subscribes to its session and receives the refreshed view after every
// state-changing operation. Delivery is best effort: a dead socket never
// fails the operation that triggered the push.
package wsgateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 16
)

var errReplaced = errors.New("replaced by new connection")

// Options configures a Manager.
type Options struct {
	// Path is the route the gateway upgrades on, e.g. "/v1/ws".
	Path string

	// OnConnected fires after a host subscribes to a session channel.
	OnConnected func(sessionID string)

	// OnDisconnected fires when a channel closes; reason is nil on clean
	// shutdown.
	OnDisconnected func(sessionID string, reason error)

	LogDebugf func(format string, args ...any)
	LogInfof  func(format string, args ...any)
	LogWarnf  func(format string, args ...any)
}

// Manager owns the per-session WebSocket channels.
type Manager struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a gateway with the given options. Nil log functions
// are replaced with no-ops.
func NewManager(opts Options) *Manager {
	if opts.Path == "" {
		opts.Path = "/v1/ws"
	}
	noop := func(string, ...any) {}
	if opts.LogDebugf == nil {
		opts.LogDebugf = noop
	}
	if opts.LogInfof == nil {
		opts.LogInfof = noop
	}
	if opts.LogWarnf == nil {
		opts.LogWarnf = noop
	}
	return &Manager{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The host surface runs on editor-local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		channels: make(map[string]*channel),
	}
}

// Path returns the route the gateway should be mounted on.
func (m *Manager) Path() string {
	return m.opts.Path
}

// Handle upgrades an HTTP request into a session channel. The session id
// comes from the "session" query parameter. A second subscription for the
// same session replaces the first.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.opts.LogWarnf("wsgateway: upgrade failed for session %s: %v", sessionID, err)
		return
	}

	ch := &channel{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.channels[sessionID]; ok {
		old.close()
		m.opts.LogInfof("wsgateway: session %s channel replaced", sessionID)
		m.notifyDisconnected(sessionID, errReplaced)
	}
	m.channels[sessionID] = ch
	m.mu.Unlock()

	m.opts.LogInfof("wsgateway: session %s connected", sessionID)
	if m.opts.OnConnected != nil {
		m.opts.OnConnected(sessionID)
	}

	go m.writePump(ch)
	m.readPump(ch)
}

// Publish sends a payload to the session's channel, if one is connected.
// Marshalling errors and absent channels are reported via the returned
// error; send failures are handled by the pump and never returned here.
func (m *Manager) Publish(sessionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ch, ok := m.channels[sessionID]
	m.mu.Unlock()
	if !ok {
		m.opts.LogDebugf("wsgateway: no channel for session %s, dropping update", sessionID)
		return nil
	}

	select {
	case ch.send <- data:
	default:
		// Slow consumer: drop the update rather than block the operation.
		m.opts.LogDebugf("wsgateway: session %s send queue full, dropping update", sessionID)
	}
	return nil
}

// Connected reports whether a channel exists for the session.
func (m *Manager) Connected(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[sessionID]
	return ok
}

// Close shuts down all channels.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
}

func (m *Manager) writePump(ch *channel) {
	for {
		select {
		case <-ch.done:
			return
		case data := <-ch.send:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.opts.LogDebugf("wsgateway: write to session %s failed: %v", ch.sessionID, err)
				m.drop(ch, err)
				return
			}
		}
	}
}

// readPump drains inbound frames so pings and close frames are processed;
// the gateway is push-only.
func (m *Manager) readPump(ch *channel) {
	for {
		if _, _, err := ch.conn.ReadMessage(); err != nil {
			var reason error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err
			}
			m.drop(ch, reason)
			return
		}
	}
}

// drop removes the channel if it is still the registered one for its
// session and fires the disconnect callback.
func (m *Manager) drop(ch *channel, reason error) {
	m.mu.Lock()
	current, ok := m.channels[ch.sessionID]
	if ok && current == ch {
		delete(m.channels, ch.sessionID)
	} else {
		// Already replaced; the replacement owns the session now.
		ok = false
	}
	m.mu.Unlock()

	ch.close()
	if ok {
		if reason != nil {
			m.opts.LogWarnf("wsgateway: session %s disconnected: %v", ch.sessionID, reason)
		} else {
			m.opts.LogInfof("wsgateway: session %s disconnected", ch.sessionID)
		}
		m.notifyDisconnected(ch.sessionID, reason)
	}
}

func (m *Manager) notifyDisconnected(sessionID string, reason error) {
	if m.opts.OnDisconnected != nil {
		m.opts.OnDisconnected(sessionID, reason)
	}
}

func (c *channel) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
