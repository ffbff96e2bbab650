// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?session=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func waitConnected(t *testing.T, m *Manager, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Connected(sessionID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never connected", sessionID)
}

func TestManager_PublishReachesSubscriber(t *testing.T) {
	m := NewManager(Options{Path: "/v1/ws"})
	defer m.Close()
	server := httptest.NewServer(http.HandlerFunc(m.Handle))
	defer server.Close()

	conn := dialSession(t, server, "doc-1")
	defer conn.Close()
	waitConnected(t, m, "doc-1")

	payload := map[string]any{"stage": "entropy_view", "history_length": 1.0}
	if err := m.Publish("doc-1", payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got["stage"] != "entropy_view" {
		t.Errorf("stage = %v, want entropy_view", got["stage"])
	}
	if got["history_length"] != 1.0 {
		t.Errorf("history_length = %v, want 1", got["history_length"])
	}
}

func TestManager_PublishWithoutSubscriberIsNoop(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()

	if err := m.Publish("nobody", map[string]any{"stage": "idle"}); err != nil {
		t.Fatalf("Publish to absent channel should not fail: %v", err)
	}
}

func TestManager_SecondConnectionReplacesFirst(t *testing.T) {
	var (
		mu       sync.Mutex
		replaced []string
	)
	m := NewManager(Options{
		OnDisconnected: func(sessionID string, reason error) {
			mu.Lock()
			defer mu.Unlock()
			if reason != nil && strings.Contains(reason.Error(), "replaced by new connection") {
				replaced = append(replaced, sessionID)
			}
		},
	})
	defer m.Close()
	server := httptest.NewServer(http.HandlerFunc(m.Handle))
	defer server.Close()

	first := dialSession(t, server, "doc-1")
	defer first.Close()
	waitConnected(t, m, "doc-1")

	second := dialSession(t, server, "doc-1")
	defer second.Close()

	// The replacement must receive updates; the first connection is closed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(replaced)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(replaced) != 1 || replaced[0] != "doc-1" {
		t.Fatalf("Expected one replacement callback for doc-1, got %v", replaced)
	}
}

func TestManager_MissingSessionParamRejected(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	server := httptest.NewServer(http.HandlerFunc(m.Handle))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
