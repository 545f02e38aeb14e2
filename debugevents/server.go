// Package debugevents implements the loopback debug event mirror (C12): a
// WebSocket endpoint that fans out every radio.Event as JSON to connected
// clients, for interactive inspection during development.
//
// Grounded on the teacher's DXClusterWebSocketHandler (dxcluster_websocket.go):
// a map of *websocket.Conn to a per-connection write mutex guarded by an
// RWMutex, an Upgrader with a permissive CheckOrigin, and a broadcast
// helper that serializes one message and writes it to every client.
package debugevents

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/w9fyi/smartsdr-core/radio"
)

// Server mirrors radio.Event values to connected WebSocket clients.
type Server struct {
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex

	upgrader websocket.Upgrader
}

// New creates a Server. Subscribe it to a radio.State via Attach.
func New() *Server {
	return &Server{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Attach subscribes the server to every event published by state.
func (s *Server) Attach(state *radio.State) {
	state.Subscribe(s.broadcast)
}

// HandleWebSocket upgrades the request and registers the client for the
// lifetime of the connection. It never reads application messages from the
// client; this is a read-only mirror.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debugevents: upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = &sync.Mutex{}
	s.clientsMu.Unlock()

	go s.drainUntilClosed(conn)
}

// drainUntilClosed reads and discards frames until the client disconnects,
// mirroring the teacher's ping/pong keepalive pattern, then deregisters it.
func (s *Server) drainUntilClosed(conn *websocket.Conn) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// envelope is the wire shape for every mirrored message, per §6.
type envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// connectionPayload is envelope.Payload for a "connection_changed" event.
type connectionPayload struct {
	State string `json:"state"`
}

// slicePayload is envelope.Payload for a "slice_updated" event.
type slicePayload struct {
	Index       int    `json:"index"`
	FrequencyHz int64  `json:"frequency_hz"`
	Mode        string `json:"mode"`
}

// errorPayload is envelope.Payload for an "error" event.
type errorPayload struct {
	Message string `json:"message"`
}

func (s *Server) broadcast(e radio.Event) {
	env := envelope{Type: eventKindString(e.Kind), Timestamp: time.Now().Unix()}

	switch e.Kind {
	case radio.EventConnectionChanged:
		env.Payload = connectionPayload{State: e.State.String()}
	case radio.EventSliceUpdated:
		env.Payload = slicePayload{Index: e.Slice.Index, FrequencyHz: e.Slice.FrequencyHz, Mode: e.Slice.Mode}
	case radio.EventError:
		if e.Err != nil {
			env.Payload = errorPayload{Message: e.Err.Error()}
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("debugevents: marshal failed: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for conn, writeMu := range s.clients {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		if err != nil {
			log.Printf("debugevents: write failed, dropping client: %v", err)
		}
	}
}

func eventKindString(k radio.EventKind) string {
	switch k {
	case radio.EventConnectionChanged:
		return "connection_changed"
	case radio.EventSliceUpdated:
		return "slice_updated"
	case radio.EventEQUpdated:
		return "eq_updated"
	case radio.EventAudioStarted:
		return "audio_started"
	case radio.EventAudioStopped:
		return "audio_stopped"
	case radio.EventError:
		return "error"
	default:
		return "unknown"
	}
}
