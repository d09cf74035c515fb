// Package inspector is a read-only, opt-in localhost state-streaming server:
// it upgrades HTTP connections to WebSocket and broadcasts a JSON snapshot of
// the machine's status line (PC and title), ROM title and last CPU error to
// every connected client each time Publish is called. It accepts no messages from clients and can never mutate the
// machine it watches.
package inspector

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mattgale/gbcore/internal/emu"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 16,
	CheckOrigin:     func(r *http.Request) bool { return true }, // localhost debug tool, not a public endpoint
}

// Snapshot is the JSON shape broadcast to connected clients.
type Snapshot struct {
	Status string `json:"status"`
	ROM    string `json:"rom"`
	Error  string `json:"error,omitempty"`
}

// Server streams Machine snapshots to any number of connected WebSocket
// clients. It is a pure observer: nothing it receives from a client is acted
// upon, and Publish is the only way data reaches a client.
type Server struct {
	m *emu.Machine

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// New wraps m for inspection. m is read via its public accessors only.
func New(m *emu.Machine) *Server {
	return &Server{m: m, clients: make(map[*websocket.Conn]bool)}
}

// ListenAndServe blocks, serving the "/ws" upgrade endpoint on addr (e.g.
// "127.0.0.1:6060"). Call it in its own goroutine.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// Clients never send meaningful data; drain and drop the connection
	// the moment a read fails (client closed).
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// Publish broadcasts the machine's current state to every connected client.
// Call it as often as desired (e.g. once per frame, or once per second).
func (s *Server) Publish() {
	snap := Snapshot{Status: s.m.Status(), ROM: s.m.ROMTitle()}
	if err := s.m.LastError(); err != nil {
		snap.Error = err.Error()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("inspector: marshal snapshot: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
