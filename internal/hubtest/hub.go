// Package hubtest provides an in-process chat hub speaking the client's
// wire protocol, for use in tests.
package hubtest

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Type         string            `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
}

// HandlerFunc answers one hub invocation.
type HandlerFunc func(args []json.RawMessage) (any, error)

// Server is a fake chat hub. Invocation targets answer via registered
// handlers; unhandled targets complete with a null result so clients
// never hang waiting.
type Server struct {
	hs       *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	conns    []*hubConn

	dialCount  int32
	dialDelay  time.Duration
	rejectWith int
}

type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: map[string]HandlerFunc{},
	}
	s.hs = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the websocket address of the hub.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, hc := range conns {
		hc.conn.Close()
	}
	s.hs.Close()
}

// Handle registers the answer for one invocation target.
func (s *Server) Handle(target string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[target] = fn
	s.mu.Unlock()
}

// SetDialDelay delays the websocket upgrade, widening the connect race
// window for single-flight tests.
func (s *Server) SetDialDelay(d time.Duration) {
	s.mu.Lock()
	s.dialDelay = d
	s.mu.Unlock()
}

// RejectWith makes the endpoint answer every dial with an HTTP status
// instead of upgrading.
func (s *Server) RejectWith(status int) {
	s.mu.Lock()
	s.rejectWith = status
	s.mu.Unlock()
}

// DialCount reports how many connection attempts reached the hub.
func (s *Server) DialCount() int {
	return int(atomic.LoadInt32(&s.dialCount))
}

// Push sends an event to every connected client.
func (s *Server) Push(target string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[HUBTEST] Could not marshal push payload: %v", err)
		return
	}
	env := envelope{Type: "event", Target: target, Payload: raw}

	s.mu.Lock()
	conns := make([]*hubConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, hc := range conns {
		hc.write(env)
	}
}

// ConnCount reports currently attached clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.dialCount, 1)

	s.mu.Lock()
	delay := s.dialDelay
	reject := s.rejectWith
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUBTEST] Upgrade error: %v", err)
		return
	}

	hc := &hubConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, hc)
	s.mu.Unlock()

	go s.readLoop(hc)
}

func (s *Server) readLoop(hc *hubConn) {
	defer func() {
		s.mu.Lock()
		for i, other := range s.conns {
			if other == hc {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		hc.conn.Close()
	}()

	for {
		var env envelope
		if err := hc.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != "invocation" {
			continue
		}

		s.mu.Lock()
		handler := s.handlers[env.Target]
		s.mu.Unlock()

		completion := envelope{Type: "completion", InvocationID: env.InvocationID}
		if handler != nil {
			result, err := handler(env.Arguments)
			if err != nil {
				completion.Error = err.Error()
			} else if result != nil {
				raw, merr := json.Marshal(result)
				if merr != nil {
					completion.Error = merr.Error()
				} else {
					completion.Result = raw
				}
			}
		}
		hc.write(completion)
	}
}

func (hc *hubConn) write(env envelope) {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	hc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := hc.conn.WriteJSON(env); err != nil {
		log.Printf("[HUBTEST] Write error: %v", err)
	}
}
