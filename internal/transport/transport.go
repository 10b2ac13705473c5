// Package transport owns the single realtime connection to the chat hub.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"carepro-chat/internal/lifecycle"
	"carepro-chat/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnecting State = "disconnecting"
)

const (
	connectTimeout     = 20 * time.Second
	invokeTimeout      = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
	heartbeatDeadline  = 60 * time.Second
	maxHeartbeatMisses = 3
	maxConsecutiveFail = 5
)

var (
	ErrMissingCredentials = errors.New("transport: userId and authToken are required")
	ErrNotConnected       = errors.New("transport: not connected")
	ErrServerUnavailable  = errors.New("transport: chat server unavailable")
	ErrConnectTimeout     = errors.New("transport: connection attempt timed out")
)

// Handler receives the raw payload of one hub event.
type Handler func(payload json.RawMessage)

// connectAttempt lets concurrent Connect callers join one in-flight
// dial. err is written once before done is closed.
type connectAttempt struct {
	done chan struct{}
	err  error
}

type subscription struct {
	event   string
	handler Handler
	removed bool
}

// Client is the realtime hub client. One Client exists per logged-in
// session; the injected lifecycle.Manager prevents a second concurrent
// connection attempt from any call site.
type Client struct {
	hubURL string
	dialer *websocket.Dialer
	guard  *lifecycle.Manager

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	userID       string
	token        string
	intentional  bool
	attempt      *connectAttempt
	readCancel   context.CancelFunc

	handlersMu sync.Mutex
	active     map[string][]*subscription
	pending    []*subscription

	invokeMu    sync.Mutex
	invocations map[string]chan Envelope

	writeMu sync.Mutex

	failMu           sync.Mutex
	consecutiveFails int
	reconnectAttempt int
	unavailable      bool
	heartbeatStop    chan struct{}
}

func NewClient(hubURL string, guard *lifecycle.Manager) *Client {
	return &Client{
		hubURL: hubURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			ReadBufferSize:   512,
			WriteBufferSize:  512,
		},
		guard:       guard,
		state:       StateDisconnected,
		active:      make(map[string][]*subscription),
		invocations: make(map[string]chan Envelope),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// ServerUnavailable reports whether the hub has been latched unavailable
// (404-class failure or too many consecutive errors). While latched the
// client makes no autonomous reconnect attempts.
func (c *Client) ServerUnavailable() bool {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.unavailable
}

// MarkServerAvailable clears the unavailable latch and, when a session
// holds credentials, resumes reconnection. Called by the availability
// prober once the hub answers again.
func (c *Client) MarkServerAvailable() {
	c.failMu.Lock()
	c.unavailable = false
	c.consecutiveFails = 0
	c.reconnectAttempt = 0
	c.failMu.Unlock()
	log.Printf("[TRANSPORT] Server marked available again")

	c.mu.Lock()
	resume := c.userID != "" && !c.intentional && c.state == StateDisconnected
	c.mu.Unlock()
	if resume {
		c.scheduleReconnect()
	}
}

// Connect establishes the hub connection. A second caller while an
// attempt is in flight waits on that attempt instead of starting a new
// one. Already-connected calls are no-ops.
func (c *Client) Connect(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return ErrMissingCredentials
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		att := c.attempt
		c.mu.Unlock()
		return waitAttempt(ctx, att)
	}

	if !c.guard.StartAttempt() {
		att := c.attempt
		c.mu.Unlock()
		if att == nil {
			return errors.New("transport: connection attempt already in progress")
		}
		return waitAttempt(ctx, att)
	}

	c.state = StateConnecting
	c.intentional = false
	c.userID = userID
	c.token = token
	att := &connectAttempt{done: make(chan struct{})}
	c.attempt = att
	c.mu.Unlock()

	err := c.dial(ctx, userID, token)

	if err != nil {
		c.guard.EndAttempt("")
	} else {
		c.guard.EndAttempt(c.ConnectionID())
	}

	c.mu.Lock()
	att.err = err
	if c.attempt == att {
		c.attempt = nil
	}
	c.mu.Unlock()
	close(att.done)

	if err != nil {
		// Transient connect failures retry on the backoff policy; a
		// latched-unavailable server waits for the probe instead.
		c.scheduleReconnect()
	}
	return err
}

func waitAttempt(ctx context.Context, att *connectAttempt) error {
	if att == nil {
		return nil
	}
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context, userID, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	log.Printf("[TRANSPORT] Dialing chat hub at %s", c.hubURL)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.hubURL, header)
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			c.markUnavailable("hub endpoint returned 404")
			return ErrServerUnavailable
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			c.recordFailure()
			return ErrConnectTimeout
		}
		c.recordFailure()
		return fmt.Errorf("transport: dial failed: %w", err)
	}

	connID := uuid.NewString()

	c.mu.Lock()
	c.conn = conn
	c.connectionID = connID
	c.state = StateConnected
	readCtx, readCancel := context.WithCancel(context.Background())
	c.readCancel = readCancel
	c.mu.Unlock()

	c.failMu.Lock()
	c.consecutiveFails = 0
	c.reconnectAttempt = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.failMu.Unlock()

	go c.readLoop(readCtx, conn)

	// Register before anything else so the hub can route pushes to us.
	regCtx, regCancel := context.WithTimeout(ctx, invokeTimeout)
	_, regErr := c.Invoke(regCtx, types.HubRegisterConnection, userID)
	regCancel()
	if regErr != nil {
		log.Printf("[TRANSPORT] WARNING: RegisterConnection failed: %v", regErr)
	}

	c.flushPendingHandlers()
	go c.heartbeatLoop(stop)

	log.Printf("[TRANSPORT] ✅ Connected (connection %s)", connID)
	c.emit(types.EventConnected, nil)
	return nil
}

// Disconnect closes the connection. Safe to call at any time, including
// when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.intentional = true
	conn := c.conn
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	c.mu.Unlock()

	c.stopHeartbeat()
	c.guard.ClearTimeout()
	c.failInvocations()

	c.handlersMu.Lock()
	c.pending = nil
	c.handlersMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.setState(StateDisconnected)
	log.Printf("[TRANSPORT] Disconnected")
}

// ForceReconnect resets the failure counters and dials again. Required
// after the consecutive-failure cap stops autonomous retrying.
func (c *Client) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	userID, token := c.userID, c.token
	c.mu.Unlock()

	if userID == "" || token == "" {
		return ErrMissingCredentials
	}

	c.Disconnect()
	c.failMu.Lock()
	c.consecutiveFails = 0
	c.reconnectAttempt = 0
	c.failMu.Unlock()

	c.mu.Lock()
	c.intentional = false
	c.mu.Unlock()

	return c.Connect(ctx, userID, token)
}

// On registers a handler for event. Registration works before the
// connection exists: handlers queue and flush once connect succeeds. The
// returned function unsubscribes from both the live registry and the
// pending queue.
func (c *Client) On(event string, handler Handler) func() {
	sub := &subscription{event: event, handler: handler}

	c.handlersMu.Lock()
	if c.State() == StateConnected {
		c.active[event] = append(c.active[event], sub)
	} else {
		c.pending = append(c.pending, sub)
	}
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		sub.removed = true
		c.active[sub.event] = removeSub(c.active[sub.event], sub)
		c.pending = removeSub(c.pending, sub)
	}
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) flushPendingHandlers() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if len(c.pending) == 0 {
		return
	}
	log.Printf("[TRANSPORT] Flushing %d pending handlers", len(c.pending))
	for _, sub := range c.pending {
		if !sub.removed {
			c.active[sub.event] = append(c.active[sub.event], sub)
		}
	}
	c.pending = nil
}

func (c *Client) emit(event string, payload json.RawMessage) {
	c.handlersMu.Lock()
	subs := make([]*subscription, len(c.active[event]))
	copy(subs, c.active[event])
	c.handlersMu.Unlock()

	for _, sub := range subs {
		if !sub.removed {
			sub.handler(payload)
		}
	}
}

// Invoke calls a hub method and waits for its completion frame.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal arguments for %s: %w", target, err)
	}

	id := uuid.NewString()
	reply := make(chan Envelope, 1)
	c.invokeMu.Lock()
	c.invocations[id] = reply
	c.invokeMu.Unlock()

	env := Envelope{
		Type:         frameInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    rawArgs,
	}
	if err := c.write(conn, env); err != nil {
		c.dropInvocation(id)
		return nil, fmt.Errorf("transport: write %s: %w", target, err)
	}

	select {
	case completion, ok := <-reply:
		if !ok {
			return nil, ErrNotConnected
		}
		if completion.Error != "" {
			return nil, fmt.Errorf("transport: %s: %s", target, completion.Error)
		}
		return completion.Result, nil
	case <-ctx.Done():
		c.dropInvocation(id)
		return nil, ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}

func (c *Client) dropInvocation(id string) {
	c.invokeMu.Lock()
	delete(c.invocations, id)
	c.invokeMu.Unlock()
}

func (c *Client) failInvocations() {
	c.invokeMu.Lock()
	for id, ch := range c.invocations {
		close(ch)
		delete(c.invocations, id)
	}
	c.invokeMu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(heartbeatDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatDeadline))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleReadFailure(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatDeadline))

		switch env.Type {
		case frameCompletion:
			c.invokeMu.Lock()
			reply, ok := c.invocations[env.InvocationID]
			if ok {
				delete(c.invocations, env.InvocationID)
			}
			c.invokeMu.Unlock()
			if ok {
				reply <- env
			}
		case frameEvent:
			if name, ok := types.HubEventTargets[env.Target]; ok {
				c.emit(name, env.Payload)
			} else {
				log.Printf("[TRANSPORT] Ignoring unknown event target %q", env.Target)
			}
		case framePong:
			// App-level pongs are completions of the Ping invocation;
			// nothing to do for a bare pong frame.
		default:
			log.Printf("[TRANSPORT] Ignoring frame type %q", env.Type)
		}
	}
}

func (c *Client) handleReadFailure(err error) {
	c.mu.Lock()
	intentional := c.intentional
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.stopHeartbeat()
	c.failInvocations()

	if intentional {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Printf("[TRANSPORT] Unexpected close: %v", err)
	} else {
		log.Printf("[TRANSPORT] Read failed: %v", err)
	}

	c.emit(types.EventDisconnected, nil)
	c.recordFailure()
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	intentional := c.intentional
	c.mu.Unlock()
	if intentional {
		return
	}

	c.failMu.Lock()
	if c.unavailable {
		c.failMu.Unlock()
		log.Printf("[TRANSPORT] Server unavailable; reconnect suspended until probe succeeds")
		return
	}
	attempt := c.reconnectAttempt
	c.reconnectAttempt++
	c.failMu.Unlock()

	if !ShouldReconnect(attempt) {
		log.Printf("[TRANSPORT] Reconnect abandoned after %d attempts; ForceReconnect required", attempt)
		c.setState(StateDisconnected)
		return
	}

	delay := ReconnectDelay(attempt)
	c.setState(StateReconnecting)
	c.emit(types.EventReconnecting, nil)
	log.Printf("[TRANSPORT] Reconnecting in %s (attempt %d)", delay, attempt+1)

	c.guard.SetTimeout(func() {
		c.mu.Lock()
		userID, token := c.userID, c.token
		c.state = StateDisconnected
		c.mu.Unlock()

		// A failed Connect schedules the next attempt itself.
		if err := c.Connect(context.Background(), userID, token); err != nil {
			log.Printf("[TRANSPORT] Reconnect attempt failed: %v", err)
			return
		}
		c.emit(types.EventReconnected, nil)
	}, delay)
}

func (c *Client) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
			_, err := c.Invoke(ctx, types.HubPing)
			cancel()
			if err == nil {
				misses = 0
				continue
			}

			misses++
			log.Printf("[TRANSPORT] Heartbeat miss %d/%d: %v", misses, maxHeartbeatMisses, err)
			c.recordFailure()
			if c.ServerUnavailable() {
				log.Printf("[TRANSPORT] Health checks suspended: server unavailable")
				return
			}
			if misses >= maxHeartbeatMisses {
				log.Printf("[TRANSPORT] Heartbeat lost; forcing reconnect")
				go func() {
					if err := c.ForceReconnect(context.Background()); err != nil {
						log.Printf("[TRANSPORT] Heartbeat reconnect failed: %v", err)
					}
				}()
				return
			}
		}
	}
}

func (c *Client) stopHeartbeat() {
	c.failMu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.failMu.Unlock()
}

func (c *Client) recordFailure() {
	c.failMu.Lock()
	c.consecutiveFails++
	fails := c.consecutiveFails
	latch := fails >= maxConsecutiveFail && !c.unavailable
	if latch {
		c.unavailable = true
	}
	c.failMu.Unlock()

	if latch {
		log.Printf("[TRANSPORT] %d consecutive failures; marking server unavailable", fails)
	}
}

func (c *Client) markUnavailable(reason string) {
	c.failMu.Lock()
	already := c.unavailable
	c.unavailable = true
	c.failMu.Unlock()
	if !already {
		log.Printf("[TRANSPORT] Server unavailable: %s", reason)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
