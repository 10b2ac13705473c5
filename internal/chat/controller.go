// Package chat wires the transport, delivery facade and reducer together
// for one logged-in session and exposes the consumer-facing API.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"carepro-chat/internal/auth"
	"carepro-chat/internal/config"
	"carepro-chat/internal/delivery"
	"carepro-chat/internal/identity"
	"carepro-chat/internal/lifecycle"
	"carepro-chat/internal/rest"
	"carepro-chat/internal/state"
	"carepro-chat/internal/tasks"
	"carepro-chat/internal/transport"
	"carepro-chat/internal/types"
)

const (
	sendFailureTimeout = 30 * time.Second
	historyPageSize    = 50
	// A freshly delivered message forces a reload of the "already
	// selected" conversation for this long.
	selectionRecency = 10 * time.Second
)

var (
	ErrNotInitialized = errors.New("chat: controller not initialized")
	ErrNotSender      = errors.New("chat: only the original sender may delete a message")
	ErrUnknownMessage = errors.New("chat: unknown message id")
)

// Controller is the conversation orchestrator. All components it owns are
// constructed per session and torn down by the cleanup callback returned
// from Initialize.
type Controller struct {
	cfg    *config.Config
	guard  *lifecycle.Manager
	rt     *transport.Client
	api    *rest.Client
	facade *delivery.Facade
	prober *tasks.Prober

	mu            sync.Mutex
	st            state.State
	conversations []types.Conversation
	userID        string
	activeID      string
	initialized   bool
	loading       bool
	lastErr       error
	unsubs        []func()
	sendTimers    map[string]*time.Timer
	pollStop      chan struct{}
}

func NewController(cfg *config.Config) *Controller {
	guard := lifecycle.NewManager()
	rt := transport.NewClient(cfg.HubURL, guard)

	return &Controller{
		cfg:        cfg,
		guard:      guard,
		rt:         rt,
		st:         state.NewState(),
		sendTimers: map[string]*time.Timer{},
	}
}

// Initialize connects the session: subscribes every transport event into
// reducer dispatches, opens the realtime connection and loads the
// conversation list. The returned cleanup must run on logout, otherwise
// the singleton connection leaks.
func (c *Controller) Initialize(ctx context.Context, userID, token string) (func(), error) {
	if userID == "" || token == "" {
		return nil, transport.ErrMissingCredentials
	}
	if claims, err := auth.InspectToken(token); err != nil {
		log.Printf("[CHAT] Could not inspect auth token: %v", err)
	} else if claims.UserID != userID {
		log.Printf("[CHAT] WARNING: token user %s does not match session user %s", claims.UserID, userID)
	}

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil, errors.New("chat: already initialized")
	}
	c.guard.Reset()
	c.userID = userID
	c.api = rest.NewClient(c.cfg.APIBaseURL, token)
	c.facade = delivery.NewFacade(c.rt, c.api)
	c.prober = tasks.NewProber(c.rt, c.cfg.HubURL)
	c.initialized = true
	c.loading = true
	c.mu.Unlock()

	// Handlers registered before the connection exists queue on the
	// transport and flush once connect succeeds.
	c.subscribe(types.EventMessage, c.onMessage)
	c.subscribe(types.EventMessageRead, c.onMessageRead)
	c.subscribe(types.EventMessageDelivered, c.onMessageDelivered)
	c.subscribe(types.EventMessageDeleted, c.onMessageDeleted)
	c.subscribe(types.EventUserStatusChanged, c.onUserStatusChanged)
	c.subscribe(types.EventAllMessagesRead, c.onAllMessagesRead)

	if err := c.rt.Connect(ctx, userID, token); err != nil {
		// Degraded start: the facade still works over REST while the
		// transport keeps retrying per its backoff policy.
		log.Printf("[CHAT] Realtime connect failed (%v); continuing in REST-only mode", err)
		c.setErr(err)
	}

	c.prober.Start()
	c.refreshConversations(ctx)

	c.mu.Lock()
	c.loading = false
	if c.cfg.PollFallback {
		c.pollStop = make(chan struct{})
		go c.pollLoop(c.pollStop)
	}
	c.mu.Unlock()

	return c.teardown, nil
}

func (c *Controller) teardown() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	timers := c.sendTimers
	c.sendTimers = map[string]*time.Timer{}
	pollStop := c.pollStop
	c.pollStop = nil
	prober := c.prober
	c.initialized = false
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, t := range timers {
		t.Stop()
	}
	if pollStop != nil {
		close(pollStop)
	}
	if prober != nil {
		prober.Stop()
	}

	c.rt.Disconnect()
	c.guard.Destroy()
	log.Printf("[CHAT] Session torn down")
}

func (c *Controller) subscribe(event string, handler transport.Handler) {
	unsub := c.rt.On(event, handler)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
}

// Send performs the optimistic insert, dispatches the realtime-first
// delivery and promotes the temporary id on acknowledgment. A late ack
// for a message already timed out is applied only if the record is still
// in sending or failed state.
func (c *Controller) Send(ctx context.Context, receiverID, text string) (string, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return "", ErrNotInitialized
	}
	userID := c.userID
	c.mu.Unlock()

	tempID := fmt.Sprintf("temp-%d", time.Now().UnixMilli())
	now := time.Now().UTC().Format(time.RFC3339)
	optimistic := types.Message{
		ID:         tempID,
		SenderID:   userID,
		ReceiverID: receiverID,
		Content:    text,
		Timestamp:  now,
		Status:     types.StatusSending,
	}
	c.dispatch(state.Action{Type: state.ActionAddMessage, Message: optimistic})

	timer := time.AfterFunc(sendFailureTimeout, func() {
		if c.messageStatus(tempID) == types.StatusSending {
			log.Printf("[CHAT] Send timed out locally; marking %s failed", tempID)
			c.dispatch(state.Action{
				Type:      state.ActionUpdateMessageStatus,
				MessageID: tempID,
				Status:    types.StatusFailed,
			})
		}
	})
	c.mu.Lock()
	c.sendTimers[tempID] = timer
	c.mu.Unlock()

	serverID, err := c.facade.Send(ctx, userID, receiverID, text)

	c.mu.Lock()
	if t, ok := c.sendTimers[tempID]; ok {
		t.Stop()
		delete(c.sendTimers, tempID)
	}
	c.mu.Unlock()

	if err != nil {
		c.dispatch(state.Action{
			Type:      state.ActionUpdateMessageStatus,
			MessageID: tempID,
			Status:    types.StatusFailed,
		})
		c.setErr(err)
		return "", err
	}

	// Ignore the ack if the record left sending/failed in the meantime.
	if s := c.messageStatus(tempID); s == types.StatusSending || s == types.StatusFailed {
		c.dispatch(state.Action{
			Type:      state.ActionUpdateMessageStatus,
			MessageID: tempID,
			NewID:     serverID,
			Status:    types.StatusSent,
		})
	}

	c.touchConversation(context.Background(), receiverID, text, now)
	return serverID, nil
}

// SelectConversation makes a conversation active and loads its history.
// Selecting the already-active conversation is a no-op unless forced or a
// message arrived for it within the last ten seconds.
func (c *Controller) SelectConversation(ctx context.Context, conversationID string, force bool) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	userID := c.userID
	already := c.activeID == conversationID
	recent := c.st.LastUpdate > 0 &&
		time.Since(time.UnixMilli(c.st.LastUpdate)) < selectionRecency
	if already && !force && !recent {
		c.mu.Unlock()
		return nil
	}
	c.activeID = conversationID
	c.mu.Unlock()

	if !already {
		c.dispatch(state.Action{Type: state.ActionClearChatMessages})
	}
	c.dispatch(state.Action{Type: state.ActionResetUnreadCount, ConversationID: conversationID})
	c.zeroConversationUnread(conversationID)

	msgs := c.facade.History(ctx, userID, conversationID, 0, historyPageSize)
	c.dispatch(state.Action{Type: state.ActionSetMessages, Messages: msgs})

	c.facade.MarkAllRead(ctx, conversationID, userID)
	return nil
}

// DeleteMessage soft-deletes a message. Only the original sender may
// delete; the content is replaced with a tombstone, never removed.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	userID := c.userID
	var found *types.Message
	for i := range c.st.Messages {
		if c.st.Messages[i].ID == messageID {
			msg := c.st.Messages[i]
			found = &msg
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		return ErrUnknownMessage
	}
	if found.SenderID != userID {
		return ErrNotSender
	}

	if !c.facade.DeleteMessage(ctx, messageID, userID) {
		log.Printf("[CHAT] Hub delete failed for %s; applying local tombstone only", messageID)
	}
	c.dispatch(state.Action{Type: state.ActionMessageDeleted, MessageID: messageID})
	return nil
}

// ---- read-only state surface ----

func (c *Controller) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.st.Messages))
	copy(out, c.st.Messages)
	return out
}

func (c *Controller) Conversations() []types.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

func (c *Controller) UnreadMessages() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.st.UnreadMessages))
	for k, v := range c.st.UnreadMessages {
		out[k] = v
	}
	return out
}

func (c *Controller) ConnectionState() transport.State {
	return c.rt.State()
}

func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// ---- transport event handlers ----

func (c *Controller) onMessage(payload json.RawMessage) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Printf("[CHAT] Dropping malformed message event: %v", err)
		return
	}
	msg := identity.NormalizeMessage(raw)

	c.mu.Lock()
	isActive := msg.SenderID == c.activeID
	userID := c.userID
	c.mu.Unlock()

	c.dispatch(state.Action{
		Type:         state.ActionNewMessageReceived,
		Message:      msg,
		SenderID:     msg.SenderID,
		IsActiveChat: isActive,
	})

	c.facade.InvalidateHistory(msg.SenderID, msg.ReceiverID)
	if !isActive {
		c.bumpConversationUnread(msg.SenderID)
	}

	// Acks and the partner lookup invoke the hub and the REST API; they
	// must not run on the transport's read goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if msg.ReceiverID == userID && msg.ID != "" {
			c.facade.MarkDelivered(ctx, msg.ID, userID)
		}
		c.touchConversation(ctx, msg.SenderID, msg.Content, msg.Timestamp)
	}()
}

func (c *Controller) onMessageRead(payload json.RawMessage) {
	var ev struct {
		MessageID string `json:"messageId"`
		ReadAt    string `json:"readAt"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.ReadAt == "" {
		ev.ReadAt = time.Now().UTC().Format(time.RFC3339)
	}
	c.dispatch(state.Action{
		Type:      state.ActionUpdateMessageStatus,
		MessageID: identity.NormalizeID(ev.MessageID),
		Status:    types.StatusRead,
		ReadAt:    ev.ReadAt,
	})
}

func (c *Controller) onMessageDelivered(payload json.RawMessage) {
	var ev struct {
		MessageID   string `json:"messageId"`
		DeliveredAt string `json:"deliveredAt"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.DeliveredAt == "" {
		ev.DeliveredAt = time.Now().UTC().Format(time.RFC3339)
	}
	c.dispatch(state.Action{
		Type:        state.ActionUpdateMessageStatus,
		MessageID:   identity.NormalizeID(ev.MessageID),
		Status:      types.StatusDelivered,
		DeliveredAt: ev.DeliveredAt,
	})
}

func (c *Controller) onMessageDeleted(payload json.RawMessage) {
	var ev struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	c.dispatch(state.Action{
		Type:      state.ActionMessageDeleted,
		MessageID: identity.NormalizeID(ev.MessageID),
	})
}

func (c *Controller) onUserStatusChanged(payload json.RawMessage) {
	var ev struct {
		UserID   string `json:"userId"`
		IsOnline bool   `json:"isOnline"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	c.mu.Lock()
	for i := range c.conversations {
		if c.conversations[i].ID == ev.UserID {
			c.conversations[i].IsOnline = ev.IsOnline
			break
		}
	}
	c.mu.Unlock()
}

func (c *Controller) onAllMessagesRead(payload json.RawMessage) {
	var ev struct {
		SenderID   string `json:"senderId"`
		ReceiverID string `json:"receiverId"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}

	readAt := time.Now().UTC().Format(time.RFC3339)
	c.mu.Lock()
	var ids []string
	for _, msg := range c.st.Messages {
		if msg.SenderID == ev.ReceiverID && msg.Status != types.StatusRead {
			ids = append(ids, msg.ID)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.dispatch(state.Action{
			Type:      state.ActionUpdateMessageStatus,
			MessageID: id,
			Status:    types.StatusRead,
			ReadAt:    readAt,
		})
	}
}

// ---- conversation list maintenance ----

func (c *Controller) refreshConversations(ctx context.Context) {
	c.mu.Lock()
	userID := c.userID
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return
	}

	dtos, err := api.Conversations(ctx, userID)
	if err != nil {
		log.Printf("[CHAT] Could not load conversations: %v", err)
		c.setErr(err)
		return
	}

	convs := make([]types.Conversation, 0, len(dtos))
	for _, dto := range dtos {
		convs = append(convs, types.Conversation{
			ID:          identity.NormalizeID(dto.ParticipantID),
			Name:        dto.ParticipantName,
			LastMessage: dto.LastMessage,
			Timestamp:   dto.Timestamp,
			UnreadCount: dto.UnreadCount,
		})
	}

	c.mu.Lock()
	c.conversations = convs
	c.lastErr = nil
	c.mu.Unlock()
	log.Printf("[CHAT] Loaded %d conversations", len(convs))
}

// touchConversation updates the summary for a counterpart, creating it
// lazily (with a user lookup, or a synthesized entry when the lookup
// fails) the first time a message is exchanged.
func (c *Controller) touchConversation(ctx context.Context, partnerID, lastMessage, timestamp string) {
	if partnerID == "" {
		return
	}
	c.mu.Lock()
	if partnerID == c.userID {
		c.mu.Unlock()
		return
	}
	for i := range c.conversations {
		if c.conversations[i].ID == partnerID {
			c.conversations[i].LastMessage = lastMessage
			c.conversations[i].Timestamp = timestamp
			c.mu.Unlock()
			return
		}
	}
	api := c.api
	c.mu.Unlock()

	conv := types.Conversation{
		ID:          partnerID,
		Name:        "User " + shortID(partnerID),
		LastMessage: lastMessage,
		Timestamp:   timestamp,
	}
	if api != nil {
		if user, err := api.User(ctx, partnerID); err == nil {
			conv.Name = displayName(user)
			conv.IsOnline = user.IsOnline
		} else {
			log.Printf("[CHAT] User lookup failed for %s; using placeholder entry: %v", partnerID, err)
		}
	}

	c.mu.Lock()
	c.conversations = append(c.conversations, conv)
	c.mu.Unlock()
}

func (c *Controller) bumpConversationUnread(partnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.conversations {
		if c.conversations[i].ID == partnerID {
			c.conversations[i].UnreadCount++
			return
		}
	}
}

func (c *Controller) zeroConversationUnread(partnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.conversations {
		if c.conversations[i].ID == partnerID {
			c.conversations[i].UnreadCount = 0
			return
		}
	}
}

// pollLoop is the optional REST fallback: it refreshes the conversation
// list on an interval, but only while the realtime channel is down.
func (c *Controller) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("[CHAT] Polling fallback armed (every %s)", c.cfg.PollInterval)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.rt.State() == transport.StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.refreshConversations(ctx)
			cancel()
		}
	}
}

// ---- helpers ----

func (c *Controller) dispatch(a state.Action) {
	c.mu.Lock()
	c.st = state.Apply(c.st, a)
	c.mu.Unlock()
}

func (c *Controller) messageStatus(id string) types.MessageStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.st.Messages {
		if c.st.Messages[i].ID == id {
			return c.st.Messages[i].Status
		}
	}
	return ""
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func displayName(u *types.UserDTO) string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Email
	}
	if name == "" {
		name = "User " + shortID(u.ID)
	}
	return name
}

func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}
