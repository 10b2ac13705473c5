// Package delivery is the request/response surface for chat operations.
// Every operation tries the realtime hub first and falls back to the REST
// endpoints when the hub is degraded or disconnected.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"carepro-chat/internal/identity"
	"carepro-chat/internal/rest"
	"carepro-chat/internal/transport"
	"carepro-chat/internal/types"

	"github.com/google/uuid"
)

const (
	sendTimeout        = 10 * time.Second
	defaultHistoryTake = 50
)

var (
	ErrInvalidParticipants = errors.New("delivery: senderId and receiverId are required")
	ErrEmptyMessage        = errors.New("delivery: message text must be a non-empty string")
	ErrIDShapedBody        = errors.New("delivery: message text looks like an identifier; arguments may be swapped")
)

var hexIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// Facade coordinates the realtime client and the REST client.
type Facade struct {
	rt  *transport.Client
	api *rest.Client

	history *historyCache
	status  *statusCache
}

func NewFacade(rt *transport.Client, api *rest.Client) *Facade {
	return &Facade{
		rt:      rt,
		api:     api,
		history: newHistoryCache(),
		status:  newStatusCache(),
	}
}

// Send delivers one message and returns the server-issued message id.
// Validation failures are returned immediately and never retried; an
// id-shaped body is rejected because it almost always means the caller
// swapped positional arguments.
func (f *Facade) Send(ctx context.Context, senderID, receiverID, text string) (string, error) {
	if senderID == "" || receiverID == "" {
		return "", ErrInvalidParticipants
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	if looksLikeID(text) {
		log.Printf("[DELIVERY] WARNING: send body %q is id-shaped; rejecting as swapped arguments", text)
		return "", ErrIDShapedBody
	}

	messageID, err := f.sendRealtime(ctx, senderID, receiverID, text)
	if err != nil {
		log.Printf("[DELIVERY] Realtime send unavailable (%v); falling back to REST", err)
		messageID, err = f.api.SendMessage(ctx, senderID, receiverID, text)
		if err != nil {
			return "", fmt.Errorf("delivery: send failed on both channels: %w", err)
		}
	}

	f.history.invalidate(PairKey(senderID, receiverID))
	return messageID, nil
}

func (f *Facade) sendRealtime(ctx context.Context, senderID, receiverID, text string) (string, error) {
	if f.rt.State() != transport.StateConnected {
		return "", transport.ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	raw, err := f.rt.Invoke(callCtx, types.HubSendMessage, senderID, receiverID, text)
	if err != nil {
		return "", err
	}
	return decodeMessageID(raw)
}

// decodeMessageID accepts either a bare JSON string or an object with a
// messageId field; the hub has shipped both shapes.
func decodeMessageID(raw json.RawMessage) (string, error) {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
		return plain, nil
	}
	var wrapped types.SendResponse
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.MessageID != "" {
		return wrapped.MessageID, nil
	}
	return "", errors.New("delivery: hub acknowledged send without a message id")
}

// History returns the message history between two users, newest page
// first requested via skip/take. The result is never an error for "no
// data": callers get an empty list when every channel fails.
func (f *Facade) History(ctx context.Context, userA, userB string, skip, take int) []types.Message {
	if take <= 0 {
		take = defaultHistoryTake
	}

	key := PairKey(userA, userB)
	if skip == 0 {
		if cached, ok := f.history.get(key); ok {
			return cached
		}
	}

	if msgs, err := f.historyFromREST(ctx, userA, userB, skip, take); err == nil {
		if skip == 0 {
			f.history.set(key, msgs)
		}
		return msgs
	} else {
		log.Printf("[DELIVERY] History endpoint failed (%v); trying conversations fallback", err)
	}

	if msgs, err := f.historyFromConversations(ctx, userA, userB); err == nil {
		if skip == 0 {
			f.history.set(key, msgs)
		}
		return msgs
	} else {
		log.Printf("[DELIVERY] Conversations fallback failed (%v); trying realtime", err)
	}

	if msgs, err := f.historyFromRealtime(ctx, userA, userB, skip, take); err == nil {
		return msgs
	} else {
		log.Printf("[DELIVERY] Realtime history failed (%v); returning empty", err)
	}

	return []types.Message{}
}

// InvalidateHistory drops the cached history for a participant pair.
func (f *Facade) InvalidateHistory(userA, userB string) {
	f.history.invalidate(PairKey(userA, userB))
}

func (f *Facade) historyFromREST(ctx context.Context, userA, userB string, skip, take int) ([]types.Message, error) {
	raw, err := f.api.History(ctx, userA, userB, skip, take)
	if err != nil {
		return nil, err
	}
	return normalizeAll(raw), nil
}

func (f *Facade) historyFromConversations(ctx context.Context, userA, userB string) ([]types.Message, error) {
	convs, err := f.api.Conversations(ctx, userA)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if identity.NormalizeID(conv.ParticipantID) == userB {
			return normalizeAll(conv.Messages), nil
		}
	}
	return []types.Message{}, nil
}

func (f *Facade) historyFromRealtime(ctx context.Context, userA, userB string, skip, take int) ([]types.Message, error) {
	if f.rt.State() != transport.StateConnected {
		return nil, transport.ErrNotConnected
	}

	raw, err := f.rt.Invoke(ctx, types.HubGetMessageHistory, userA, userB, skip, take)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("delivery: decode realtime history: %w", err)
	}
	return normalizeAll(items), nil
}

func normalizeAll(raw []map[string]any) []types.Message {
	out := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		out = append(out, identity.NormalizeMessage(item))
	}
	return out
}

// MarkRead reports success as a boolean; "not connected" is an expected
// condition, not an error.
func (f *Facade) MarkRead(ctx context.Context, messageID string) bool {
	if messageID == "" {
		return false
	}
	if f.rt.State() == transport.StateConnected {
		if _, err := f.rt.Invoke(ctx, types.HubMarkMessageRead, messageID); err == nil {
			return true
		}
	}
	if err := f.api.MarkRead(ctx, messageID); err != nil {
		log.Printf("[DELIVERY] MarkRead failed for %s: %v", messageID, err)
		return false
	}
	return true
}

func (f *Facade) MarkAllRead(ctx context.Context, senderID, receiverID string) bool {
	if senderID == "" || receiverID == "" {
		return false
	}
	if f.rt.State() == transport.StateConnected {
		if _, err := f.rt.Invoke(ctx, types.HubMarkAllMessagesRead, senderID, receiverID); err == nil {
			return true
		}
	}
	if err := f.api.MarkAllRead(ctx, senderID, receiverID); err != nil {
		log.Printf("[DELIVERY] MarkAllRead failed: %v", err)
		return false
	}
	return true
}

func (f *Facade) MarkDelivered(ctx context.Context, messageID, userID string) bool {
	if messageID == "" || userID == "" {
		return false
	}
	if f.rt.State() == transport.StateConnected {
		if _, err := f.rt.Invoke(ctx, types.HubMarkDelivered, messageID, userID); err == nil {
			return true
		}
	}
	if err := f.api.MarkDelivered(ctx, messageID, userID); err != nil {
		log.Printf("[DELIVERY] MarkDelivered failed for %s: %v", messageID, err)
		return false
	}
	return true
}

// IsOnline reports a user's presence, degrading to false on any
// transport error.
func (f *Facade) IsOnline(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	if online, ok := f.status.get(userID); ok {
		return online
	}
	if f.rt.State() != transport.StateConnected {
		return false
	}

	raw, err := f.rt.Invoke(ctx, types.HubGetOnlineStatus, userID)
	if err != nil {
		return false
	}
	var online bool
	if err := json.Unmarshal(raw, &online); err != nil {
		return false
	}
	f.status.set(userID, online)
	return online
}

// OnlineUsers lists currently online user ids, degrading to an empty
// list on any transport error.
func (f *Facade) OnlineUsers(ctx context.Context) []string {
	if f.rt.State() != transport.StateConnected {
		return []string{}
	}

	raw, err := f.rt.Invoke(ctx, types.HubGetOnlineUsers)
	if err != nil {
		return []string{}
	}
	var users []string
	if err := json.Unmarshal(raw, &users); err != nil {
		return []string{}
	}
	for _, u := range users {
		f.status.set(u, true)
	}
	return users
}

// DeleteMessage asks the hub to soft-delete a message. Sender-only
// enforcement belongs to the orchestrator, not here.
func (f *Facade) DeleteMessage(ctx context.Context, messageID, requesterID string) bool {
	if messageID == "" || requesterID == "" {
		return false
	}
	if f.rt.State() != transport.StateConnected {
		return false
	}
	if _, err := f.rt.Invoke(ctx, types.HubDeleteMessage, messageID, requesterID); err != nil {
		log.Printf("[DELIVERY] DeleteMessage failed for %s: %v", messageID, err)
		return false
	}
	return true
}

func looksLikeID(text string) bool {
	trimmed := strings.TrimSpace(text)
	if hexIDPattern.MatchString(trimmed) {
		return true
	}
	if strings.HasPrefix(trimmed, "temp-") {
		return true
	}
	if _, err := uuid.Parse(trimmed); err == nil {
		return true
	}
	return false
}
