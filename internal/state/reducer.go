// Package state holds the message state machine. Apply is a pure
// transition function: it never mutates its input, so every snapshot
// handed to the UI layer stays stable.
package state

import (
	"sort"
	"strings"
	"time"

	"carepro-chat/internal/identity"
	"carepro-chat/internal/types"
)

type ActionType string

const (
	ActionNewMessageReceived  ActionType = "NEW_MESSAGE_RECEIVED"
	ActionAddMessage          ActionType = "ADD_MESSAGE"
	ActionUpdateMessageStatus ActionType = "UPDATE_MESSAGE_STATUS"
	ActionMessageDeleted      ActionType = "MESSAGE_DELETED"
	ActionSetMessages         ActionType = "SET_MESSAGES"
	ActionClearChatMessages   ActionType = "CLEAR_CHAT_MESSAGES"
	ActionClearMessages       ActionType = "CLEAR_MESSAGES"
	ActionResetUnreadCount    ActionType = "RESET_UNREAD_COUNT"
)

// Action carries one reducer input. Raw takes priority over Message so
// external shapes pass through the identity boundary exactly once.
type Action struct {
	Type ActionType

	Raw      map[string]any
	Message  types.Message
	Messages []types.Message

	MessageID   string
	NewID       string
	Status      types.MessageStatus
	Timestamp   string
	DeliveredAt string
	ReadAt      string

	SenderID       string
	IsActiveChat   bool
	ConversationID string
}

// State is the reducer-owned aggregate. MessageIDs always holds exactly
// the ids present in Messages; LastUpdate is a change token with no
// business meaning beyond forcing downstream re-evaluation.
type State struct {
	Messages             []types.Message
	MessageIDs           map[string]struct{}
	UnreadMessages       map[string]int
	LastMessageTimestamp string
	LastUpdate           int64
}

func NewState() State {
	return State{
		Messages:       []types.Message{},
		MessageIDs:     map[string]struct{}{},
		UnreadMessages: map[string]int{},
	}
}

// Apply computes the next state. Actions referencing unknown message ids
// are safe no-ops.
func Apply(s State, a Action) State {
	switch a.Type {
	case ActionNewMessageReceived:
		return applyNewMessage(s, a)
	case ActionAddMessage:
		return applyAddMessage(s, a)
	case ActionUpdateMessageStatus:
		return applyStatusUpdate(s, a)
	case ActionMessageDeleted:
		return applyDeleted(s, a)
	case ActionSetMessages:
		return applySetMessages(s, a)
	case ActionClearChatMessages, ActionClearMessages:
		next := s
		next.Messages = []types.Message{}
		next.MessageIDs = map[string]struct{}{}
		next.LastUpdate = changeToken(s.LastUpdate)
		return next
	case ActionResetUnreadCount:
		if a.ConversationID == "" {
			return s
		}
		next := s
		next.UnreadMessages = cloneCounts(s.UnreadMessages)
		next.UnreadMessages[a.ConversationID] = 0
		next.LastUpdate = changeToken(s.LastUpdate)
		return next
	}
	return s
}

func applyNewMessage(s State, a Action) State {
	msg := resolveMessage(a)
	if msg.ID == "" {
		return s
	}
	if _, dup := s.MessageIDs[msg.ID]; dup {
		// The realtime channel and the REST fallback may both deliver
		// the same message; the second arrival is dropped here.
		return s
	}

	next := s
	next.Messages = appendSorted(s.Messages, msg)
	next.MessageIDs = cloneIDsWith(s.MessageIDs, msg.ID)
	next.LastMessageTimestamp = newestTimestamp(s.LastMessageTimestamp, msg.Timestamp)
	next.LastUpdate = changeToken(s.LastUpdate)

	sender := a.SenderID
	if sender == "" {
		sender = msg.SenderID
	}
	if sender != "" && !a.IsActiveChat {
		next.UnreadMessages = cloneCounts(s.UnreadMessages)
		next.UnreadMessages[sender]++
	}
	return next
}

func applyAddMessage(s State, a Action) State {
	msg := resolveMessage(a)
	if msg.ID == "" {
		return s
	}
	if _, dup := s.MessageIDs[msg.ID]; dup {
		return s
	}

	next := s
	next.Messages = appendSorted(s.Messages, msg)
	next.MessageIDs = cloneIDsWith(s.MessageIDs, msg.ID)
	next.LastMessageTimestamp = newestTimestamp(s.LastMessageTimestamp, msg.Timestamp)
	next.LastUpdate = changeToken(s.LastUpdate)
	return next
}

func applyStatusUpdate(s State, a Action) State {
	idx := indexOf(s.Messages, a.MessageID)
	if idx < 0 {
		return s
	}

	next := s
	next.Messages = cloneMessages(s.Messages)
	msg := &next.Messages[idx]

	if a.Status != "" {
		msg.Status = a.Status
	}
	if a.Timestamp != "" {
		msg.Timestamp = a.Timestamp
	}
	if a.DeliveredAt != "" {
		msg.DeliveredAt = a.DeliveredAt
	}
	if a.ReadAt != "" {
		msg.ReadAt = a.ReadAt
	}

	if a.NewID != "" && a.NewID != a.MessageID {
		if _, taken := s.MessageIDs[a.NewID]; taken {
			// The server's copy already arrived over the push channel;
			// drop the local record instead of duplicating the id.
			next.Messages = append(next.Messages[:idx], next.Messages[idx+1:]...)
			ids := cloneIDs(s.MessageIDs)
			delete(ids, a.MessageID)
			next.MessageIDs = ids
			next.LastUpdate = changeToken(s.LastUpdate)
			return next
		}
		// One-time temp-id to server-id promotion: the id set swap and
		// the list rewrite happen in the same transition.
		msg.ID = a.NewID
		ids := cloneIDs(s.MessageIDs)
		delete(ids, a.MessageID)
		ids[a.NewID] = struct{}{}
		next.MessageIDs = ids
	}

	next.LastUpdate = changeToken(s.LastUpdate)
	return next
}

func applyDeleted(s State, a Action) State {
	idx := indexOf(s.Messages, a.MessageID)
	if idx < 0 {
		return s
	}

	next := s
	next.Messages = cloneMessages(s.Messages)
	next.Messages[idx].IsDeleted = true
	next.Messages[idx].Content = types.DeletedPlaceholder
	next.LastUpdate = changeToken(s.LastUpdate)
	return next
}

// applySetMessages replaces the list with a freshly loaded conversation,
// keeping any still-optimistic local sends the server does not know
// about yet so a concurrent history refresh cannot discard them.
func applySetMessages(s State, a Action) State {
	ids := map[string]struct{}{}
	combined := make([]types.Message, 0, len(a.Messages)+2)

	for _, msg := range a.Messages {
		if msg.ID == "" {
			continue
		}
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		combined = append(combined, msg)
	}

	for _, msg := range s.Messages {
		if _, present := ids[msg.ID]; present {
			continue
		}
		if msg.Status == types.StatusSending || strings.HasPrefix(msg.ID, "temp-") {
			ids[msg.ID] = struct{}{}
			combined = append(combined, msg)
		}
	}

	sortMessages(combined)

	next := s
	next.Messages = combined
	next.MessageIDs = ids
	if len(combined) > 0 {
		next.LastMessageTimestamp = combined[len(combined)-1].Timestamp
	}
	next.LastUpdate = changeToken(s.LastUpdate)
	return next
}

func resolveMessage(a Action) types.Message {
	if a.Raw != nil {
		return identity.NormalizeMessage(a.Raw)
	}
	msg := a.Message
	msg.ID = identity.NormalizeID(msg.ID)
	return msg
}

func indexOf(msgs []types.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func appendSorted(msgs []types.Message, msg types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	out = append(out, msg)
	sortMessages(out)
	return out
}

func sortMessages(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageTime(msgs[i]).Before(messageTime(msgs[j]))
	})
}

func messageTime(m types.Message) time.Time {
	return parseTimestamp(m.Timestamp)
}

func parseTimestamp(ts string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// newestTimestamp keeps the tail timestamp monotonic: an out-of-order
// arrival never rolls it backwards.
func newestTimestamp(current, candidate string) string {
	if parseTimestamp(candidate).Before(parseTimestamp(current)) {
		return current
	}
	return candidate
}

func cloneMessages(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out
}

func cloneIDs(ids map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func cloneIDsWith(ids map[string]struct{}, id string) map[string]struct{} {
	out := cloneIDs(ids)
	out[id] = struct{}{}
	return out
}

func cloneCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func changeToken(prev int64) int64 {
	now := time.Now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}
