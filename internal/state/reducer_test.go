package state

import (
	"fmt"
	"testing"
	"time"

	"carepro-chat/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func msg(id, sender, receiver, content, ts string, status types.MessageStatus) types.Message {
	return types.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  ts,
		Status:     status,
	}
}

func ts(offset int) string {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(offset) * time.Second).Format(time.RFC3339)
}

func TestNewMessageDeduplicates(t *testing.T) {
	s := NewState()
	incoming := msg("m1", "u2", "u1", "hi", ts(0), types.StatusDelivered)

	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: incoming})
	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: incoming})

	if len(s.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 after duplicate delivery", len(s.Messages))
	}
	if _, ok := s.MessageIDs["m1"]; !ok {
		t.Fatal("id set missing m1")
	}
}

func TestNewMessageUnreadOnlyWhenInactive(t *testing.T) {
	s := NewState()

	s = Apply(s, Action{
		Type:         ActionNewMessageReceived,
		Message:      msg("m1", "u2", "u1", "a", ts(0), types.StatusDelivered),
		SenderID:     "u2",
		IsActiveChat: false,
	})
	s = Apply(s, Action{
		Type:         ActionNewMessageReceived,
		Message:      msg("m2", "u2", "u1", "b", ts(1), types.StatusDelivered),
		SenderID:     "u2",
		IsActiveChat: true,
	})

	if s.UnreadMessages["u2"] != 1 {
		t.Fatalf("unread[u2] = %d, want 1", s.UnreadMessages["u2"])
	}
}

func TestIDPromotionExactlyOnce(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("temp-100", "u1", "u2", "hi", ts(0), types.StatusSending)})

	promote := Action{
		Type:      ActionUpdateMessageStatus,
		MessageID: "temp-100",
		NewID:     "srv-1",
		Status:    types.StatusSent,
	}
	s = Apply(s, promote)

	if _, stale := s.MessageIDs["temp-100"]; stale {
		t.Fatal("old id still present after promotion")
	}
	if _, ok := s.MessageIDs["srv-1"]; !ok {
		t.Fatal("new id missing after promotion")
	}
	if s.Messages[0].ID != "srv-1" || s.Messages[0].Status != types.StatusSent {
		t.Fatalf("message not rewritten in place: %+v", s.Messages[0])
	}

	// Re-applying the same promotion is a no-op.
	again := Apply(s, promote)
	if diff := cmp.Diff(s, again, cmpopts.IgnoreFields(State{}, "LastUpdate")); diff != "" {
		t.Fatalf("re-applied promotion changed state:\n%s", diff)
	}
}

func TestIDPromotionToAlreadyTrackedIDDropsLocalRecord(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("temp-100", "u1", "u2", "hi", ts(0), types.StatusSending)})

	// The server's push beat the send ack to the client.
	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: msg("srv-1", "u1", "u2", "hi", ts(0), types.StatusSent), IsActiveChat: true})

	s = Apply(s, Action{
		Type:      ActionUpdateMessageStatus,
		MessageID: "temp-100",
		NewID:     "srv-1",
		Status:    types.StatusSent,
	})

	if len(s.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (no duplicate under srv-1)", len(s.Messages))
	}
	if s.Messages[0].ID != "srv-1" {
		t.Fatalf("surviving id = %s, want srv-1", s.Messages[0].ID)
	}
	if _, stale := s.MessageIDs["temp-100"]; stale {
		t.Fatal("temp id still tracked after the server copy won")
	}
	if len(s.MessageIDs) != len(s.Messages) {
		t.Fatalf("id set size %d != message count %d", len(s.MessageIDs), len(s.Messages))
	}
}

func TestLastMessageTimestampNeverRollsBack(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: msg("m1", "u2", "u1", "new", ts(60), types.StatusDelivered), IsActiveChat: true})

	// An older message surfacing late must not move the tail backwards.
	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: msg("m0", "u2", "u1", "old", ts(0), types.StatusDelivered), IsActiveChat: true})

	if s.LastMessageTimestamp != ts(60) {
		t.Fatalf("LastMessageTimestamp = %s, want %s", s.LastMessageTimestamp, ts(60))
	}

	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("m2", "u1", "u2", "newest", ts(120), types.StatusSending)})
	if s.LastMessageTimestamp != ts(120) {
		t.Fatalf("LastMessageTimestamp = %s, want %s", s.LastMessageTimestamp, ts(120))
	}
}

func TestSetMessagesPreservesOptimisticSends(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("temp-1", "u1", "u2", "in flight", ts(10), types.StatusSending)})

	server := []types.Message{
		msg("m1", "u2", "u1", "first", ts(0), types.StatusRead),
		msg("m2", "u1", "u2", "second", ts(5), types.StatusRead),
	}
	s = Apply(s, Action{Type: ActionSetMessages, Messages: server})

	if len(s.Messages) != 3 {
		t.Fatalf("messages = %d, want server pair plus the optimistic send", len(s.Messages))
	}
	if _, ok := s.MessageIDs["temp-1"]; !ok {
		t.Fatal("optimistic send dropped by history refresh")
	}
}

func TestOrderingAscendingByTimestamp(t *testing.T) {
	s := NewState()
	for i, offset := range []int{30, 10, 20, 5} {
		s = Apply(s, Action{
			Type:    ActionAddMessage,
			Message: msg(fmt.Sprintf("m%d", i), "u1", "u2", "x", ts(offset), types.StatusSent),
		})
	}
	s = Apply(s, Action{Type: ActionSetMessages, Messages: append(s.Messages, msg("m9", "u2", "u1", "y", ts(1), types.StatusRead))})

	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i-1].Timestamp > s.Messages[i].Timestamp {
			t.Fatalf("messages out of order at %d: %s > %s", i, s.Messages[i-1].Timestamp, s.Messages[i].Timestamp)
		}
	}
}

func TestDuplicateAcrossChannels(t *testing.T) {
	s := NewState()
	realtime := msg("m1", "u2", "u1", "hello", ts(0), types.StatusDelivered)

	s = Apply(s, Action{Type: ActionNewMessageReceived, Message: realtime})
	s = Apply(s, Action{Type: ActionSetMessages, Messages: []types.Message{realtime, msg("m2", "u1", "u2", "reply", ts(1), types.StatusRead)}})

	if len(s.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (m1 deduplicated)", len(s.Messages))
	}
}

func TestMessageDeletedKeepsRecord(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("m1", "u1", "u2", "secret", ts(0), types.StatusSent)})

	before := len(s.Messages)
	s = Apply(s, Action{Type: ActionMessageDeleted, MessageID: "m1"})

	if len(s.Messages) != before {
		t.Fatalf("deletion changed list length: %d -> %d", before, len(s.Messages))
	}
	if !s.Messages[0].IsDeleted {
		t.Fatal("IsDeleted not set")
	}
	if s.Messages[0].Content != types.DeletedPlaceholder {
		t.Fatalf("content = %q, want tombstone", s.Messages[0].Content)
	}
	if _, ok := s.MessageIDs["m1"]; !ok {
		t.Fatal("deleted message removed from id set")
	}
}

func TestUnknownIDIsNoOp(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("m1", "u1", "u2", "x", ts(0), types.StatusSent)})

	next := Apply(s, Action{Type: ActionUpdateMessageStatus, MessageID: "ghost", Status: types.StatusRead})
	if diff := cmp.Diff(s, next); diff != "" {
		t.Fatalf("unknown id mutated state:\n%s", diff)
	}

	next = Apply(s, Action{Type: ActionMessageDeleted, MessageID: "ghost"})
	if diff := cmp.Diff(s, next); diff != "" {
		t.Fatalf("unknown delete mutated state:\n%s", diff)
	}
}

func TestClearAndResetUnread(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{
		Type:     ActionNewMessageReceived,
		Message:  msg("m1", "u2", "u1", "x", ts(0), types.StatusDelivered),
		SenderID: "u2",
	})

	s = Apply(s, Action{Type: ActionClearChatMessages})
	if len(s.Messages) != 0 || len(s.MessageIDs) != 0 {
		t.Fatal("clear left messages behind")
	}
	if s.UnreadMessages["u2"] != 1 {
		t.Fatal("clear should not touch unread counts")
	}

	s = Apply(s, Action{Type: ActionResetUnreadCount, ConversationID: "u2"})
	if s.UnreadMessages["u2"] != 0 {
		t.Fatalf("unread[u2] = %d after reset", s.UnreadMessages["u2"])
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := NewState()
	s = Apply(s, Action{Type: ActionAddMessage, Message: msg("m1", "u1", "u2", "x", ts(0), types.StatusSent)})

	snapshot := cloneMessages(s.Messages)
	_ = Apply(s, Action{Type: ActionUpdateMessageStatus, MessageID: "m1", Status: types.StatusRead})

	if diff := cmp.Diff(snapshot, s.Messages); diff != "" {
		t.Fatalf("input state mutated:\n%s", diff)
	}
}

func TestIDSetMatchesMessages(t *testing.T) {
	s := NewState()
	actions := []Action{
		{Type: ActionAddMessage, Message: msg("temp-1", "u1", "u2", "a", ts(0), types.StatusSending)},
		{Type: ActionNewMessageReceived, Message: msg("m1", "u2", "u1", "b", ts(1), types.StatusDelivered)},
		{Type: ActionUpdateMessageStatus, MessageID: "temp-1", NewID: "m2", Status: types.StatusSent},
		{Type: ActionMessageDeleted, MessageID: "m1"},
	}
	for _, a := range actions {
		s = Apply(s, a)
		if len(s.MessageIDs) != len(s.Messages) {
			t.Fatalf("id set size %d != message count %d after %s", len(s.MessageIDs), len(s.Messages), a.Type)
		}
		for _, m := range s.Messages {
			if _, ok := s.MessageIDs[m.ID]; !ok {
				t.Fatalf("id %s missing from set after %s", m.ID, a.Type)
			}
		}
	}
}
