package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carepro-chat/internal/chat"
	"carepro-chat/internal/config"
	"carepro-chat/internal/hubtest"
	"carepro-chat/internal/transport"
	"carepro-chat/internal/types"

	"github.com/stretchr/testify/require"
)

// fakeAPI serves the REST endpoints the controller touches during a
// session. History and conversation payloads are configurable per test.
type fakeAPI struct {
	*httptest.Server
	conversations []types.ConversationDTO
	history       []map[string]any
}

func newFakeAPI() *fakeAPI {
	f := &fakeAPI{conversations: []types.ConversationDTO{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/chat/conversations/"):
			json.NewEncoder(w).Encode(f.conversations)
		case r.URL.Path == "/chat/history":
			json.NewEncoder(w).Encode(f.history)
		case r.URL.Path == "/chat/mark-all-read":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/chat/send":
			json.NewEncoder(w).Encode(types.SendResponse{MessageID: "rest-9"})
		case strings.HasPrefix(r.URL.Path, "/users/"):
			id := strings.TrimPrefix(r.URL.Path, "/users/")
			json.NewEncoder(w).Encode(types.UserDTO{ID: id, FirstName: "Pat", LastName: "Doe"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return f
}

func newSession(t *testing.T, hubURL string, api *fakeAPI) *chat.Controller {
	t.Helper()
	cfg := &config.Config{
		APIBaseURL: api.URL,
		HubURL:     hubURL,
		Env:        "test",
	}
	c := chat.NewController(cfg)
	cleanup, err := c.Initialize(context.Background(), "u1", "test-token")
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return c
}

func TestInitializeRequiresCredentials(t *testing.T) {
	c := chat.NewController(&config.Config{APIBaseURL: "http://127.0.0.1:1", HubURL: "ws://127.0.0.1:1/chathub"})
	_, err := c.Initialize(context.Background(), "", "tok")
	require.ErrorIs(t, err, transport.ErrMissingCredentials)
	_, err = c.Initialize(context.Background(), "u1", "")
	require.ErrorIs(t, err, transport.ErrMissingCredentials)
}

func TestSendPromotesTempIDToServerID(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	hub.Handle(types.HubSendMessage, func(args []json.RawMessage) (any, error) {
		return "srv-1", nil
	})
	api := newFakeAPI()
	defer api.Close()

	c := newSession(t, hub.URL(), api)
	require.Equal(t, transport.StateConnected, c.ConnectionState())

	id, err := c.Send(context.Background(), "u2", "hello from u1")
	require.NoError(t, err)
	require.Equal(t, "srv-1", id)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-1", msgs[0].ID)
	require.Equal(t, types.StatusSent, msgs[0].Status)
	require.False(t, strings.HasPrefix(msgs[0].ID, "temp-"), "temporary id must be promoted")

	// The counterpart gets a conversation entry, looked up over REST.
	require.Eventually(t, func() bool {
		for _, conv := range c.Conversations() {
			if conv.ID == "u2" && conv.Name == "Pat Doe" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSendFallsBackToRESTWhenHubDown(t *testing.T) {
	api := newFakeAPI()
	defer api.Close()

	// Hub unreachable; Initialize still succeeds in REST-only mode.
	c := newSession(t, "ws://127.0.0.1:1/chathub", api)
	require.NotEqual(t, transport.StateConnected, c.ConnectionState())

	id, err := c.Send(context.Background(), "u2", "offline hello")
	require.NoError(t, err)
	require.Equal(t, "rest-9", id)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "rest-9", msgs[0].ID)
	require.Equal(t, types.StatusSent, msgs[0].Status)
}

func TestSendFailureMarksMessageFailed(t *testing.T) {
	api := newFakeAPI()
	defer api.Close()

	hub := hubtest.New()
	defer hub.Close()
	hub.Handle(types.HubSendMessage, func(args []json.RawMessage) (any, error) {
		return nil, context.DeadlineExceeded
	})

	// Break the REST send path too so both channels fail.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/chat/conversations/") {
			json.NewEncoder(w).Encode([]types.ConversationDTO{})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	cfg := &config.Config{APIBaseURL: broken.URL, HubURL: hub.URL(), Env: "test"}
	c := chat.NewController(cfg)
	cleanup, err := c.Initialize(context.Background(), "u1", "test-token")
	require.NoError(t, err)
	defer cleanup()

	_, err = c.Send(context.Background(), "u2", "doomed message")
	require.Error(t, err)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, types.StatusFailed, msgs[0].Status)
	require.True(t, strings.HasPrefix(msgs[0].ID, "temp-"))
}

func TestDeleteMessageAppliesTombstone(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	hub.Handle(types.HubSendMessage, func(args []json.RawMessage) (any, error) {
		return "srv-2", nil
	})
	api := newFakeAPI()
	defer api.Close()

	c := newSession(t, hub.URL(), api)
	_, err := c.Send(context.Background(), "u2", "delete me later")
	require.NoError(t, err)

	require.NoError(t, c.DeleteMessage(context.Background(), "srv-2"))

	msgs := c.Messages()
	require.Len(t, msgs, 1, "soft delete keeps the record in place")
	require.True(t, msgs[0].IsDeleted)
	require.Equal(t, types.DeletedPlaceholder, msgs[0].Content)
}

func TestDeleteMessageRejectsNonSender(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	api := newFakeAPI()
	defer api.Close()

	c := newSession(t, hub.URL(), api)

	hub.Push("ReceiveMessage", map[string]any{
		"messageId":  "in-1",
		"senderId":   "u2",
		"receiverId": "u1",
		"message":    "from the other side",
		"timestamp":  "2026-03-01T10:00:00Z",
	})
	require.Eventually(t, func() bool {
		return len(c.Messages()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, c.DeleteMessage(context.Background(), "in-1"), chat.ErrNotSender)
	require.ErrorIs(t, c.DeleteMessage(context.Background(), "nope"), chat.ErrUnknownMessage)
}

func TestIncomingMessageBumpsUnreadForInactiveChat(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	api := newFakeAPI()
	api.conversations = []types.ConversationDTO{{ParticipantID: "u2", ParticipantName: "Pat Doe"}}
	defer api.Close()

	c := newSession(t, hub.URL(), api)

	hub.Push("ReceiveMessage", map[string]any{
		"messageId":  "in-2",
		"senderId":   "u2",
		"receiverId": "u1",
		"message":    "unread ping",
		"timestamp":  "2026-03-01T10:00:00Z",
	})

	require.Eventually(t, func() bool {
		return c.UnreadMessages()["u2"] == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, conv := range c.Conversations() {
			if conv.ID == "u2" {
				return conv.UnreadCount == 1
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSelectConversationLoadsHistoryAndClearsUnread(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	api := newFakeAPI()
	api.conversations = []types.ConversationDTO{{ParticipantID: "u2", ParticipantName: "Pat Doe", UnreadCount: 3}}
	api.history = []map[string]any{
		{"messageId": "h1", "senderId": "u2", "receiverId": "u1", "message": "first", "timestamp": "2026-03-01T09:00:00Z"},
		{"messageId": "h2", "senderId": "u1", "receiverId": "u2", "message": "second", "timestamp": "2026-03-01T09:01:00Z"},
	}
	defer api.Close()

	c := newSession(t, hub.URL(), api)

	require.NoError(t, c.SelectConversation(context.Background(), "u2", false))
	require.Equal(t, "u2", c.ActiveConversation())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "h2", msgs[1].ID)

	require.Zero(t, c.UnreadMessages()["u2"])
	for _, conv := range c.Conversations() {
		if conv.ID == "u2" {
			require.Zero(t, conv.UnreadCount)
		}
	}
}

func TestStatusEventsUpdateMessages(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	hub.Handle(types.HubSendMessage, func(args []json.RawMessage) (any, error) {
		return "srv-3", nil
	})
	api := newFakeAPI()
	defer api.Close()

	c := newSession(t, hub.URL(), api)
	_, err := c.Send(context.Background(), "u2", "track my status")
	require.NoError(t, err)

	hub.Push("MessageDelivered", map[string]any{"messageId": "srv-3", "deliveredAt": "2026-03-01T10:05:00Z"})
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].Status == types.StatusDelivered
	}, 2*time.Second, 20*time.Millisecond)

	hub.Push("MessageRead", map[string]any{"messageId": "srv-3", "readAt": "2026-03-01T10:06:00Z"})
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return msgs[0].Status == types.StatusRead && msgs[0].ReadAt != ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUserStatusChangedFlipsPresence(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	api := newFakeAPI()
	api.conversations = []types.ConversationDTO{{ParticipantID: "u2", ParticipantName: "Pat Doe"}}
	defer api.Close()

	c := newSession(t, hub.URL(), api)

	hub.Push("UserStatusChanged", map[string]any{"userId": "u2", "isOnline": true})
	require.Eventually(t, func() bool {
		for _, conv := range c.Conversations() {
			if conv.ID == "u2" {
				return conv.IsOnline
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTeardownDisconnects(t *testing.T) {
	hub := hubtest.New()
	defer hub.Close()
	api := newFakeAPI()
	defer api.Close()

	cfg := &config.Config{APIBaseURL: api.URL, HubURL: hub.URL(), Env: "test"}
	c := chat.NewController(cfg)
	cleanup, err := c.Initialize(context.Background(), "u1", "test-token")
	require.NoError(t, err)
	require.Equal(t, transport.StateConnected, c.ConnectionState())

	cleanup()
	require.Equal(t, transport.StateDisconnected, c.ConnectionState())

	// A session can be opened again after teardown.
	cleanup2, err := c.Initialize(context.Background(), "u1", "test-token")
	require.NoError(t, err)
	cleanup2()
}
