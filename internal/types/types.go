package types

// Hub method targets the client may invoke.
const (
	HubRegisterConnection  = "RegisterConnection"
	HubSendMessage         = "SendMessage"
	HubGetMessageHistory   = "GetMessageHistory"
	HubMarkMessageRead     = "MarkMessageAsRead"
	HubMarkDelivered       = "MarkMessageAsDelivered"
	HubMarkAllMessagesRead = "MarkAllMessagesAsRead"
	HubGetOnlineUsers      = "GetOnlineUsers"
	HubGetOnlineStatus     = "GetOnlineStatus"
	HubDeleteMessage       = "DeleteMessage"
	HubPing                = "Ping"
)

// Events pushed by the hub or synthesized by the transport itself.
const (
	EventConnected         = "connected"
	EventDisconnected      = "disconnected"
	EventReconnecting      = "reconnecting"
	EventReconnected       = "reconnected"
	EventMessage           = "message"
	EventMessageRead       = "messageRead"
	EventMessageDelivered  = "messageDelivered"
	EventMessageDeleted    = "messageDeleted"
	EventUserStatusChanged = "userStatusChanged"
	EventAllMessagesRead   = "allMessagesRead"
	EventError             = "error"
)

// HubEventTargets maps wire-level push targets to transport event names.
var HubEventTargets = map[string]string{
	"ReceiveMessage":    EventMessage,
	"MessageRead":       EventMessageRead,
	"MessageDelivered":  EventMessageDelivered,
	"MessageDeleted":    EventMessageDeleted,
	"UserStatusChanged": EventUserStatusChanged,
	"AllMessagesRead":   EventAllMessagesRead,
}

type SendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
}

type SendResponse struct {
	MessageID string `json:"messageId"`
}

type UserDTO struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	IsOnline  bool   `json:"isOnline"`
}

// ConversationDTO is the shape returned by GET /chat/conversations/{userId}.
type ConversationDTO struct {
	ParticipantID   string           `json:"participantId"`
	ParticipantName string           `json:"participantName"`
	LastMessage     string           `json:"lastMessage"`
	Timestamp       string           `json:"timestamp"`
	UnreadCount     int              `json:"unreadCount"`
	Messages        []map[string]any `json:"messages"`
}
