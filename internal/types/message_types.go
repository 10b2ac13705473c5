package types

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusPending   MessageStatus = "pending"
)

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "This message was deleted"

type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Content     string        `json:"content"`
	Timestamp   string        `json:"timestamp"`
	Status      MessageStatus `json:"status"`
	IsDeleted   bool          `json:"isDeleted"`
	DeliveredAt string        `json:"deliveredAt,omitempty"`
	ReadAt      string        `json:"readAt,omitempty"`
}

// Conversation is the per-counterpart summary shown in the chat list.
type Conversation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsOnline    bool   `json:"isOnline"`
	LastMessage string `json:"lastMessage"`
	Timestamp   string `json:"timestamp"`
	UnreadCount int    `json:"unreadCount"`
}
