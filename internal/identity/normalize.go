// Package identity is the single ingestion boundary for external message
// shapes. Everything that enters from the hub or the REST endpoints passes
// through here before touching the rest of the system.
package identity

import (
	"fmt"
	"time"

	"carepro-chat/internal/types"
)

// Byte widths of the four structured-id fields, matching the backing
// store's 24-hex-char identifier layout.
const (
	timestampHexWidth = 8 // 4 bytes
	machineHexWidth   = 6 // 3 bytes
	pidHexWidth       = 4 // 2 bytes
	counterHexWidth   = 6 // 3 bytes
)

// NormalizeID canonicalizes an identifier. Strings pass through unchanged.
// Structured ids carrying the four numeric sub-fields (timestamp, machine,
// pid, increment) pack into the fixed 24-hex-char form so client-held and
// server-issued ids compare as plain strings. Absent input yields "".
func NormalizeID(raw any) string {
	if raw == nil {
		return ""
	}

	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		if packed, ok := packStructuredID(v); ok {
			return packed
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func packStructuredID(obj map[string]any) (string, bool) {
	ts, okTS := numericField(obj, "timestamp", "creationTime")
	machine, okM := numericField(obj, "machine", "machineId")
	pid, okP := numericField(obj, "pid", "processId")
	inc, okI := numericField(obj, "increment", "counter")

	if !okTS || !okM || !okP || !okI {
		return "", false
	}

	return fmt.Sprintf("%0*x%0*x%0*x%0*x",
		timestampHexWidth, uint64(ts),
		machineHexWidth, uint64(machine),
		pidHexWidth, uint64(pid),
		counterHexWidth, uint64(inc),
	), true
}

func numericField(obj map[string]any, names ...string) (int64, bool) {
	for _, name := range names {
		v, ok := obj[name]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int:
			return int64(n), true
		case int64:
			return n, true
		}
	}
	return 0, false
}

// NormalizeMessage maps a raw external message shape onto the canonical
// record: messageId|id through NormalizeID, message|content onto Content,
// timestamp defaulting to createdAt or now, status defaulting to
// delivered. Normalizing an already-normalized message is a no-op.
func NormalizeMessage(raw map[string]any) types.Message {
	msg := types.Message{
		ID:         firstID(raw, "messageId", "id"),
		SenderID:   NormalizeID(raw["senderId"]),
		ReceiverID: NormalizeID(raw["receiverId"]),
		Status:     types.StatusDelivered,
	}

	if content, ok := stringField(raw, "message"); ok {
		msg.Content = content
	} else if content, ok := stringField(raw, "content"); ok {
		msg.Content = content
	}

	if ts, ok := stringField(raw, "timestamp"); ok {
		msg.Timestamp = ts
	} else if ts, ok := stringField(raw, "createdAt"); ok {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if status, ok := stringField(raw, "status"); ok {
		msg.Status = types.MessageStatus(status)
	}

	if deleted, ok := raw["isDeleted"].(bool); ok {
		msg.IsDeleted = deleted
	}
	if at, ok := stringField(raw, "deliveredAt"); ok {
		msg.DeliveredAt = at
	}
	if at, ok := stringField(raw, "readAt"); ok {
		msg.ReadAt = at
	}

	return msg
}

// AsRaw converts a canonical message back to the raw map shape, so that
// NormalizeMessage(AsRaw(m)) == m. Used when re-ingesting mixed sources.
func AsRaw(m types.Message) map[string]any {
	raw := map[string]any{
		"id":         m.ID,
		"senderId":   m.SenderID,
		"receiverId": m.ReceiverID,
		"content":    m.Content,
		"timestamp":  m.Timestamp,
		"status":     string(m.Status),
		"isDeleted":  m.IsDeleted,
	}
	if m.DeliveredAt != "" {
		raw["deliveredAt"] = m.DeliveredAt
	}
	if m.ReadAt != "" {
		raw["readAt"] = m.ReadAt
	}
	return raw
}

func firstID(raw map[string]any, names ...string) string {
	for _, name := range names {
		if v, ok := raw[name]; ok && v != nil {
			if id := NormalizeID(v); id != "" {
				return id
			}
		}
	}
	return ""
}

func stringField(raw map[string]any, name string) (string, bool) {
	v, ok := raw[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
