package ws

import (
	"fmt"
	"time"

	"github.com/doed/messenger/store"
)

const (
	TypeNewMessage  = "new_message"
	TypeMessageSent = "message_sent"
	TypeError       = "error"
	TypeBanned      = "banned"
)

// Envelope is a tagged JSON message sent to a connected client. The
// Type field discriminates; unrelated fields stay empty.
type Envelope struct {
	Type string `json:"type"`

	// new_message / message_sent
	ID           int64  `json:"id,omitempty"`
	SenderID     int64  `json:"sender_id,omitempty"`
	SenderName   string `json:"sender_name,omitempty"`
	SenderTag    string `json:"sender_tag,omitempty"`
	ReceiverID   int64  `json:"receiver_id,omitempty"`
	ReceiverName string `json:"receiver_name,omitempty"`
	Content      string `json:"content,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`

	// error / banned
	Message string `json:"message,omitempty"`
	Sound   string `json:"sound,omitempty"`
}

// ClientMsg is one inbound payload from a connected client. Extra
// fields are ignored.
type ClientMsg struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

func newMessageEnvelope(m *store.Message, sender *store.User) *Envelope {
	return &Envelope{
		Type:       TypeNewMessage,
		ID:         m.ID,
		SenderID:   sender.ID,
		SenderName: sender.Username,
		SenderTag:  sender.Tag,
		Content:    m.Content,
		Timestamp:  m.CreateTime.Format(time.RFC3339),
	}
}

func messageSentEnvelope(m *store.Message, receiver *store.User) *Envelope {
	return &Envelope{
		Type:         TypeMessageSent,
		ID:           m.ID,
		Content:      m.Content,
		ReceiverID:   receiver.ID,
		ReceiverName: receiver.Username,
		Timestamp:    m.CreateTime.Format(time.RFC3339),
	}
}

func errorEnvelope(format string, args ...interface{}) *Envelope {
	return &Envelope{
		Type:    TypeError,
		Message: fmt.Sprintf(format, args...),
	}
}

func bannedEnvelope() *Envelope {
	return &Envelope{
		Type:    TypeBanned,
		Message: "You have been banned permanently. This account will be removed.",
		Sound:   "anvil",
	}
}
