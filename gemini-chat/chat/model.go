package chat

// Message roles.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// The seed room every fresh store starts with. It cannot be deleted.
const (
	DefaultRoomID   = "default"
	DefaultRoomName = "General"
)

// TimeLayout is the clock-time format used in Message.Time, e.g. "10:00:00 AM".
const TimeLayout = "3:04:05 PM"

// Message is a single chat entry. Exactly one of Text or Image is set;
// Image holds a data URL or a placeholder image URL.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
	Time   string `json:"time"`
	Type   string `json:"type"`
}

// IsImage reports whether the message carries an image instead of text.
func (m Message) IsImage() bool {
	return m.Image != ""
}

// Chatroom is a named message thread.
type Chatroom struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

func (c Chatroom) clone() Chatroom {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	c.Messages = msgs
	return c
}

func defaultRooms() []Chatroom {
	return []Chatroom{{ID: DefaultRoomID, Name: DefaultRoomName, Messages: []Message{}}}
}
