package webhook

import "github.com/kyushbot/cmdgate/internal/gate"

// Update is the subset of a Telegram update the gate consumes.
type Update struct {
	UpdateID int64           `json:"update_id"`
	Message  *telegramMessage `json:"message,omitempty"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramMessage struct {
	MessageID int64            `json:"message_id"`
	From      *telegramUser    `json:"from,omitempty"`
	Chat      telegramChat     `json:"chat"`
	Text      string           `json:"text,omitempty"`
	Caption   string           `json:"caption,omitempty"`
	ReplyTo   *telegramMessage `json:"reply_to_message,omitempty"`
}

// GateMessage converts the update's message. ok is false when there is none.
func (u Update) GateMessage() (gate.Message, bool) {
	if u.Message == nil {
		return gate.Message{}, false
	}
	return u.Message.toGate(true), true
}

func (m *telegramMessage) toGate(withReply bool) gate.Message {
	msg := gate.Message{
		ID:      m.MessageID,
		ChatID:  m.Chat.ID,
		Text:    m.Text,
		Caption: m.Caption,
	}
	if m.From != nil {
		msg.From = &gate.User{
			ID:        m.From.ID,
			Username:  m.From.Username,
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
		}
	}
	if withReply && m.ReplyTo != nil {
		reply := m.ReplyTo.toGate(false)
		msg.ReplyTo = &reply
	}
	return msg
}
