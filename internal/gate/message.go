package gate

import "context"

// User is the sender of a message.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// FullName joins the first and last name.
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Message is an inbound chat message.
type Message struct {
	ID      int64
	ChatID  int64
	From    *User
	Text    string
	Caption string
	ReplyTo *Message
}

// Sender delivers replies through the chat transport.
type Sender interface {
	Reply(ctx context.Context, chatID, replyTo int64, text string) error
}
