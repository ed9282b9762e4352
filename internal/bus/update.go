package bus

import (
	"strconv"
	"time"
)

// Update is one inbound chat event: a text message or a button press.
type Update struct {
	Channel   string
	SenderID  int64
	ChatID    int64
	MessageID int
	Text      string
	Timestamp time.Time

	// Set for button presses only.
	CallbackID   string
	CallbackData string

	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

func (u *Update) IsCallback() bool {
	return u.CallbackID != ""
}

func (u *Update) SessionKey() string {
	return u.Channel + ":" + strconv.FormatInt(u.SenderID, 10)
}

// MessageBus carries inbound updates from transports to the process loop.
type MessageBus struct {
	Inbound chan Update
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer < 0 {
		buffer = 0
	}
	return &MessageBus{Inbound: make(chan Update, buffer)}
}
