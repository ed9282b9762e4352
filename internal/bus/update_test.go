package bus

import "testing"

func TestUpdate_SessionKey(t *testing.T) {
	u := Update{Channel: "telegram", SenderID: 42}
	if got := u.SessionKey(); got != "telegram:42" {
		t.Errorf("SessionKey = %q, want telegram:42", got)
	}
}

func TestUpdate_IsCallback(t *testing.T) {
	if (&Update{Text: "hola"}).IsCallback() {
		t.Error("text update reported as callback")
	}
	if !(&Update{CallbackID: "cb1", CallbackData: "menu_main"}).IsCallback() {
		t.Error("button update not reported as callback")
	}
}

func TestNewMessageBus_Buffered(t *testing.T) {
	b := NewMessageBus(2)
	b.Inbound <- Update{Text: "a"}
	b.Inbound <- Update{Text: "b"}
	if len(b.Inbound) != 2 {
		t.Errorf("buffered = %d, want 2", len(b.Inbound))
	}
}
