package trigger

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestTelegramAllowlist(t *testing.T) {
	d := &telegramDriver{
		allowedUsers: map[string]bool{"alice": true},
		allowedIDs:   map[int64]bool{42: true},
	}

	tests := []struct {
		name string
		from *tgbotapi.User
		want bool
	}{
		{"listed username", &tgbotapi.User{ID: 1, UserName: "alice"}, true},
		{"username case-insensitive", &tgbotapi.User{ID: 1, UserName: "Alice"}, true},
		{"listed id", &tgbotapi.User{ID: 42, UserName: "bob"}, true},
		{"neither", &tgbotapi.User{ID: 7, UserName: "mallory"}, false},
		{"nil sender", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.allowed(tt.from); got != tt.want {
				t.Errorf("allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTelegramEmptyAllowlistAllowsEveryone(t *testing.T) {
	d := &telegramDriver{
		allowedUsers: map[string]bool{},
		allowedIDs:   map[int64]bool{},
	}
	if !d.allowed(&tgbotapi.User{ID: 999, UserName: "anyone"}) {
		t.Error("empty allowlist must allow all senders")
	}
	if d.allowed(nil) {
		t.Error("nil sender must never pass")
	}
}

func TestSenderLabel(t *testing.T) {
	if got := senderLabel(&tgbotapi.User{ID: 5, UserName: "alice"}); got != "alice" {
		t.Errorf("senderLabel = %q, want username", got)
	}
	if got := senderLabel(&tgbotapi.User{ID: 5}); got != "5" {
		t.Errorf("senderLabel = %q, want id fallback", got)
	}
	if got := senderLabel(nil); got != "unknown" {
		t.Errorf("senderLabel = %q, want unknown", got)
	}
}
