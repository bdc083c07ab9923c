package trigger

import (
	"strings"
	"testing"
)

func TestSplitMessageShortTextIsUntouched(t *testing.T) {
	chunks := SplitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("SplitMessage = %q, want single untouched chunk", chunks)
	}
}

func TestSplitMessagePrefersNewlineBreaks(t *testing.T) {
	text := "line one\nline two\nline three"
	chunks := SplitMessage(text, 20)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %q", len(chunks), chunks)
	}
	if chunks[0] != "line one\nline two" {
		t.Errorf("first chunk = %q, want break at newline", chunks[0])
	}
	if chunks[1] != "line three" {
		t.Errorf("second chunk = %q, leading newline should be stripped", chunks[1])
	}
}

func TestSplitMessageHardCutsLongLines(t *testing.T) {
	text := strings.Repeat("a", 25)
	chunks := SplitMessage(text, 10)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 10 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
	}
	if joined := strings.Join(chunks, ""); joined != text {
		t.Errorf("chunks do not reassemble input")
	}
}

func TestSplitMessageCountsRunesNotBytes(t *testing.T) {
	// each rune is multi-byte; a byte-based split would cut mid-rune
	text := strings.Repeat("é", 15)
	chunks := SplitMessage(text, 10)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if !strings.ContainsRune(c, 'é') || strings.ContainsRune(c, '�') {
			t.Errorf("chunk %d contains broken runes: %q", i, c)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	got := renderTemplate("File changed: {path} ({filename})", map[string]string{
		"path":     "/data/in/report.csv",
		"filename": "report.csv",
	})
	want := "File changed: /data/in/report.csv (report.csv)"
	if got != want {
		t.Errorf("renderTemplate = %q, want %q", got, want)
	}

	// unknown placeholders survive untouched
	if got := renderTemplate("{message} {nope}", map[string]string{"message": "hi"}); got != "hi {nope}" {
		t.Errorf("renderTemplate = %q, want unknown placeholder kept", got)
	}
}

func TestConversationKey(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
		want string
	}{
		{"telegram", NewEvent(TypeTelegram, "hi", map[string]string{"chat_id": "42"}), "telegram:42"},
		{"discord", NewEvent(TypeDiscord, "hi", map[string]string{"channel_id": "99"}), "discord:99"},
		{"cron has no key", NewEvent(TypeCron, "tick", nil), ""},
		{"telegram missing chat_id", NewEvent(TypeTelegram, "hi", nil), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.ConversationKey(); got != tt.want {
				t.Errorf("ConversationKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTypeConversational(t *testing.T) {
	if !TypeTelegram.Conversational() || !TypeDiscord.Conversational() {
		t.Error("chat types must be conversational")
	}
	if TypeCron.Conversational() || TypeWebhook.Conversational() || TypeScheduled.Conversational() {
		t.Error("non-chat types must not be conversational")
	}
}
