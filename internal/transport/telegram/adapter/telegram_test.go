package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "laterbot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	if got := splitText("hello", 10); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected split: %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("unexpected split: %q", got)
	}
}

func TestSplitTextHardCutKeepsRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é", 25)
	got := splitText(s, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if strings.Join(got, "") != s {
		t.Fatal("chunks must reassemble the input")
	}
}

func TestTruncateRunesKeepsValidUTF8(t *testing.T) {
	t.Parallel()
	desc := strings.Repeat("a", 255) + "é" + "tail"
	got := truncateRunes(desc, maxMenuDescription)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got[len(got)-4:])
	}
	if utf8.RuneCountInString(got) != maxMenuDescription || !strings.HasSuffix(got, "é") {
		t.Fatalf("unexpected truncation: len=%d suffix=%q", utf8.RuneCountInString(got), got[len(got)-3:])
	}
	if truncateRunes("short", maxMenuDescription) != "short" {
		t.Fatal("short descriptions must pass through")
	}
}

func TestToUpdateText(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:     5,
		Chat:   &tele.Chat{ID: 100, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 100, Username: "owner"},
		Text:   "/list_schedules",
	}
	up, ok := toUpdate(m)
	if !ok || up.Kind != kit.UpdateMessage {
		t.Fatalf("unexpected update: %+v", up)
	}
	if up.Message.FromID != 100 || up.Message.Text != "/list_schedules" || up.Message.IsGroup || up.Message.Document != nil {
		t.Fatalf("unexpected message: %+v", up.Message)
	}
}

func TestToUpdateDocumentUsesCaption(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:      6,
		Chat:    &tele.Chat{ID: -200, Type: tele.ChatGroup},
		Sender:  &tele.User{ID: 1},
		Caption: "/schedule_file 42 2030-01-01T10:00",
		Document: &tele.Document{
			File:     tele.File{FileID: "fid"},
			FileName: "report.pdf",
			MIME:     "application/pdf",
		},
	}
	up, ok := toUpdate(m)
	if !ok {
		t.Fatal("expected update")
	}
	msg := up.Message
	if msg.Text != m.Caption || !msg.IsGroup {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Document == nil || msg.Document.FileID != "fid" || msg.Document.FileName != "report.pdf" {
		t.Fatalf("unexpected attachment: %+v", msg.Document)
	}
}

func TestToUpdateIgnoresAnonymous(t *testing.T) {
	t.Parallel()
	if _, ok := toUpdate(&tele.Message{Chat: &tele.Chat{ID: 1}}); ok {
		t.Fatal("message without sender should be ignored")
	}
	if _, ok := toUpdate(nil); ok {
		t.Fatal("nil message should be ignored")
	}
}
