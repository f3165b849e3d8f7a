package sessionparser

import (
	"regexp"
	"strings"
)

// Phrases that mark a user message as a chat-platform envelope carrying
// metadata blocks ahead of the human-authored text.
var envelopeMarkers = []string{
	"(untrusted metadata)",
	"Conversation info",
	"[message_id:",
	"Sender (untrusted",
}

var senderRe = regexp.MustCompile(`"(?:sender|sender_name|from)"\s*:\s*"([^"]+)"`)

// Texts that mean "nothing was said".
var placeholders = map[string]bool{
	"(no content)":    true,
	"(empty)":         true,
	"[no text]":       true,
	"<media:unknown>": true,
	"<media:image>":   true,
}

// UserMessage is the human-authored part of a user record.
type UserMessage struct {
	Text   string
	Sender string
	Source string // "telegram", "whatsapp", "cron", "system" or "direct"
}

// CleanUserMessage strips chat-platform envelopes from raw user text. It
// returns false when nothing meaningful remains and the message should be
// suppressed.
func CleanUserMessage(raw string) (UserMessage, bool) {
	text := strings.TrimSpace(raw)
	msg := UserMessage{Source: detectSource(text)}

	if m := senderRe.FindStringSubmatch(text); m != nil {
		msg.Sender = m[1]
	}

	switch {
	case strings.Contains(text, "User text:"):
		text = text[strings.LastIndex(text, "User text:")+len("User text:"):]
	case hasEnvelopeMarker(text):
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[i+3:]
		} else {
			text = ""
		}
	}
	text = strings.TrimSpace(text)

	if label := prefixLabel(text); label != "" && msg.Sender == "" {
		msg.Sender = label
	}
	text = strings.TrimSpace(stripMessagePrefix(text))

	if text == "" || placeholders[text] {
		return msg, false
	}
	msg.Text = text
	return msg, true
}

func hasEnvelopeMarker(s string) bool {
	for _, m := range envelopeMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func detectSource(msg string) string {
	switch {
	case strings.HasPrefix(msg, "[Telegram"):
		return "telegram"
	case strings.HasPrefix(msg, "[WhatsApp"):
		return "whatsapp"
	case strings.HasPrefix(msg, "[Discord"):
		return "discord"
	case strings.HasPrefix(msg, "[cron:"):
		return "cron"
	case strings.HasPrefix(msg, "System: ["):
		return "system"
	}
	return "direct"
}

var prefixes = []string{"[Telegram", "[WhatsApp", "[Discord", "[cron:", "System: ["}

func stripMessagePrefix(content string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			if idx := strings.Index(content, "] "); idx != -1 {
				return content[idx+2:]
			}
		}
	}
	return content
}

// prefixLabel extracts the sender name from "[Telegram Alice (@alice) id:1 ...]".
func prefixLabel(content string) string {
	for _, p := range []string{"[Telegram ", "[WhatsApp ", "[Discord "} {
		if !strings.HasPrefix(content, p) {
			continue
		}
		end := strings.Index(content, "]")
		if end < len(p) {
			return ""
		}
		inner := content[len(p):end]
		if i := strings.Index(inner, " ("); i > 0 {
			return inner[:i]
		}
		if i := strings.Index(inner, " id:"); i > 0 {
			return inner[:i]
		}
		return ""
	}
	return ""
}
