package message

import (
	"strings"

	"github.com/memohai/omnidesk/internal/channel"
)

// PreviewLimit is the maximum preview length in runes, ellipsis included.
const PreviewLimit = 120

var placeholders = map[channel.ContentType]string{
	channel.ContentImage: "[Image]",
	channel.ContentVideo: "[Video]",
	channel.ContentAudio: "[Audio]",
	channel.ContentVoice: "[Voice message]",
	channel.ContentLink:  "[Link]",
	channel.ContentFile:  "[File]",
}

// Preview renders the conversation list snippet for a turn.
func Preview(contentType channel.ContentType, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if p, ok := placeholders[contentType]; ok {
			return p
		}
		return ""
	}
	return Truncate(text, PreviewLimit)
}

// Truncate shortens s to at most limit runes, ending with an ellipsis when
// cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}
