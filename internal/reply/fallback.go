package reply

import (
	"regexp"
	"strings"

	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/message"
)

// promptMarker opens every prompt sent to the provider. It must never reach
// the customer.
const promptMarker = "Incoming customer message"

const fallbackEchoLimit = 160

var markerPattern = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(promptMarker) + `[^:\n]*:?`)

// FallbackText is the deterministic reply used when the provider path is
// unavailable: the assistant name followed by a truncated echo of what the
// customer sent.
func FallbackText(assistantName string, contentType channel.ContentType, customerText string) string {
	name := strings.TrimSpace(assistantName)
	if name == "" {
		name = "Assistant"
	}
	echo := markerPattern.ReplaceAllString(customerText, "")
	echo = strings.Join(strings.Fields(echo), " ")
	if echo == "" {
		echo = message.Preview(contentType, "")
	}
	if echo == "" {
		echo = "message received"
	}
	return name + ": " + message.Truncate(echo, fallbackEchoLimit)
}
