package channel

import (
	"net/url"
	"strings"
	"unicode"
)

// Classify picks the content type of a turn. An uploaded file wins by mime
// family; otherwise a body that is exactly one URL is a link, other text is
// text, and a turn with neither is a generic file.
func Classify(mime string, text string, hasFile bool) ContentType {
	if hasFile {
		return classifyMime(mime)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ContentFile
	}
	if _, ok := SingleURL(trimmed); ok {
		return ContentLink
	}
	return ContentText
}

func classifyMime(mime string) ContentType {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	default:
		return ContentFile
	}
}

// SingleURL reports whether text consists of one absolute http(s) URL and
// nothing else.
func SingleURL(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return "", false
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return trimmed, true
}
