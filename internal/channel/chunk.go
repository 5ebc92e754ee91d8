package channel

import "strings"

// ChunkText splits text at newline boundaries so every piece fits within
// limit runes. Lines longer than limit are hard-split.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	var chunks []string
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}
	for _, line := range strings.Split(trimmed, "\n") {
		n := runeLen(line)
		switch {
		case bufLen > 0 && bufLen+1+n <= limit:
			buf.WriteByte('\n')
			buf.WriteString(line)
			bufLen += 1 + n
		case n <= limit:
			flush()
			buf.WriteString(line)
			bufLen = n
		default:
			flush()
			runes := []rune(line)
			for start := 0; start < len(runes); start += limit {
				end := min(start+limit, len(runes))
				if seg := strings.TrimSpace(string(runes[start:end])); seg != "" {
					chunks = append(chunks, seg)
				}
			}
		}
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}
