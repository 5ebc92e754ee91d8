package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SynthesizeID derives a stable identifier from the given parts so that a
// retried delivery of the same content maps onto the same id.
func SynthesizeID(tenantID string, channelType ChannelType, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(tenantID)))
	h.Write([]byte{0})
	h.Write([]byte(channelType))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return "syn_" + hex.EncodeToString(h.Sum(nil))[:40]
}
