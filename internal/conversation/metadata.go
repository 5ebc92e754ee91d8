package conversation

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/memohai/omnidesk/internal/channel"
)

// MetadataVersion is the schema version written with every metadata document.
const MetadataVersion = 1

// ThreadBinding is one thread-affinity entry: the provider-side thread that
// carries the conversation for one assistant.
type ThreadBinding struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata is the typed conversation metadata document. Each concern lives
// in its own field and is merged on its own terms.
type Metadata struct {
	Version  int                      `json:"version"`
	Threads  map[string]ThreadBinding `json:"threads,omitempty"`
	Widget   *channel.WidgetSession   `json:"widget,omitempty"`
	Provider *channel.ProviderInfo    `json:"provider,omitempty"`
	Extra    map[string]any           `json:"extra,omitempty"`
}

// MetadataFromEvent extracts the metadata patch carried by an inbound event.
func MetadataFromEvent(event channel.InboundEvent) Metadata {
	m := Metadata{Version: MetadataVersion, Extra: event.Extra}
	if event.Widget != nil {
		w := *event.Widget
		m.Widget = &w
	}
	if event.Provider != nil {
		p := *event.Provider
		m.Provider = &p
	}
	return m
}

// Thread returns the thread bound for assistantID.
func (m Metadata) Thread(assistantID string) (ThreadBinding, bool) {
	t, ok := m.Threads[assistantID]
	if !ok || t.ThreadID == "" {
		return ThreadBinding{}, false
	}
	return t, true
}

// Merge applies patch field by field. Non-empty patch values win; an
// existing thread binding is never replaced.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := Metadata{Version: MetadataVersion}

	if len(m.Threads) > 0 || len(patch.Threads) > 0 {
		out.Threads = make(map[string]ThreadBinding, len(m.Threads)+len(patch.Threads))
		maps.Copy(out.Threads, m.Threads)
		for k, v := range patch.Threads {
			if _, exists := out.Threads[k]; !exists && v.ThreadID != "" {
				out.Threads[k] = v
			}
		}
	}

	out.Widget = mergeWidget(m.Widget, patch.Widget)
	out.Provider = mergeProvider(m.Provider, patch.Provider)

	if len(m.Extra) > 0 || len(patch.Extra) > 0 {
		out.Extra = make(map[string]any, len(m.Extra)+len(patch.Extra))
		maps.Copy(out.Extra, m.Extra)
		maps.Copy(out.Extra, patch.Extra)
	}
	return out
}

func mergeWidget(base, patch *channel.WidgetSession) *channel.WidgetSession {
	if base == nil && patch == nil {
		return nil
	}
	out := channel.WidgetSession{}
	if base != nil {
		out = *base
	}
	if patch != nil {
		out.SessionID = pick(out.SessionID, patch.SessionID)
		out.VisitorName = pick(out.VisitorName, patch.VisitorName)
		out.VisitorEmail = pick(out.VisitorEmail, patch.VisitorEmail)
		out.VisitorPhone = pick(out.VisitorPhone, patch.VisitorPhone)
		out.PageURL = pick(out.PageURL, patch.PageURL)
		out.UserAgent = pick(out.UserAgent, patch.UserAgent)
	}
	return &out
}

func mergeProvider(base, patch *channel.ProviderInfo) *channel.ProviderInfo {
	if base == nil && patch == nil {
		return nil
	}
	out := channel.ProviderInfo{}
	if base != nil {
		out = *base
	}
	if patch != nil {
		out.ChatType = pick(out.ChatType, patch.ChatType)
		out.Username = pick(out.Username, patch.Username)
		out.AccountID = pick(out.AccountID, patch.AccountID)
	}
	return &out
}

func pick(current, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return current
}

var knownMetadataKeys = map[string]bool{
	"version": true, "threads": true, "widget": true, "provider": true, "extra": true,
}

// decodeMetadata reads a stored document. Unknown top-level keys from older
// untyped documents are folded into Extra.
func decodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{Version: MetadataVersion}, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, err
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return Metadata{}, err
	}
	for k, v := range loose {
		if knownMetadataKeys[k] {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			continue
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		if _, exists := m.Extra[k]; !exists {
			m.Extra[k] = value
		}
	}
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	return m, nil
}

func encodeMetadata(m Metadata) ([]byte, error) {
	m.Version = MetadataVersion
	return json.Marshal(m)
}
