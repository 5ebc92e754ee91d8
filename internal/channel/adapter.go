package channel

import (
	"context"
	"net/url"
)

// Adapter is the base interface every channel adapter must implement.
// Normalize must not touch persistence.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
	Normalize(ctx context.Context, binding Binding, raw RawInbound) (InboundEvent, error)
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type        ChannelType `json:"type"`
	DisplayName string      `json:"display_name"`
	// RetriesOnError is set for providers that redeliver on non-2xx
	// responses. Validation failures are acknowledged instead of rejected.
	RetriesOnError bool `json:"retries_on_error"`
	// Polling channels have no push transport; clients fetch replies.
	Polling bool `json:"polling"`
	// Internal channels are only fed by authenticated operator routes and
	// never accept public webhooks.
	Internal       bool `json:"internal"`
	TextChunkLimit int  `json:"text_chunk_limit,omitempty"`
}

// Sender delivers an outbound message and returns the provider-side id.
type Sender interface {
	Send(ctx context.Context, binding Binding, msg OutboundMessage) (string, error)
}

// MediaResolver downloads the binary behind a channel media reference.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, binding Binding, media Media) (Upload, error)
}

// BatchNormalizer is implemented by channels whose webhooks carry several
// events in one body.
type BatchNormalizer interface {
	NormalizeBatch(ctx context.Context, binding Binding, raw RawInbound) ([]InboundEvent, error)
}

// ChallengeResponder answers webhook subscription verification requests.
type ChallengeResponder interface {
	Challenge(binding Binding, query url.Values) (string, error)
}

// RouteKeyResolver extracts the binding public key from a payload when the
// caller did not address a binding explicitly.
type RouteKeyResolver interface {
	RouteKey(raw RawInbound) (string, error)
}
