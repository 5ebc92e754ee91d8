package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters. Channel-specific behavior is
// selected by lookup, never by branching on the channel name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types in sorted order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, raw)
	}
	return ct, nil
}

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// GetSender returns the Sender for the given channel type.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetMediaResolver returns the MediaResolver for the given channel type.
func (r *Registry) GetMediaResolver(channelType ChannelType) (MediaResolver, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	resolver, ok := adapter.(MediaResolver)
	return resolver, ok
}

// GetChallengeResponder returns the ChallengeResponder for the given channel type.
func (r *Registry) GetChallengeResponder(channelType ChannelType) (ChallengeResponder, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	responder, ok := adapter.(ChallengeResponder)
	return responder, ok
}

// GetRouteKeyResolver returns the RouteKeyResolver for the given channel type.
func (r *Registry) GetRouteKeyResolver(channelType ChannelType) (RouteKeyResolver, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	resolver, ok := adapter.(RouteKeyResolver)
	return resolver, ok
}

// Normalize converts a raw payload into canonical inbound events. Bindings
// that are inactive or belong to another channel are rejected before the
// adapter runs.
func (r *Registry) Normalize(ctx context.Context, channelType ChannelType, binding Binding, raw RawInbound) ([]InboundEvent, error) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelType)
	}
	if normalizeChannelType(binding.Channel.String()) != adapter.Type() {
		return nil, fmt.Errorf("%w: binding is for %s", ErrUnsupportedChannel, binding.Channel)
	}
	if !binding.Active {
		return nil, ErrChannelDisabled
	}
	var events []InboundEvent
	if batch, ok := adapter.(BatchNormalizer); ok {
		items, err := batch.NormalizeBatch(ctx, binding, raw)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, ErrIgnored
		}
		events = items
	} else {
		event, err := adapter.Normalize(ctx, binding, raw)
		if err != nil {
			return nil, err
		}
		events = []InboundEvent{event}
	}
	for i := range events {
		events[i].Channel = adapter.Type()
		if strings.TrimSpace(events[i].ExternalChatID) == "" {
			return nil, Invalid("external_chat_id", "is required")
		}
	}
	return events, nil
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}
