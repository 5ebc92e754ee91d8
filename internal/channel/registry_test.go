package channel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnidesk/internal/channel"
)

const testChannelType = channel.ChannelType("test")

type stubAdapter struct {
	event channel.InboundEvent
	err   error
	calls int
}

func (a *stubAdapter) Type() channel.ChannelType { return testChannelType }

func (a *stubAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: testChannelType, DisplayName: "Test"}
}

func (a *stubAdapter) Normalize(_ context.Context, _ channel.Binding, _ channel.RawInbound) (channel.InboundEvent, error) {
	a.calls++
	return a.event, a.err
}

type batchAdapter struct {
	stubAdapter
	events []channel.InboundEvent
}

func (a *batchAdapter) NormalizeBatch(_ context.Context, _ channel.Binding, _ channel.RawInbound) ([]channel.InboundEvent, error) {
	return a.events, nil
}

func activeBinding() channel.Binding {
	return channel.Binding{ID: "b1", TenantID: "t1", Channel: testChannelType, Active: true}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	require.NoError(t, reg.Register(&stubAdapter{}))
	err := reg.Register(&stubAdapter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Error(t, reg.Register(nil))
}

func TestRegistryParseChannelType(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{})

	ct, err := reg.ParseChannelType("  TEST ")
	require.NoError(t, err)
	assert.Equal(t, testChannelType, ct)

	_, err = reg.ParseChannelType("fax")
	assert.ErrorIs(t, err, channel.ErrUnsupportedChannel)
}

func TestRegistryNormalizeRejectsDisabledBinding(t *testing.T) {
	t.Parallel()

	adapter := &stubAdapter{event: channel.InboundEvent{ExternalChatID: "c1"}}
	reg := channel.NewRegistry()
	reg.MustRegister(adapter)

	binding := activeBinding()
	binding.Active = false
	_, err := reg.Normalize(context.Background(), testChannelType, binding, channel.RawInbound{})
	assert.ErrorIs(t, err, channel.ErrChannelDisabled)
	assert.Zero(t, adapter.calls)
}

func TestRegistryNormalizeRejectsForeignBinding(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{})

	binding := activeBinding()
	binding.Channel = channel.ChannelTelegram
	_, err := reg.Normalize(context.Background(), testChannelType, binding, channel.RawInbound{})
	assert.ErrorIs(t, err, channel.ErrUnsupportedChannel)

	_, err = reg.Normalize(context.Background(), channel.ChannelType("fax"), binding, channel.RawInbound{})
	assert.ErrorIs(t, err, channel.ErrUnsupportedChannel)
}

func TestRegistryNormalizeStampsChannel(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{event: channel.InboundEvent{ExternalChatID: "c1", Text: "hi"}})

	events, err := reg.Normalize(context.Background(), testChannelType, activeBinding(), channel.RawInbound{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, testChannelType, events[0].Channel)
	assert.Equal(t, "hi", events[0].Text)
}

func TestRegistryNormalizeRequiresChatID(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{event: channel.InboundEvent{Text: "hi"}})

	_, err := reg.Normalize(context.Background(), testChannelType, activeBinding(), channel.RawInbound{})
	assert.True(t, channel.IsValidation(err))
}

func TestRegistryNormalizePropagatesAdapterError(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{err: channel.ErrForbidden})

	_, err := reg.Normalize(context.Background(), testChannelType, activeBinding(), channel.RawInbound{})
	assert.True(t, errors.Is(err, channel.ErrForbidden))
}

func TestRegistryNormalizeBatch(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&batchAdapter{events: []channel.InboundEvent{{ExternalChatID: "a"}, {ExternalChatID: "b"}}})

	events, err := reg.Normalize(context.Background(), testChannelType, activeBinding(), channel.RawInbound{})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	empty := channel.NewRegistry()
	empty.MustRegister(&batchAdapter{})
	_, err = empty.Normalize(context.Background(), testChannelType, activeBinding(), channel.RawInbound{})
	assert.ErrorIs(t, err, channel.ErrIgnored)
}

func TestRegistryCapabilityLookup(t *testing.T) {
	t.Parallel()

	reg := channel.NewRegistry()
	reg.MustRegister(&stubAdapter{})

	_, ok := reg.GetSender(testChannelType)
	assert.False(t, ok)
	_, ok = reg.GetMediaResolver(testChannelType)
	assert.False(t, ok)
	desc, ok := reg.GetDescriptor(testChannelType)
	assert.True(t, ok)
	assert.Equal(t, "Test", desc.DisplayName)
	assert.Equal(t, []channel.ChannelType{testChannelType}, reg.Types())
}
