package selftest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnidesk/internal/channel"
)

func TestEvent(t *testing.T) {
	t.Parallel()

	a := NewAdapter()
	event, err := a.Event(Prompt{ExternalChatID: ChatID("a1"), Text: "ping", OperatorID: "op"})
	require.NoError(t, err)
	assert.Equal(t, "selftest:a1", event.ExternalChatID)
	assert.Equal(t, channel.ContentText, event.ContentType)
	assert.True(t, a.Descriptor().Internal)

	_, err = a.Event(Prompt{ExternalChatID: "42", Text: "x"})
	assert.True(t, channel.IsValidation(err))
	_, err = a.Normalize(context.Background(), channel.Binding{}, channel.RawInbound{Body: []byte(`{"external_chat_id":"selftest:a1"}`)})
	assert.True(t, channel.IsValidation(err))
}
