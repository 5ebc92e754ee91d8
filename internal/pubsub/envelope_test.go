package pubsub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("crm.action", "tenant-1", "msg-1", map[string]string{"type": "lead"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, "crm.action", env.Meta.Type)
	assert.Equal(t, "tenant-1", env.Meta.TenantID)
	assert.Equal(t, "msg-1", env.Meta.CorrelationID)
	assert.False(t, env.Meta.OccurredAt.IsZero())
	assert.JSONEq(t, `{"type":"lead"}`, string(env.Data))

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":{"type":"lead"}`)

	_, err = NewEnvelope("x", "", "", make(chan int))
	assert.Error(t, err)
}

func TestAMQPPublisherClosed(t *testing.T) {
	p := &AMQPPublisher{}
	assert.ErrorIs(t, p.Publish(t.Context(), "k", Envelope{}), ErrClosed)
	assert.NoError(t, p.Close())
}
