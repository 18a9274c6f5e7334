package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryProvider_QueueIsStablePerName(t *testing.T) {
	p := NewInMemoryProvider()
	ctx := context.Background()

	a, err := p.Queue(ctx, "work-svc-a")
	require.NoError(t, err)
	b, err := p.Queue(ctx, "work-svc-a")
	require.NoError(t, err)
	assert.Same(t, a, b, "repeated lookups of the same name must return the same underlying queue")
}

func TestInMemoryQueue_ReceiveIsFIFO(t *testing.T) {
	p := NewInMemoryProvider()
	ctx := context.Background()
	q, err := p.Queue(ctx, "scheduler")
	require.NoError(t, err)

	require.NoError(t, q.Send(ctx, []byte("first"), ""))
	require.NoError(t, q.Send(ctx, []byte("second"), ""))

	depth, err := q.ApproxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	msg1, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg1)
	assert.Equal(t, "first", string(msg1.Body))

	msg2, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg2)
	assert.Equal(t, "second", string(msg2.Body))

	depth, err = q.ApproxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestInMemoryQueue_ReceiveOnEmptyReturnsNil(t *testing.T) {
	p := NewInMemoryProvider()
	ctx := context.Background()
	q, err := p.Queue(ctx, "empty")
	require.NoError(t, err)

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
