package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type tagged struct{ Key string }

func (t tagged) Attributes() map[string]string { return map[string]string{"key": t.Key} }

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", tagged{Key: "example.com/a"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Nil(t, msgs[0].Attributes)
	require.Equal(t, "example.com/a", msgs[1].Attributes["key"])

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)
}

func TestPublisherLimit(t *testing.T) {
	t.Parallel()

	pub := New(1)
	_, err := pub.Publish(context.Background(), "t", "one")
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "t", "two")
	require.ErrorIs(t, err, ErrFull)
	require.Len(t, pub.Messages(), 1)
}

func TestPublisherHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0).Publish(ctx, "t", "x")
	require.ErrorIs(t, err, context.Canceled)
}
