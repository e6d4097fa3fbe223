package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsJSON(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "crawl-events", map[string]int{"pages": 3})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawl-events", msgs[0].Topic)
	assert.JSONEq(t, `{"pages":3}`, string(msgs[0].Data))

	msgs[0].Topic = "changed"
	assert.Equal(t, "crawl-events", pub.Messages()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", "x")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "t", "x")
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), "t", make(chan int))
	assert.ErrorContains(t, err, "marshal payload")
}
