package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	b := New[string]()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish("x")
	assert.Equal(t, "x", <-a)
	assert.Equal(t, "x", <-c)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	b.Publish("y")
	assert.Equal(t, "y", <-c)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New[int]()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(1)
	b.Publish(2)
	require.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(1), b.Dropped())
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}
