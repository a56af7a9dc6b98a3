package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitInvokesAllSubscribers(t *testing.T) {
	b := New()
	var got []string
	b.On(TopicStorageError, func(p any) { got = append(got, "first:"+p.(string)) })
	b.On(TopicStorageError, func(p any) { got = append(got, "second:"+p.(string)) })

	b.Emit(TopicStorageError, "boom")

	require.Len(t, got, 2)
	assert.Equal(t, "first:boom", got[0])
	assert.Equal(t, "second:boom", got[1])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.On(TopicWALReplayComplete, func(any) { calls++ })

	b.Emit(TopicWALReplayComplete, nil)
	unsub()
	b.Emit(TopicWALReplayComplete, nil)

	assert.Equal(t, 1, calls)

	// Calling Unsubscribe twice must not panic.
	assert.NotPanics(t, unsub)
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	b := New()
	calls := 0
	b.Once(TopicFallbackActive, func(any) { calls++ })

	b.Emit(TopicFallbackActive, nil)
	b.Emit(TopicFallbackActive, nil)

	assert.Equal(t, 1, calls)
}

func TestEmitToUnknownTopicIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Emit(Topic("nothing:listens"), nil) })
}
