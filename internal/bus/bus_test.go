package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, options ...Option) *Bus {
	t.Helper()
	b := New(options...)
	require.NoError(t, b.Open("s1"))
	return b
}

// collect reads n events from sub, failing the test on timeout.
func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]Event, 0, n)
	for len(out) < n {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func sequences(events []Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}

func TestPublishAssignsIncreasingSequence(t *testing.T) {
	b := newTestBus(t)

	for i := 1; i <= 3; i++ {
		ev, err := b.Publish("s1", KindContentDelta, map[string]string{"text": "x"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.Equal(t, "s1", ev.SessionID)
	}

	_, err := b.Publish("nope", KindTurnStarted, nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestLateSubscriberReceivesReplayThenLive(t *testing.T) {
	b := newTestBus(t)

	const k = 5
	for i := 0; i < k; i++ {
		_, err := b.Publish("s1", KindContentDelta, map[string]int{"i": i})
		require.NoError(t, err)
	}

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = b.Publish("s1", KindTurnComplete, nil)
	require.NoError(t, err)

	got := collect(t, sub, k+1)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, sequences(got))
	assert.Equal(t, KindTurnComplete, got[k].Kind)
}

func TestSubscribeAfterSkipsSeenEvents(t *testing.T) {
	b := newTestBus(t)
	for i := 0; i < 4; i++ {
		_, err := b.Publish("s1", KindContentDelta, nil)
		require.NoError(t, err)
	}

	sub, err := b.SubscribeAfter("s1", 2)
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, []uint64{3, 4}, sequences(collect(t, sub, 2)))

	events, err := b.SnapshotAfter("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestConcurrentPublishersKeepTotalOrder(t *testing.T) {
	b := newTestBus(t, WithQueueSize(1024))
	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Cancel()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := b.Publish("s1", KindContentDelta, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := collect(t, sub, writers*perWriter)
	for i, ev := range got {
		require.Equal(t, uint64(i+1), ev.Sequence)
	}

	snap, err := b.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, sequences(got), sequences(snap))
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := newTestBus(t)
	subs := make([]*Subscription, 3)
	for i := range subs {
		sub, err := b.Subscribe("s1")
		require.NoError(t, err)
		defer sub.Cancel()
		subs[i] = sub
	}

	_, err := b.Publish("s1", KindPreviewReady, map[string]string{"endpoint": "http://127.0.0.1:4000/"})
	require.NoError(t, err)

	for _, sub := range subs {
		got := collect(t, sub, 1)
		assert.Equal(t, KindPreviewReady, got[0].Kind)
		assert.JSONEq(t, `{"endpoint":"http://127.0.0.1:4000/"}`, string(got[0].Payload))
	}
	assert.Equal(t, 3, b.Status().Subscribers)
}

func TestSlowSubscriberIsDroppedWithoutBlockingOthers(t *testing.T) {
	b := newTestBus(t, WithQueueSize(2))

	stalled, err := b.Subscribe("s1")
	require.NoError(t, err)
	healthy, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer healthy.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := b.Publish("s1", KindContentDelta, nil)
			assert.NoError(t, err)
			// Keep the healthy subscriber drained.
			_, err = healthy.Next(context.Background())
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	// The stalled subscriber still drains what was queued, then ends.
	var err2 error
	for err2 == nil {
		_, err2 = stalled.Next(context.Background())
	}
	assert.ErrorIs(t, err2, ErrSlowSubscriber)
	assert.Equal(t, 1, b.Status().Subscribers)
}

func TestSealEndsSubscriptionsAndKeepsHistory(t *testing.T) {
	b := newTestBus(t)
	live, err := b.Subscribe("s1")
	require.NoError(t, err)

	_, err = b.Publish("s1", KindTurnStarted, nil)
	require.NoError(t, err)
	_, err = b.Publish("s1", KindSessionFailed, map[string]string{"cause": "upstream error"})
	require.NoError(t, err)
	b.Seal("s1")

	_, err = b.Publish("s1", KindContentDelta, nil)
	assert.ErrorIs(t, err, ErrClosed)

	got := collect(t, live, 2)
	assert.True(t, got[1].Kind.Terminal())
	_, err = live.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	late, err := b.Subscribe("s1")
	require.NoError(t, err)
	got = collect(t, late, 2)
	assert.Equal(t, KindSessionFailed, got[1].Kind)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[1].Payload, &payload))
	assert.Equal(t, "upstream error", payload["cause"])
	_, err = late.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	sub, err := b.Subscribe("s1")
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()

	_, err = sub.Next(context.Background())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, b.Status().Subscribers)
}

func TestStatusCountsQueuedEvents(t *testing.T) {
	b := newTestBus(t)
	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 3; i++ {
		_, err := b.Publish("s1", KindContentDelta, nil)
		require.NoError(t, err)
	}

	st := b.Status()
	assert.True(t, st.Accepting)
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, 3, st.QueuedEvents)

	b.Close()
	assert.False(t, b.Status().Accepting)
	assert.ErrorIs(t, b.Open("s2"), ErrClosed)
}

func TestPublishedPayloadIsDetachedFromCaller(t *testing.T) {
	b := newTestBus(t)
	payload := map[string]string{"text": "before"}
	_, err := b.Publish("s1", KindContentDelta, payload)
	require.NoError(t, err)
	payload["text"] = "after"

	events, err := b.Snapshot("s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"before"}`, string(events[0].Payload))
}

func TestDropForgetsSession(t *testing.T) {
	b := newTestBus(t)
	b.Drop("s1")
	_, err := b.Snapshot("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}
