package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/model"
)

func TestEventQueuePreservesOrderAndDrains(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	q := NewEventQueue("C1", 1, func(evt model.StreamEvent) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, evt.Message)
		mu.Unlock()
	}, logging.Discard())

	var want []string
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("event-%d", i)
		want = append(want, msg)
		require.NoError(t, q.Enqueue(context.Background(), model.StreamEvent{Type: model.EventProgress, Message: msg}))
	}
	q.Close()
	<-q.Done()

	assert.Equal(t, want, seen)
	stats := q.Stats()
	assert.Equal(t, int64(50), stats.Total)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Zero(t, stats.Pending)
}

func TestEventQueueSingleConsumer(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex
	q := NewEventQueue("C1", 8, func(model.StreamEvent) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}, logging.Discard())

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(context.Background(), model.StreamEvent{Type: model.EventProgress}))
	}
	q.Close()
	<-q.Done()
	assert.Equal(t, 1, maxActive)
}

func TestEventQueueEnqueueHonoursContext(t *testing.T) {
	block := make(chan struct{})
	q := NewEventQueue("C1", 1, func(model.StreamEvent) { <-block }, logging.Discard())
	defer func() {
		close(block)
		q.Close()
		<-q.Done()
	}()

	require.NoError(t, q.Enqueue(context.Background(), model.StreamEvent{}))
	require.NoError(t, q.Enqueue(context.Background(), model.StreamEvent{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, model.StreamEvent{}), context.DeadlineExceeded)
}
