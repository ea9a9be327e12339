package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	handler := func(ctx context.Context, ev *Event) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, ev.Text)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	eq := NewEventQueue("test-session", handler, 0, 0, nil)
	defer eq.Close()

	want := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, text := range want {
		require.NoError(t, eq.Enqueue(&Event{Type: EventTranscript, Text: text}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, processed)
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var count atomic.Int64
	var running atomic.Int32
	var overlapped atomic.Bool

	handler := func(ctx context.Context, ev *Event) error {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		count.Add(1)
		running.Add(-1)
		return nil
	}

	eq := NewEventQueue("test-session", handler, 200, 0, nil)
	defer eq.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = eq.Enqueue(&Event{Type: EventTranscript, Text: strconv.Itoa(id*10 + j)})
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return count.Load() == 100 }, time.Second, 5*time.Millisecond)
	assert.False(t, overlapped.Load(), "handler must never run concurrently")
}

func TestEventQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, ev *Event) error {
		<-release
		return nil
	}

	eq := NewEventQueue("test-session", handler, 5, 0, nil)

	dropped := 0
	for i := 0; i < 20; i++ {
		if err := eq.Enqueue(&Event{Type: EventTranscript}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}

	assert.GreaterOrEqual(t, dropped, 14)
	assert.Equal(t, int64(dropped), eq.Stats().DroppedEvents)
	assert.Equal(t, 5, eq.Stats().QueueCapacity)

	close(release)
	require.NoError(t, eq.Close())
}

func TestEventQueue_ErrorHandling(t *testing.T) {
	handler := func(ctx context.Context, ev *Event) error {
		if ev.Type == EventError {
			return errors.New("boom")
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, 0, 0, nil)
	defer eq.Close()

	require.NoError(t, eq.Enqueue(&Event{Type: EventTranscript}))
	require.NoError(t, eq.Enqueue(&Event{Type: EventError}))
	require.NoError(t, eq.Enqueue(&Event{Type: EventTranscript}))

	// 处理失败不影响后续事件
	require.Eventually(t, func() bool { return eq.Stats().ProcessedEvents == 3 }, time.Second, 5*time.Millisecond)
}

func TestEventQueue_SyncEnqueue(t *testing.T) {
	var got []EventType
	handler := func(ctx context.Context, ev *Event) error {
		got = append(got, ev.Type)
		if ev.Type == EventError {
			return errors.New("upstream failed")
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, 0, time.Second, nil)
	defer eq.Close()

	require.NoError(t, eq.EnqueueSync(&Event{Type: EventDisconnected}))
	assert.Equal(t, []EventType{EventDisconnected}, got)

	err := eq.EnqueueSync(&Event{Type: EventError})
	assert.EqualError(t, err, "upstream failed")
}

func TestEventQueue_SyncTimeout(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, ev *Event) error {
		<-release
		return nil
	}

	eq := NewEventQueue("test-session", handler, 0, 50*time.Millisecond, nil)

	err := eq.EnqueueSync(&Event{Type: EventTranscript})
	assert.Error(t, err)

	close(release)
	require.NoError(t, eq.Close())
}

func TestEventQueue_ClosedQueueRejects(t *testing.T) {
	var count atomic.Int64
	handler := func(ctx context.Context, ev *Event) error {
		count.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	eq := NewEventQueue("test-session", handler, 0, 0, nil)
	for i := 0; i < 10; i++ {
		_ = eq.Enqueue(&Event{Type: EventTranscript})
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, eq.Close())
	require.NoError(t, eq.Close())

	assert.Less(t, count.Load(), int64(10))
	assert.ErrorIs(t, eq.Enqueue(&Event{Type: EventTranscript}), ErrQueueClosed)
	assert.ErrorIs(t, eq.EnqueueSync(&Event{Type: EventTranscript}), ErrQueueClosed)
}

func BenchmarkEventQueue_Enqueue(b *testing.B) {
	handler := func(ctx context.Context, ev *Event) error { return nil }

	eq := NewEventQueue("test-session", handler, b.N+1, 0, nil)
	defer eq.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eq.Enqueue(&Event{Type: EventTranscript})
	}
}
