package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hostguard/internal/schema"
)

func testEnvelope(seq uint64) *schema.EventEnvelope {
	return &schema.EventEnvelope{
		Sequence:  seq,
		EventType: schema.EventFileModify,
		Source:    "test",
	}
}

func TestRingBuffer_PushPop(t *testing.T) {
	rb := NewRingBuffer(4)

	for i := uint64(1); i <= 3; i++ {
		if err := rb.Push(testEnvelope(i)); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}
	if rb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rb.Len())
	}

	for i := uint64(1); i <= 3; i++ {
		env, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if env.Sequence != i {
			t.Errorf("Pop() sequence = %d, want %d (FIFO order)", env.Sequence, i)
		}
	}

	if _, err := rb.Pop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Pop() on empty = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullRefuses(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(testEnvelope(1))
	rb.Push(testEnvelope(2))

	if err := rb.Push(testEnvelope(3)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push() on full = %v, want ErrQueueFull", err)
	}
	if got := rb.Metrics().Refused; got != 1 {
		t.Errorf("Refused = %d, want 1", got)
	}
}

func TestRingBuffer_PushWaitTimesOut(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Push(testEnvelope(1))

	start := time.Now()
	err := rb.PushWait(testEnvelope(2), 50*time.Millisecond)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("PushWait() = %v, want ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("PushWait() returned after %v, want ~50ms wait", elapsed)
	}
}

func TestRingBuffer_PushWaitUnblocksOnPop(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Push(testEnvelope(1))

	done := make(chan error, 1)
	go func() {
		done <- rb.PushWait(testEnvelope(2), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := rb.Pop(); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushWait() = %v, want nil after capacity freed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PushWait() did not unblock after Pop")
	}

	env, err := rb.Pop()
	if err != nil || env.Sequence != 2 {
		t.Errorf("Pop() = %v, %v, want sequence 2", env, err)
	}
}

func TestRingBuffer_PushContextCancellation(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Push(testEnvelope(1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := rb.PushContext(ctx, testEnvelope(2), 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PushContext() = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("PushContext() returned after %v, want prompt return on cancel", elapsed)
	}
}

func TestRingBuffer_PushContextDeadlineCapsTimeout(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Push(testEnvelope(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rb.PushContext(ctx, testEnvelope(2), 5*time.Second)
	if err == nil {
		t.Fatal("PushContext() = nil, want error on full queue")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("PushContext() returned after %v, want wait bounded by context deadline", elapsed)
	}
}

func TestRingBuffer_PushContextUnblocksOnPop(t *testing.T) {
	rb := NewRingBuffer(1)
	rb.Push(testEnvelope(1))

	done := make(chan error, 1)
	go func() {
		done <- rb.PushContext(context.Background(), testEnvelope(2), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := rb.Pop(); err != nil {
		t.Fatalf("Pop() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushContext() = %v, want nil after capacity freed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PushContext() did not unblock after Pop")
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(4)

	start := time.Now()
	if _, err := rb.PopWithTimeout(50 * time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("PopWithTimeout() = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("PopWithTimeout() returned after %v, want ~50ms wait", elapsed)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		rb.Push(testEnvelope(7))
	}()
	env, err := rb.PopWithTimeout(2 * time.Second)
	if err != nil || env.Sequence != 7 {
		t.Fatalf("PopWithTimeout() = %v, %v, want sequence 7", env, err)
	}
}

func TestRingBuffer_CloseDrains(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push(testEnvelope(1))
	rb.Push(testEnvelope(2))
	rb.Close()

	if err := rb.Push(testEnvelope(3)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after Close = %v, want ErrQueueClosed", err)
	}

	// Queued envelopes remain poppable after close.
	for i := uint64(1); i <= 2; i++ {
		env, err := rb.Pop()
		if err != nil || env.Sequence != i {
			t.Fatalf("Pop() after Close = %v, %v, want sequence %d", env, err, i)
		}
	}
	if _, err := rb.Pop(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() on drained closed queue = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.PopWithTimeout(10 * time.Millisecond); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PopWithTimeout() on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_ConcurrentProducersConsumers(t *testing.T) {
	rb := NewRingBuffer(64)
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := rb.PushWait(testEnvelope(uint64(i)), 5*time.Second); err != nil {
					t.Errorf("PushWait() error = %v", err)
					return
				}
			}
		}()
	}

	var popped int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, err := rb.PopWithTimeout(time.Second)
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			if err != nil {
				continue
			}
			popped++
		}
	}()

	wg.Wait()
	rb.Close()
	<-done

	if popped != producers*perProducer {
		t.Errorf("popped %d envelopes, want %d", popped, producers*perProducer)
	}
	m := rb.Metrics()
	if m.Pushed != uint64(producers*perProducer) {
		t.Errorf("Pushed = %d, want %d", m.Pushed, producers*perProducer)
	}
}
