package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestFIFOPerChat proves non-overlapping, in-order handling of events
// sharing a chat id (§4.1, §8's ordering property).
func TestFIFOPerChat(t *testing.T) {
	d := New(nil)
	var mu sync.Mutex
	var order []int
	var overlap int32

	var wg sync.WaitGroup
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		d.Dispatch(context.Background(), Event{ChatID: 1, Text: "x"}, func(ctx context.Context, e Event) {
			defer wg.Done()
			if !atomic.CompareAndSwapInt32(&overlap, 0, 1) {
				t.Errorf("overlapping execution detected for chat 1")
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.StoreInt32(&overlap, 0)
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("events for chat 1 executed out of FIFO order: %v", order)
		}
	}
}

// TestParallelAcrossChats proves events for distinct chats are not
// serialized against one another (§4.1).
func TestParallelAcrossChats(t *testing.T) {
	d := New(nil)
	const n = 10
	release := make(chan struct{})
	started := make(chan int64, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := int64(0); i < n; i++ {
		d.Dispatch(context.Background(), Event{ChatID: i}, func(ctx context.Context, e Event) {
			defer wg.Done()
			started <- e.ChatID
			<-release
		})
	}

	seen := make(map[int64]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < n {
		select {
		case id := <-started:
			seen[id] = true
		case <-deadline:
			t.Fatalf("only %d/%d chats started concurrently before timeout", len(seen), n)
		}
	}
	close(release)
	wg.Wait()
}

// TestHandlerPanicDoesNotWedgeChat proves the chat lock is released even
// when a handler panics (§4.1 failure isolation).
func TestHandlerPanicDoesNotWedgeChat(t *testing.T) {
	d := New(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	d.Dispatch(context.Background(), Event{ChatID: 5}, func(ctx context.Context, e Event) {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	// Give the deferred queued-- / lock release a moment to run.
	time.Sleep(10 * time.Millisecond)

	var wg2 sync.WaitGroup
	wg2.Add(1)
	ran := false
	d.Dispatch(context.Background(), Event{ChatID: 5}, func(ctx context.Context, e Event) {
		defer wg2.Done()
		ran = true
	})
	wg2.Wait()

	if !ran {
		t.Fatal("chat lock remained held after a handler panic")
	}
}

// TestQueuedAndRunning exercise the §6.4 admin surface.
func TestQueuedAndRunning(t *testing.T) {
	d := New(nil)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	d.Dispatch(context.Background(), Event{ChatID: 7, Text: "do it", Provider: "cli"}, func(ctx context.Context, e Event) {
		defer wg.Done()
		<-release
	})

	deadline := time.Now().Add(time.Second)
	for len(d.Running()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	running := d.Running()
	if len(running) != 1 || running[0].ChatID != 7 {
		t.Fatalf("expected chat 7 to be running, got %v", running)
	}
	if running[0].Text != "do it" || running[0].Provider != "cli" {
		t.Fatalf("expected active task to carry text/provider, got %+v", running[0])
	}
	if running[0].ID == 0 {
		t.Fatalf("expected a non-zero monotonic task id, got %+v", running[0])
	}
	if running[0].StartedAt.IsZero() {
		t.Fatalf("expected a non-zero StartedAt, got %+v", running[0])
	}

	close(release)
	wg.Wait()

	deadline = time.Now().Add(time.Second)
	for len(d.Running()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(d.Running()) != 0 {
		t.Fatalf("expected no chats running after completion, got %v", d.Running())
	}
}
