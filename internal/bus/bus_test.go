package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// 1. Publish delivers to every live subscriber for the signal.
func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	var got1, got2 int32
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(SignalDamageTaken, func(p Payload) {
		atomic.AddInt32(&got1, 1)
		wg.Done()
	}, 0)
	b.Subscribe(SignalDamageTaken, func(p Payload) {
		atomic.AddInt32(&got2, 1)
		wg.Done()
	}, 0)

	b.Publish(SignalDamageTaken, Payload{"amount": 4})

	waitOrTimeout(t, &wg, time.Second)

	if atomic.LoadInt32(&got1) != 1 || atomic.LoadInt32(&got2) != 1 {
		t.Fatalf("expected both subscribers to be invoked once, got %d and %d", got1, got2)
	}
}

// 2. A throttled subscription drops publications that arrive within the window.
func TestThrottleDropsWithinWindow(t *testing.T) {
	b := New()
	var count int32
	var wg sync.WaitGroup
	wg.Add(1)

	b.Subscribe(SignalThreatDetected, func(p Payload) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	}, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		b.Publish(SignalThreatDetected, Payload{"i": i})
	}

	waitOrTimeout(t, &wg, time.Second)
	// give any erroneous extra deliveries a chance to land
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected exactly 1 delivery within the throttle window, got %d", got)
	}
}

// 3. A delivery after the throttle window elapses is not dropped.
func TestThrottleAllowsAfterWindow(t *testing.T) {
	b := New()
	var count int32
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(SignalThreatDetected, func(p Payload) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	}, 10*time.Millisecond)

	b.Publish(SignalThreatDetected, Payload{})
	time.Sleep(20 * time.Millisecond)
	b.Publish(SignalThreatDetected, Payload{})

	waitOrTimeout(t, &wg, time.Second)

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("expected 2 deliveries across the window boundary, got %d", got)
	}
}

// 4. A panicking handler does not block delivery to sibling subscriptions.
func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New()
	var sawGood int32
	var wg sync.WaitGroup
	wg.Add(1)

	b.Subscribe(SignalSystemError, func(p Payload) {
		panic("boom")
	}, 0)
	b.Subscribe(SignalSystemError, func(p Payload) {
		atomic.AddInt32(&sawGood, 1)
		wg.Done()
	}, 0)

	b.Publish(SignalSystemError, Payload{})

	waitOrTimeout(t, &wg, time.Second)

	if atomic.LoadInt32(&sawGood) != 1 {
		t.Fatalf("expected sibling subscriber to still be invoked, got %d", sawGood)
	}
}

// 5. Delivery order within a single subscription is FIFO.
func TestDeliveryOrderIsFIFO(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)

	b.Subscribe(SignalTaskCompleted, func(p Payload) {
		mu.Lock()
		order = append(order, p["i"].(int))
		mu.Unlock()
		wg.Done()
	}, 0)

	for i := 0; i < 10; i++ {
		b.Publish(SignalTaskCompleted, Payload{"i": i})
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

// 6. Unsubscribe is synchronous: no delivery for that subscription starts afterward.
func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	b := New()
	var count int32

	sub := b.Subscribe(SignalBotReady, func(p Payload) {
		atomic.AddInt32(&count, 1)
	}, 0)

	b.Publish(SignalBotReady, Payload{})
	time.Sleep(20 * time.Millisecond)

	sub.Unsubscribe()
	if b.SubscriberCount(SignalBotReady) != 0 {
		t.Fatalf("expected subscriber count to drop to 0 after unsubscribe")
	}

	for i := 0; i < 5; i++ {
		b.Publish(SignalBotReady, Payload{})
	}
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", got)
	}
}

// 7. Unsubscribe does not cancel an in-flight handler.
func TestUnsubscribeDoesNotCancelInFlightHandler(t *testing.T) {
	b := New()
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	sub := b.Subscribe(SignalEngagedTarget, func(p Payload) {
		close(started)
		<-release
		close(finished)
	}, 0)

	b.Publish(SignalEngagedTarget, Payload{})
	<-started

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()
	<-done

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("in-flight handler never completed after unsubscribe")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for expected deliveries")
	}
}
