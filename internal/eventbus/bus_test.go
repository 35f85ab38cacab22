package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := New(Joint)

	var mu sync.Mutex
	var received []string
	bus.Subscribe("worker_connected", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Payload.(string))
	})

	bus.Publish(Event{Name: "worker_connected", Payload: "echo-1"})
	bus.Publish(Event{Name: "worker_connected", Payload: "echo-2"})
	bus.Publish(Event{Name: "worker_connected", Payload: "echo-3"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"echo-1", "echo-2", "echo-3"}, received)
}

func TestPublishDoesNotCrossNames(t *testing.T) {
	bus := New(Joint)

	var gotFailedHb bool
	bus.Subscribe("worker_failedHb", func(e Event) { gotFailedHb = true })

	bus.Publish(Event{Name: "worker_connected", Payload: nil})

	assert.False(t, gotFailedHb)
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	bus := New(Joint)

	var names []string
	bus.Subscribe("", func(e Event) { names = append(names, e.Name) })

	bus.Publish(Event{Name: "process_started"})
	bus.Publish(Event{Name: "process_online"})

	assert.Equal(t, []string{"process_started", "process_online"}, names)
}

func TestMultipleSubscribersEachGetEveryEvent(t *testing.T) {
	bus := New(Private)

	var a, b int
	bus.Subscribe("request", func(Event) { a++ })
	bus.Subscribe("request", func(Event) { b++ })

	bus.Publish(Event{Name: "request"})
	bus.Publish(Event{Name: "request"})

	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}

func TestRunExitsOnCancel(t *testing.T) {
	bus := New(Joint)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go bus.Run(ctx, &wg)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
