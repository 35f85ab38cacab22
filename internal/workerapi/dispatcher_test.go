package workerapi

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nef-run/nef/internal/protocol"
)

type echoArgs struct {
	Message string `json:"message" validate:"required"`
}

func newEchoDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(&MethodSpec{
		Name:           "echoSync",
		DefaultTimeout: time.Second,
		NewArgs:        func() interface{} { return &echoArgs{} },
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			return args.(*echoArgs).Message, nil
		},
	})
	return d
}

func TestDispatchUnknownMethodIsUnimpl(t *testing.T) {
	d := NewDispatcher()
	_, perr := d.Dispatch(context.Background(), "noSuchMethod", nil, 0, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnimpl, perr.Code)
}

func TestDispatchBadArgsYieldsBadArg(t *testing.T) {
	d := newEchoDispatcher()
	_, perr := d.Dispatch(context.Background(), "echoSync", []byte(`{}`), 0, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeBadArg, perr.Code)
}

func TestDispatchEchoSync(t *testing.T) {
	d := newEchoDispatcher()
	raw, _ := json.Marshal(echoArgs{Message: "foo"})
	result, perr := d.Dispatch(context.Background(), "echoSync", raw, 0, nil)
	require.Nil(t, perr)
	assert.Equal(t, "foo", result)
}

func TestDispatchTimeoutDiscardsLateResult(t *testing.T) {
	d := NewDispatcher()
	d.Register(&MethodSpec{
		Name:           "slow",
		DefaultTimeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		},
	})

	start := time.Now()
	_, perr := d.Dispatch(context.Background(), "slow", nil, 0, nil)
	elapsed := time.Since(start)

	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeTimedOut, perr.Code)
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestDispatchTimeoutOverrideWins(t *testing.T) {
	d := NewDispatcher()
	d.Register(&MethodSpec{
		Name:           "slow",
		DefaultTimeout: time.Second,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			time.Sleep(200 * time.Millisecond)
			return "ok", nil
		},
	})

	_, perr := d.Dispatch(context.Background(), "slow", nil, 30*time.Millisecond, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeTimedOut, perr.Code)
}

func TestDispatchProgressDroppedAfterCancellation(t *testing.T) {
	d := NewDispatcher()
	handlerDone := make(chan struct{})
	d.Register(&MethodSpec{
		Name:           "notify",
		DefaultTimeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			defer close(handlerDone)
			progress("before-timeout")
			time.Sleep(100 * time.Millisecond)
			progress("after-timeout")
			return nil, nil
		},
	})

	var mu sync.Mutex
	var seen []interface{}
	_, perr := d.Dispatch(context.Background(), "notify", nil, 0, func(item interface{}) {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
	})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeTimedOut, perr.Code)

	<-handlerDone
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []interface{}{"before-timeout"}, seen)
}

// TestDispatchLockSerializesConflictingMethods exercises key-set locking
// end to end through Dispatch rather than the lockSet directly.
func TestDispatchLockSerializesConflictingMethods(t *testing.T) {
	d := NewDispatcher()
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	d.Register(&MethodSpec{
		Name:           "lockA",
		Locks:          []string{"res"},
		DefaultTimeout: time.Second,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			time.Sleep(60 * time.Millisecond)
			record("a")
			return nil, nil
		},
	})
	d.Register(&MethodSpec{
		Name:           "lockB",
		Locks:          []string{"res"},
		DefaultTimeout: time.Second,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			record("b")
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Dispatch(context.Background(), "lockA", nil, 0, nil)
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		d.Dispatch(context.Background(), "lockB", nil, 0, nil)
	}()
	wg.Wait()

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestDispatchHandlerPanicBecomesInternal(t *testing.T) {
	d := NewDispatcher()
	d.Register(&MethodSpec{
		Name:           "boom",
		DefaultTimeout: time.Second,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			panic("kaboom")
		},
	})

	_, perr := d.Dispatch(context.Background(), "boom", nil, 0, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInternal, perr.Code)
}

func TestDispatchOutputValidationFailureIsInternal(t *testing.T) {
	d := NewDispatcher()
	d.Register(&MethodSpec{
		Name:           "badOutput",
		DefaultTimeout: time.Second,
		Handler: func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error) {
			return &echoArgs{Message: ""}, nil
		},
	})

	_, perr := d.Dispatch(context.Background(), "badOutput", nil, 0, nil)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeInternal, perr.Code)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	d := NewDispatcher()
	spec := &MethodSpec{Name: "dup", DefaultTimeout: time.Second}
	d.Register(spec)
	assert.Panics(t, func() { d.Register(spec) })
}
