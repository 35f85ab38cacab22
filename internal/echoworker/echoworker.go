// Package echoworker is the sample worker used to exercise the worker
// runtime's locking, async, timeout and progress-notification behavior
// (spec.md §8 end-to-end scenarios 1, 2, 3 and 6). Grounded on
// internal/workerapi's dispatcher_test.go echo fixture, generalized into
// the full method set those scenarios exercise.
package echoworker

import (
	"context"
	"time"

	"github.com/nef-run/nef/internal/protocol"
	"github.com/nef-run/nef/internal/workerapi"
)

// Name is the service name this worker registers under.
const Name = "echo"

type echoArgs struct {
	Str     string `json:"str" validate:"required"`
	Delay   int    `json:"delay"`             // milliseconds
	Timeout int    `json:"timeout,omitempty"` // milliseconds; read by workerhost before dispatch, not by the handler
}

type echoResult struct {
	Str string `json:"str"`
}

type notifyItem struct {
	Str        string `json:"str"`
	TimeOffset int64  `json:"timeOffset"` // milliseconds since the call started
}

// sleep blocks for ms milliseconds or until ctx is cancelled, whichever
// comes first, returning false on cancellation so the caller can bail out
// without returning a result for a request that has already been timed out.
func sleep(ctx context.Context, ms int) bool {
	if ms <= 0 {
		return true
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return true
	case <-ctx.Done():
		return false
	}
}

// NewDispatcher builds the echo worker's method table.
func NewDispatcher() *workerapi.Dispatcher {
	d := workerapi.NewDispatcher()

	d.Register(&workerapi.MethodSpec{
		Name:    "echoSync",
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: func(ctx context.Context, args interface{}, _ workerapi.ProgressFunc) (interface{}, error) {
			a := args.(*echoArgs)
			return echoResult{Str: a.Str}, nil
		},
	})

	d.Register(&workerapi.MethodSpec{
		Name:    "echoLockingA",
		Locks:   []string{"A"},
		Async:   true,
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: lockingHandler,
	})
	d.Register(&workerapi.MethodSpec{
		Name:    "echoLockingAB",
		Locks:   []string{"A", "B"},
		Async:   true,
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: lockingHandler,
	})
	d.Register(&workerapi.MethodSpec{
		Name:    "echoLockingB",
		Locks:   []string{"B"},
		Async:   true,
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: lockingHandler,
	})

	d.Register(&workerapi.MethodSpec{
		Name:    "echoAsync",
		Async:   true,
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: func(ctx context.Context, args interface{}, _ workerapi.ProgressFunc) (interface{}, error) {
			a := args.(*echoArgs)
			if !sleep(ctx, a.Delay) {
				return nil, protocol.NewTimedOut("echoAsync")
			}
			return echoResult{Str: a.Str}, nil
		},
	})

	d.Register(&workerapi.MethodSpec{
		Name:    "echoAsyncWithNotifications",
		Async:   true,
		NewArgs: func() interface{} { return &echoArgs{} },
		Handler: echoAsyncWithNotifications,
	})

	return d
}

func lockingHandler(ctx context.Context, args interface{}, _ workerapi.ProgressFunc) (interface{}, error) {
	a := args.(*echoArgs)
	if !sleep(ctx, a.Delay) {
		return nil, protocol.NewTimedOut("locking request")
	}
	return echoResult{Str: a.Str}, nil
}

// echoAsyncWithNotifications emits five progress fractions (0/25/50/75/100%)
// evenly spaced across delay, then a final item carrying the plain str, and
// returns the whole collated sequence as its result (spec.md §8 scenario 6).
func echoAsyncWithNotifications(ctx context.Context, args interface{}, progress workerapi.ProgressFunc) (interface{}, error) {
	a := args.(*echoArgs)
	start := time.Now()
	fractions := []string{"0%", "25%", "50%", "75%", "100%"}
	items := make([]notifyItem, 0, len(fractions)+1)

	for i, frac := range fractions {
		target := time.Duration(i) * time.Duration(a.Delay) / 4 * time.Millisecond
		if i > 0 {
			remaining := int(target/time.Millisecond) - int(time.Since(start)/time.Millisecond)
			if !sleep(ctx, remaining) {
				return nil, protocol.NewTimedOut("echoAsyncWithNotifications")
			}
		}
		item := notifyItem{Str: a.Str + "-" + frac, TimeOffset: time.Since(start).Milliseconds()}
		items = append(items, item)
		if progress != nil {
			progress(item)
		}
	}

	final := notifyItem{Str: a.Str, TimeOffset: time.Since(start).Milliseconds()}
	items = append(items, final)
	if progress != nil {
		progress(final)
	}
	return items, nil
}
