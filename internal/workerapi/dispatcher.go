// Package workerapi implements the worker-side request serialization core
// (spec.md §4.5, component C5): a per-process method table, key-set lock
// scheduling, async handlers with progress notifications, and per-request
// timeouts with cooperative cancellation.
//
// Grounded on the teacher's state/service.go Handler/callback dispatch
// (a string-keyed map of objects with an Execute method) generalized from
// a flat string-keyed callback map into a declarative MethodSpec table
// with locks/async/timeout metadata, and on core/mdp/worker.go's
// Recv-driven request loop for the surrounding worker process shape.
package workerapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nef-run/nef/internal/protocol"

	log "github.com/sirupsen/logrus"
)

// ProgressFunc emits a progress item for an in-flight async request. Calls
// made after the request has been cancelled (timed out) are silently
// dropped by the dispatcher, per spec.md §4.5's progress-notification
// rule and §5's "progress events arriving after cancellation are dropped."
type ProgressFunc func(item interface{})

// HandlerFunc implements a method's behavior. args is the value returned
// by MethodSpec.NewArgs, already decoded and validated. The handler
// should observe ctx.Done() at any suspension point if Async is true and
// the work can be long-running, per spec.md §4.5 step 3's cooperative
// cancellation requirement.
type HandlerFunc func(ctx context.Context, args interface{}, progress ProgressFunc) (interface{}, error)

// MethodSpec declares one API method: its lock key-set, whether it is
// async, its default timeout, and its handler. NewArgs, when non-nil,
// returns a fresh pointer to the method's argument struct so the
// dispatcher can json.Unmarshal and struct-tag-validate it; a nil NewArgs
// means the method takes no structured arguments.
type MethodSpec struct {
	Name           string
	Locks          []string
	Async          bool
	DefaultTimeout time.Duration
	NewArgs        func() interface{}
	Handler        HandlerFunc
}

// Dispatcher holds a worker's method table and lock scheduler. One
// Dispatcher instance backs one worker process.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]*MethodSpec
	locks   *lockSet
}

// NewDispatcher creates an empty method dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]*MethodSpec),
		locks:   newLockSet(),
	}
}

// Register adds a method to the dispatch table. It panics on duplicate
// registration, a programmer error caught at worker start-up.
func (d *Dispatcher) Register(spec *MethodSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[spec.Name]; exists {
		panic(fmt.Sprintf("workerapi: method %q already registered", spec.Name))
	}
	d.methods[spec.Name] = spec
}

// Dispatch runs method with the given raw JSON args, honoring key-set
// locking, the per-request timeout override (falling back to the
// method's default), and cooperative cancellation. It implements spec.md
// §4.5 steps 1–5 in full:
//
//  1. decode + validate args, replying BADARG on failure;
//  2. acquire the method's lock key-set, FIFO-waiting on conflicts;
//  3. race the handler against the effective timeout;
//  4. validate the output;
//  5. release locks and wake any now-eligible waiters.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	method string,
	rawArgs []byte,
	timeoutOverride time.Duration,
	progress ProgressFunc,
) (interface{}, *protocol.Error) {
	d.mu.RLock()
	spec, ok := d.methods[method]
	d.mu.RUnlock()
	if !ok {
		return nil, protocol.NewUnimpl(method)
	}

	args, perr := decodeArgs(spec, rawArgs)
	if perr != nil {
		return nil, perr
	}

	timeout := spec.DefaultTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	acquired := d.locks.acquire(spec.Locks, callCtx.Done())
	if !acquired {
		return nil, protocol.NewTimedOut(method)
	}
	defer d.locks.release(spec.Locks)

	return d.invoke(callCtx, spec, args, progress)
}

// invoke races the handler against callCtx's deadline. If the deadline
// fires first, the handler's eventual result (if any) is discarded and
// TIMEDOUT is returned immediately; progress emitted after that point is
// dropped by the guarded progress wrapper.
func (d *Dispatcher) invoke(
	callCtx context.Context,
	spec *MethodSpec,
	args interface{},
	progress ProgressFunc,
) (interface{}, *protocol.Error) {
	var cancelled int32 // guarded by mu
	var mu sync.Mutex
	guardedProgress := func(item interface{}) {
		mu.Lock()
		done := cancelled != 0
		mu.Unlock()
		if done || progress == nil {
			return
		}
		progress(item)
	}

	type outcome struct {
		data interface{}
		err  error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		data, err := spec.Handler(callCtx, args, guardedProgress)
		resultCh <- outcome{data: data, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, handlerError(res.err)
		}
		if perr := validateOutput(res.data); perr != nil {
			return nil, perr
		}
		return res.data, nil
	case <-callCtx.Done():
		mu.Lock()
		cancelled = 1
		mu.Unlock()
		log.WithFields(log.Fields{"method": spec.Name}).Debug(
			"request cancelled: discarding any late handler result")
		return nil, protocol.NewTimedOut(spec.Name)
	}
}

func decodeArgs(spec *MethodSpec, rawArgs []byte) (interface{}, *protocol.Error) {
	if spec.NewArgs == nil {
		return nil, nil
	}
	args := spec.NewArgs()
	if len(rawArgs) > 0 {
		if err := unmarshalStrict(rawArgs, args); err != nil {
			return nil, protocol.NewBadArg("argument decode failed", err)
		}
	}
	if perr := validateArgs(args); perr != nil {
		return nil, perr
	}
	return args, nil
}

func handlerError(err error) *protocol.Error {
	var perr *protocol.Error
	if e, ok := err.(*protocol.Error); ok {
		perr = e
	} else {
		perr = protocol.NewInternal("handler error", err)
	}
	return perr
}
