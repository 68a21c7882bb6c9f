package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

var (
	// ErrStopped is returned by Do when the dispatcher loop has exited.
	ErrStopped = errors.New("listener: dispatcher stopped")

	// ErrJobPanicked is returned by Do when the submitted function panicked.
	ErrJobPanicked = errors.New("listener: job panicked")
)

// Sink receives registry change events on the dispatcher goroutine.
type Sink interface {
	Dispatch(ctx context.Context, ev registry.ChangeEvent)
}

type loopKey struct{}

// Dispatcher runs event delivery and submitted jobs one at a time on a
// single goroutine, in submission order.
//
// Registry writers call Notify (via registry.Notifier), which only queues
// the event. Anything that must not interleave with event delivery, such
// as applying or reverting a modification, goes through Do.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func(context.Context)
	wake    chan struct{}
	done    chan struct{}
	started bool

	sinks map[registry.Kind]Sink

	logger Logger
}

// NewDispatcher creates a dispatcher. Call Run to start the loop.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		sinks:  make(map[registry.Kind]Sink),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Route delivers events of kind to sink. Must be called before Run.
func (d *Dispatcher) Route(kind registry.Kind, sink Sink) {
	d.sinks[kind] = sink
}

// Notify queues ev for delivery. It never blocks.
func (d *Dispatcher) Notify(ev registry.ChangeEvent) {
	sink, ok := d.sinks[ev.Kind]
	if !ok {
		return
	}
	d.enqueue(func(ctx context.Context) {
		sink.Dispatch(ctx, ev)
	})
}

// Do runs fn on the dispatcher goroutine and waits for it to return.
//
// When called from inside the loop (from a Sink or another Do job) fn runs
// inline. If ctx is cancelled while waiting, Do returns ctx.Err() but the
// job stays queued and still runs.
func (d *Dispatcher) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(loopKey{}) == d {
		return fn(ctx)
	}

	result := make(chan error, 1)
	d.enqueue(func(loopCtx context.Context) {
		err := ErrJobPanicked
		defer func() { result <- err }()
		err = fn(loopCtx)
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		// The job may have completed just before the loop exited.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Sync waits until everything queued before the call has been processed.
func (d *Dispatcher) Sync(ctx context.Context) error {
	return d.Do(ctx, func(context.Context) error { return nil })
}

func (d *Dispatcher) enqueue(job func(context.Context)) {
	d.mu.Lock()
	d.queue = append(d.queue, job)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes queued work until ctx is cancelled. It may only be called
// once. Work still queued at shutdown is discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("listener: dispatcher already running")
	}
	d.started = true
	d.mu.Unlock()
	defer close(d.done)

	loopCtx := context.WithValue(ctx, loopKey{}, d)
	for {
		for {
			job, ok := d.next()
			if !ok {
				break
			}
			d.runJob(loopCtx, job)
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (func(context.Context), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	job := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return job, true
}

// runJob recovers panics so a faulty handler cannot stop the loop.
func (d *Dispatcher) runJob(ctx context.Context, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in dispatcher job", "panic", fmt.Sprint(r))
		}
	}()
	job(ctx)
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
