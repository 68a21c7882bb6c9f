package listener

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler receives change notifications for one registry item.
//
// Handlers are identified by interface equality, so implementations must
// be comparable; pointer receivers are the norm. item is nil when the
// target no longer exists (for example on ActionRemove).
type Handler[T any] interface {
	HandleChange(ctx context.Context, item *T, ev registry.ChangeEvent) error
}

// Getter resolves the current state of the item an event refers to.
type Getter[T any] func(ctx context.Context, id string) (*T, error)

// Listener routes change events for one registry kind to the handlers
// registered for the event's target ID.
//
// Each (id, handler) pair can carry pending suppressions: Ignore names one
// event by its sequence number, and delivery of exactly that event to that
// handler becomes a no-op. Any other event for the same id, including one
// queued ahead of the ignored event, is still delivered.
type Listener[T any] struct {
	kind registry.Kind
	get  Getter[T]

	mu         sync.Mutex
	handlers   map[string][]Handler[T]
	suppressed map[string]map[Handler[T]][]uint64

	logger  Logger
	metrics *Metrics
}

// New creates a listener for kind that resolves targets with get.
func New[T any](kind registry.Kind, get Getter[T]) *Listener[T] {
	return &Listener[T]{
		kind:       kind,
		get:        get,
		handlers:   make(map[string][]Handler[T]),
		suppressed: make(map[string]map[Handler[T]][]uint64),
		logger:     noopLogger{},
	}
}

// NewDeviceListener creates a listener for device events backed by reg.
func NewDeviceListener(reg *registry.Registry) *Listener[registry.Device] {
	return New[registry.Device](registry.KindDevice, reg.GetDevice)
}

// NewEntityListener creates a listener for entity events backed by reg.
func NewEntityListener(reg *registry.Registry) *Listener[registry.Entity] {
	return New[registry.Entity](registry.KindEntity, reg.GetEntity)
}

// SetLogger sets the logger for the listener.
func (l *Listener[T]) SetLogger(logger Logger) {
	l.logger = logger
}

// SetMetrics enables dispatch counters.
func (l *Listener[T]) SetMetrics(m *Metrics) {
	l.metrics = m
}

// Kind returns the registry kind this listener serves.
func (l *Listener[T]) Kind() registry.Kind {
	return l.kind
}

// Register subscribes h to events for id. Registering the same handler
// twice for one id is a no-op.
func (l *Listener[T]) Register(id string, h Handler[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slices.Contains(l.handlers[id], h) {
		return
	}
	l.handlers[id] = append(l.handlers[id], h)
}

// Unregister removes h from id and drops any pending suppressions for
// the pair. Unregistering a handler that is not registered is a no-op.
func (l *Listener[T]) Unregister(id string, h Handler[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs := slices.DeleteFunc(l.handlers[id], func(x Handler[T]) bool { return x == h })
	if len(hs) == 0 {
		delete(l.handlers, id)
	} else {
		l.handlers[id] = hs
	}
	l.clearSuppressed(id, h)
}

// IsRegistered reports whether h is subscribed to id.
func (l *Listener[T]) IsRegistered(id string, h Handler[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.handlers[id], h)
}

// Ignore suppresses delivery of the event numbered seq for id to h.
// A zero seq is ignored; it never names an emitted event.
func (l *Listener[T]) Ignore(id string, h Handler[T], seq ...uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range seq {
		if n == 0 {
			continue
		}
		marks, ok := l.suppressed[id]
		if !ok {
			marks = make(map[Handler[T]][]uint64)
			l.suppressed[id] = marks
		}
		if !slices.Contains(marks[h], n) {
			marks[h] = append(marks[h], n)
		}
	}
}

// Suppressed returns the sequence numbers still pending suppression for
// (id, h).
func (l *Listener[T]) Suppressed(id string, h Handler[T]) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.suppressed[id][h])
}

// HandlerCount returns the number of handlers registered for id.
func (l *Listener[T]) HandlerCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers[id])
}

// Dispatch delivers ev to every handler registered for ev.TargetID.
//
// A handler with a pending suppression for ev.Seq has it consumed and is
// skipped. A handler unregistered by an earlier handler during the same
// dispatch is not invoked. Handler errors are logged; they never stop
// delivery to the remaining handlers.
func (l *Listener[T]) Dispatch(ctx context.Context, ev registry.ChangeEvent) {
	if ev.Kind != l.kind {
		return
	}

	l.mu.Lock()
	handlers := slices.Clone(l.handlers[ev.TargetID])
	l.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	var item *T
	if ev.Action != registry.ActionRemove {
		got, err := l.get(ctx, ev.TargetID)
		switch {
		case err == nil:
			item = got
		case errors.Is(err, registry.ErrNotFound):
		default:
			l.logger.Error("resolving event target", "kind", l.kind, "id", ev.TargetID, "error", err)
			return
		}
	}

	for _, h := range handlers {
		switch l.claim(ev.TargetID, h, ev.Seq) {
		case claimGone:
			continue
		case claimSuppressed:
			l.metrics.dispatched(l.kind, resultSuppressed)
			continue
		}
		if err := h.HandleChange(ctx, item, ev); err != nil {
			l.logger.Error("change handler failed",
				"kind", l.kind, "id", ev.TargetID, "action", ev.Action, "error", err)
			l.metrics.dispatched(l.kind, resultError)
			continue
		}
		l.metrics.dispatched(l.kind, resultDelivered)
	}
}

type claimResult int

const (
	claimInvoke claimResult = iota
	claimSuppressed
	claimGone
)

// claim decides whether h should be invoked for the event seq on id,
// consuming the matching suppression if there is one.
func (l *Listener[T]) claim(id string, h Handler[T], seq uint64) claimResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !slices.Contains(l.handlers[id], h) {
		return claimGone
	}
	marks := l.suppressed[id]
	i := slices.Index(marks[h], seq)
	if seq == 0 || i < 0 {
		return claimInvoke
	}
	marks[h] = slices.Delete(marks[h], i, i+1)
	if len(marks[h]) == 0 {
		l.clearSuppressed(id, h)
	}
	return claimSuppressed
}

// clearSuppressed must be called with l.mu held.
func (l *Listener[T]) clearSuppressed(id string, h Handler[T]) {
	marks, ok := l.suppressed[id]
	if !ok {
		return
	}
	delete(marks, h)
	if len(marks) == 0 {
		delete(l.suppressed, id)
	}
}
