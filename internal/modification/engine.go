package modification

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-devicetools/internal/listener"
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

// Registry is the subset of *registry.Registry the engines write through.
type Registry interface {
	GetDevice(ctx context.Context, id string) (*registry.Device, error)
	GetEntity(ctx context.Context, id string) (*registry.Entity, error)
	EntitiesForDevice(ctx context.Context, deviceID string) ([]registry.Entity, error)
	CreateDevice(ctx context.Context, d *registry.Device) error
	RemoveDevice(ctx context.Context, id string) error
	UpdateDevice(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error)
	UpdateEntity(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error)
	AddConfigEntry(ctx context.Context, deviceID, entryID string) (registry.ChangeEvent, error)
	RemoveConfigEntry(ctx context.Context, deviceID, entryID string) (registry.ChangeEvent, error)
}

// OriginalSink receives a record's original data whenever it changes.
// SnapshotSaver is the production implementation.
type OriginalSink interface {
	Put(recordID string, original Snapshot)
}

// Modification is an active modification bound to the registry.
//
// Apply, Revert and Detach must run on the dispatcher goroutine.
type Modification interface {
	// Record returns the live record. Callers must not modify it.
	Record() *Record

	// Apply writes the modification into the registry and subscribes to
	// changes of its targets.
	Apply(ctx context.Context) error

	// Revert restores the captured original data and unsubscribes.
	Revert(ctx context.Context) error

	// Detach unsubscribes without writing anything.
	Detach()
}

// environment is shared by every engine owned by one Manager.
type environment struct {
	reg       Registry
	devices   *listener.Listener[registry.Device]
	entities  *listener.Listener[registry.Entity]
	originals OriginalSink
	logger    Logger

	// observe is called after every apply, revert and reconcile.
	observe func(rec *Record, op string, err error)
}

func (env *environment) saveOriginal(rec *Record) {
	if env.originals != nil {
		env.originals.Put(rec.ID, rec.Original.Clone())
	}
}

func (env *environment) report(rec *Record, op string, err error) {
	if env.observe != nil {
		env.observe(rec, op, err)
	}
}

// newEngine builds the engine for rec. capture lists overlay keys whose
// original value should be captured on the next apply.
func newEngine(env *environment, rec *Record, capture []string) (Modification, error) {
	switch rec.Kind {
	case KindDevice:
		return newOverlayEngine(env, rec, env.devices, deviceTarget(env.reg), capture), nil
	case KindEntity:
		return newOverlayEngine(env, rec, env.entities, entityTarget(env.reg), capture), nil
	case KindMerge:
		return newMergeEngine(env, rec), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDeclaration, rec.Kind)
	}
}

// resumer is a suspended subscription.
type resumer interface {
	resume(keep bool)
}

// guard suspends one handler's subscription for the duration of a write.
//
// The event for a write made while suspended is already queued when the
// guard resumes, so the guard suppresses exactly the events it wrote.
// Third-party events queued before or after them are still delivered.
type guard[T any] struct {
	l  *listener.Listener[T]
	h  listener.Handler[T]
	id string

	wasRegistered bool
	pending       []uint64
	written       []uint64
}

func suspend[T any](l *listener.Listener[T], id string, h listener.Handler[T]) *guard[T] {
	g := &guard[T]{
		l:             l,
		h:             h,
		id:            id,
		wasRegistered: l.IsRegistered(id, h),
		pending:       l.Suppressed(id, h),
	}
	l.Unregister(id, h)
	return g
}

// wrote records the event a write emitted; the zero event is skipped.
func (g *guard[T]) wrote(ev registry.ChangeEvent) {
	if ev.Seq != 0 {
		g.written = append(g.written, ev.Seq)
	}
}

// resume re-subscribes when keep is true or when the handler was
// subscribed before the guard was taken.
func (g *guard[T]) resume(keep bool) {
	if !keep && !g.wasRegistered {
		return
	}
	g.l.Ignore(g.id, g.h, g.pending...)
	g.l.Ignore(g.id, g.h, g.written...)
	g.l.Register(g.id, g.h)
}

// guardSet resumes several guards together.
type guardSet []resumer

func (gs guardSet) resume(keep bool) {
	for _, g := range gs {
		g.resume(keep)
	}
}
