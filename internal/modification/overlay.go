package modification

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-devicetools/internal/listener"
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// target adapts one registry kind for the overlay engine.
type target[T any] struct {
	get        func(ctx context.Context, id string) (*T, error)
	update     func(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error)
	attributes func(item *T) registry.Attributes
}

func deviceTarget(reg Registry) target[registry.Device] {
	return target[registry.Device]{
		get:        reg.GetDevice,
		update:     reg.UpdateDevice,
		attributes: (*registry.Device).Attributes,
	}
}

func entityTarget(reg Registry) target[registry.Entity] {
	return target[registry.Entity]{
		get:        reg.GetEntity,
		update:     reg.UpdateEntity,
		attributes: (*registry.Entity).Attributes,
	}
}

// overlayEngine applies a device or entity overlay and keeps it in place
// while third parties write to the same target.
type overlayEngine[T any] struct {
	env      *environment
	rec      *Record
	listener *listener.Listener[T]
	target   target[T]

	// capture holds overlay keys whose original is taken on the next apply.
	capture map[string]bool
}

func newOverlayEngine[T any](env *environment, rec *Record, l *listener.Listener[T], t target[T], capture []string) *overlayEngine[T] {
	e := &overlayEngine[T]{
		env:      env,
		rec:      rec,
		listener: l,
		target:   t,
		capture:  make(map[string]bool, len(capture)),
	}
	for _, key := range capture {
		e.capture[key] = true
	}
	return e
}

func (e *overlayEngine[T]) Record() *Record { return e.rec }

// Apply captures originals for newly overlaid keys and writes the overlay.
// If the target is missing nothing is written and the subscription state
// is left as it was.
func (e *overlayEngine[T]) Apply(ctx context.Context) (err error) {
	id := e.rec.TargetID
	g := suspend[T](e.listener, id, e)
	defer func() { g.resume(err == nil) }()

	item, err := e.target.get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrTargetNotFound, e.rec.Kind, id)
		}
		return fmt.Errorf("loading %s %s: %w", e.rec.Kind, id, err)
	}

	if e.captureOriginals(e.target.attributes(item)) {
		e.env.saveOriginal(e.rec)
	}

	ev, err := e.target.update(ctx, id, e.rec.Overlay)
	if err != nil {
		return fmt.Errorf("writing overlay to %s %s: %w", e.rec.Kind, id, err)
	}
	g.wrote(ev)
	return nil
}

// captureOriginals stores current values for keys pending capture and
// reports whether the original data changed.
func (e *overlayEngine[T]) captureOriginals(current registry.Attributes) bool {
	changed := false
	for _, key := range e.rec.Overlay.Keys() {
		if !e.capture[key] {
			continue
		}
		delete(e.capture, key)
		if e.rec.Original.Has(e.rec.TargetID, key) {
			continue
		}
		e.rec.Original.Set(e.rec.TargetID, key, current[key])
		changed = true
	}
	return changed
}

// Revert writes the captured originals back. Keys without a captured
// original are left untouched and reported as stale.
func (e *overlayEngine[T]) Revert(ctx context.Context) error {
	id := e.rec.TargetID
	e.listener.Unregister(id, e)

	if _, err := e.target.get(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			e.env.logger.Warn("modification target gone; nothing to restore",
				"record", e.rec.ID, "kind", e.rec.Kind, "target", id)
			return nil
		}
		return fmt.Errorf("loading %s %s: %w", e.rec.Kind, id, err)
	}

	restore, missing := e.originalsFor(e.rec.Overlay.Keys())
	if len(missing) > 0 {
		e.env.logger.Warn("original data missing; leaving attributes as they are",
			"record", e.rec.ID, "target", id, "attributes", missing, "error", ErrStaleOriginalData)
	}
	if len(restore) == 0 {
		return nil
	}
	if _, err := e.target.update(ctx, id, restore); err != nil {
		return fmt.Errorf("restoring %s %s: %w", e.rec.Kind, id, err)
	}
	return nil
}

func (e *overlayEngine[T]) originalsFor(keys []string) (registry.Attributes, []string) {
	restore := registry.Attributes{}
	var missing []string
	for _, key := range keys {
		v, ok := e.rec.Original.Get(e.rec.TargetID, key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		restore[key] = v
	}
	return restore, missing
}

// Detach unsubscribes without touching the registry.
func (e *overlayEngine[T]) Detach() {
	e.listener.Unregister(e.rec.TargetID, e)
}

// HandleChange reconciles a third-party write to the target: the written
// value becomes the new original and the overlay is re-applied on top.
//
// Every changed overlay key is re-captured. The engine's own writes never
// get here; the guard suppresses their events. The value is taken from
// the event when it carries one, so a write that was overtaken by a later
// one is still recorded in order.
func (e *overlayEngine[T]) HandleChange(ctx context.Context, item *T, ev registry.ChangeEvent) error {
	if ev.Action != registry.ActionUpdate || item == nil {
		return nil
	}

	current := e.target.attributes(item)
	var observed []string
	for _, key := range ev.Changes {
		if _, ok := e.rec.Overlay[key]; !ok {
			continue
		}
		written, ok := ev.Values[key]
		if !ok {
			written = current[key]
		}
		e.rec.Original.Set(e.rec.TargetID, key, written)
		observed = append(observed, key)
	}
	if len(observed) == 0 {
		return nil
	}

	e.env.logger.Info("external write to overlaid attributes",
		"record", e.rec.ID, "target", e.rec.TargetID, "attributes", observed)
	e.env.saveOriginal(e.rec)

	err := e.Apply(ctx)
	e.env.report(e.rec, opReconcile, err)
	return err
}

// setOverlay replaces the overlay. Keys that are no longer overlaid are
// restored to their originals; new keys have their originals captured.
func (e *overlayEngine[T]) setOverlay(ctx context.Context, overlay registry.Attributes) error {
	if err := validateOverlay(e.rec.Kind, overlay); err != nil {
		return err
	}

	var removed, added []string
	for _, key := range e.rec.Overlay.Keys() {
		if _, ok := overlay[key]; !ok {
			removed = append(removed, key)
		}
	}
	for _, key := range overlay.Keys() {
		if _, ok := e.rec.Overlay[key]; !ok {
			added = append(added, key)
		}
	}

	if len(removed) > 0 {
		restore, missing := e.originalsFor(removed)
		if len(missing) > 0 {
			e.env.logger.Warn("original data missing; leaving attributes as they are",
				"record", e.rec.ID, "target", e.rec.TargetID, "attributes", missing, "error", ErrStaleOriginalData)
		}
		if err := e.write(ctx, restore); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("restoring dropped overlay keys: %w", err)
		}
	}

	e.rec.Overlay = overlay.Clone()
	e.rec.retainOverlayKeys()
	for _, key := range added {
		e.capture[key] = true
	}
	e.env.saveOriginal(e.rec)
	return e.Apply(ctx)
}

// write updates the target with the handler suspended.
func (e *overlayEngine[T]) write(ctx context.Context, attrs registry.Attributes) error {
	if len(attrs) == 0 {
		return nil
	}
	g := suspend[T](e.listener, e.rec.TargetID, e)
	defer g.resume(false)

	ev, err := e.target.update(ctx, e.rec.TargetID, attrs)
	if err != nil {
		return err
	}
	g.wrote(ev)
	return nil
}
