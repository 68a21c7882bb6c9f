package modification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-devicetools/internal/listener"
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// Runner serialises work with change-event delivery.
// *listener.Dispatcher is the production implementation.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Saver is an OriginalSink that can also drop pending data.
type Saver interface {
	OriginalSink
	Forget(recordID string)
}

// Options configures a Manager.
type Options struct {
	Registry Registry
	Devices  *listener.Listener[registry.Device]
	Entities *listener.Listener[registry.Entity]
	Runner   Runner
	Store    Store
	Saver    Saver
	Metrics  *Metrics

	// DisableMembersDefault applies to merge declarations that do not set
	// disable_members.
	DisableMembersDefault bool
}

// Manager owns every active modification.
//
// All state is touched only inside Runner.Do, on the same goroutine that
// delivers registry change events, so engines never race with their own
// reconcile handlers.
type Manager struct {
	env     *environment
	runner  Runner
	store   Store
	saver   Saver
	metrics *Metrics
	sinks   []EventSink
	logger  Logger

	disableMembersDefault bool

	mods map[string]Modification
	now  func() time.Time
}

// NewManager creates a manager. Call Restore before declaring anything.
func NewManager(opts Options) *Manager {
	m := &Manager{
		runner:                opts.Runner,
		store:                 opts.Store,
		saver:                 opts.Saver,
		metrics:               opts.Metrics,
		logger:                noopLogger{},
		disableMembersDefault: opts.DisableMembersDefault,
		mods:                  make(map[string]Modification),
		now:                   func() time.Time { return time.Now().UTC() },
	}
	m.env = &environment{
		reg:      opts.Registry,
		devices:  opts.Devices,
		entities: opts.Entities,
		logger:   m.logger,
		observe:  m.observe,
	}
	if opts.Saver != nil {
		m.env.originals = opts.Saver
	}
	return m
}

// SetLogger sets the logger for the manager and its engines.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
	m.env.logger = logger
}

// AddEventSink subscribes s to lifecycle events. Must be called before
// Restore.
func (m *Manager) AddEventSink(s EventSink) {
	m.sinks = append(m.sinks, s)
}

func (m *Manager) observe(rec *Record, op string, err error) {
	m.metrics.operation(rec.Kind, op, err)
	if op == opReconcile && err == nil {
		m.logger.Info("modification reconciled", "record", rec.ID, "kind", rec.Kind, "target", rec.TargetID)
	}
	ev := lifecycleEvent(rec, op, err)
	for _, s := range m.sinks {
		s.ModificationEvent(ev)
	}
}

// Restore loads persisted records and re-applies each one. Originals are
// taken from the store, never re-captured. A record whose apply fails is
// kept and logged; it is reverted normally when removed.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("loading modifications: %w", err)
	}
	originals, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading original data: %w", err)
	}

	return m.runner.Do(ctx, func(ctx context.Context) error {
		for _, rec := range records {
			if _, ok := m.mods[rec.ID]; ok {
				continue
			}
			if snap, ok := originals[rec.ID]; ok {
				rec.Original = snap
			}
			if rec.Kind != KindMerge {
				rec.retainOverlayKeys()
			}
			if err := rec.Validate(); err != nil {
				m.logger.Error("skipping invalid stored modification", "record", rec.ID, "error", err)
				continue
			}

			eng, err := newEngine(m.env, rec, nil)
			if err != nil {
				m.logger.Error("skipping stored modification", "record", rec.ID, "error", err)
				continue
			}
			m.mods[rec.ID] = eng

			err = eng.Apply(ctx)
			m.observe(rec, opApply, err)
			if err != nil {
				m.logger.Warn("stored modification could not be applied", "record", rec.ID, "kind", rec.Kind, "error", err)
			}
		}
		m.updateGauge()
		m.logger.Info("modifications restored", "count", len(m.mods))
		return nil
	})
}

// Declare validates decl against the registry and active modifications,
// applies it and persists the record with its captured originals.
// Nothing is written if validation fails.
func (m *Manager) Declare(ctx context.Context, decl Declaration) (*Record, error) {
	if err := decl.Validate(); err != nil {
		return nil, err
	}

	var out *Record
	err := m.runner.Do(ctx, func(ctx context.Context) error {
		rec, capture, err := m.prepare(ctx, &decl)
		if err != nil {
			return err
		}
		eng, err := newEngine(m.env, rec, capture)
		if err != nil {
			return err
		}

		if err := eng.Apply(ctx); err != nil {
			m.observe(rec, opApply, err)
			m.abandon(ctx, eng)
			return err
		}
		if err := m.store.SaveRecord(ctx, rec); err != nil {
			m.abandon(ctx, eng)
			return fmt.Errorf("persisting modification: %w", err)
		}

		m.mods[rec.ID] = eng
		m.updateGauge()
		m.observe(rec, opApply, nil)
		m.logger.Info("modification declared", "record", rec.ID, "name", rec.Name, "kind", rec.Kind, "target", rec.TargetID)
		out = rec.Clone()
		return nil
	})
	return out, err
}

// abandon undoes whatever a failed declaration managed to write.
func (m *Manager) abandon(ctx context.Context, eng Modification) {
	rec := eng.Record()
	if m.saver != nil {
		m.saver.Forget(rec.ID)
	}
	if rec.Kind != KindMerge {
		// The overlay is written in a single registry update, so a
		// failed apply left nothing behind.
		eng.Detach()
		return
	}
	if err := eng.Revert(ctx); err != nil {
		m.logger.Error("rolling back failed merge", "record", rec.ID, "error", err)
	}
}

// prepare resolves and checks decl and builds its record. It returns the
// overlay keys whose originals the first apply must capture.
func (m *Manager) prepare(ctx context.Context, decl *Declaration) (*Record, []string, error) {
	records := m.records()
	rec := &Record{
		ID:        uuid.NewString(),
		Name:      decl.Name,
		Kind:      decl.Kind,
		TargetID:  decl.TargetID,
		Overlay:   decl.Overlay.Clone(),
		Original:  Snapshot{},
		CreatedAt: m.now(),
	}

	switch decl.Kind {
	case KindDevice:
		d, err := m.env.reg.GetDevice(ctx, decl.TargetID)
		if err != nil {
			return nil, nil, targetError("device", decl.TargetID, err)
		}
		if d.Disabled() {
			return nil, nil, fmt.Errorf("%w: device %s is disabled by %s", ErrTargetDisabled, d.ID, d.DisabledBy)
		}
		if HasDeviceModification(records, d.ID) {
			return nil, nil, fmt.Errorf("%w: device %s", ErrDuplicateModification, d.ID)
		}
		if via, ok := decl.Overlay[registry.AttrViaDeviceID].(string); ok {
			if via == d.ID {
				return nil, nil, fmt.Errorf("%w: device cannot be connected via itself", ErrInvalidDeclaration)
			}
			if _, err := m.env.reg.GetDevice(ctx, via); err != nil {
				return nil, nil, fmt.Errorf("%w: via device %s: %v", ErrInvalidDeclaration, via, err)
			}
		}
		if rec.Name == "" {
			rec.Name = d.DisplayName()
		}
		return rec, rec.Overlay.Keys(), nil

	case KindEntity:
		e, err := m.env.reg.GetEntity(ctx, decl.TargetID)
		if err != nil {
			return nil, nil, targetError("entity", decl.TargetID, err)
		}
		if IsClaimedByMerge(records, e.ID) {
			return nil, nil, fmt.Errorf("%w: entity %s belongs to an active merge", ErrConflictDetected, e.ID)
		}
		if HasEntityModification(records, e.ID) {
			return nil, nil, fmt.Errorf("%w: entity %s", ErrDuplicateModification, e.ID)
		}
		if dest, ok := decl.Overlay[registry.AttrDeviceID].(string); ok {
			if _, err := m.env.reg.GetDevice(ctx, dest); err != nil {
				return nil, nil, fmt.Errorf("%w: destination device %s: %v", ErrInvalidDeclaration, dest, err)
			}
		}
		if rec.Name == "" {
			rec.Name = e.EntityID
		}
		return rec, rec.Overlay.Keys(), nil

	case KindMerge:
		return m.prepareMerge(ctx, decl, rec, records)
	}
	return nil, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDeclaration, decl.Kind)
}

func (m *Manager) prepareMerge(ctx context.Context, decl *Declaration, rec *Record, records []*Record) (*Record, []string, error) {
	var primary *registry.Device
	if decl.PrimaryID != "" {
		d, err := m.env.reg.GetDevice(ctx, decl.PrimaryID)
		if err != nil {
			return nil, nil, targetError("primary device", decl.PrimaryID, err)
		}
		if d.Disabled() {
			return nil, nil, fmt.Errorf("%w: primary device %s is disabled by %s", ErrTargetDisabled, d.ID, d.DisabledBy)
		}
		if other := mergeOwning(records, d.ID); other != nil {
			return nil, nil, fmt.Errorf("%w: device %s already belongs to merge %s", ErrConflictDetected, d.ID, other.ID)
		}
		primary = d
	}

	var members []*registry.Device
	for _, id := range decl.members() {
		d, err := m.env.reg.GetDevice(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			m.logger.Warn("merge member not found; ignoring", "device", id)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading member device %s: %w", id, err)
		}
		if other := mergeOwning(records, d.ID); other != nil {
			return nil, nil, fmt.Errorf("%w: device %s already belongs to merge %s", ErrConflictDetected, d.ID, other.ID)
		}
		members = append(members, d)
	}

	total := len(members)
	if primary != nil {
		total++
	}
	if len(members) == 0 || total < 2 {
		return nil, nil, fmt.Errorf("%w: %d resolvable devices", ErrInsufficientMembers, total)
	}

	memberIDs := make([]string, 0, len(members))
	for _, d := range members {
		memberIDs = append(memberIDs, d.ID)
	}
	if HasEntityConflict(records, memberIDs) {
		return nil, nil, fmt.Errorf("%w: an entity modification moved an entity off a member device", ErrConflictDetected)
	}

	for _, d := range members {
		rec.Original.Set(d.ID, registry.AttrDisabledBy, string(d.DisabledBy))
		entities, err := m.env.reg.EntitiesForDevice(ctx, d.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("listing entities of %s: %w", d.ID, err)
		}
		for _, e := range entities {
			if HasEntityModification(records, e.ID) {
				return nil, nil, fmt.Errorf("%w: entity %s on member %s has an entity modification", ErrConflictDetected, e.ID, d.ID)
			}
			rec.Original.Set(e.ID, registry.AttrDeviceID, d.ID)
		}
	}

	rec.Members = memberIDs
	rec.Overlay = registry.Attributes{}
	rec.Options.DisableMembers = decl.disableMembers(m.disableMembersDefault)

	if primary == nil {
		created := &registry.Device{Name: decl.PrimaryName}
		if err := m.env.reg.CreateDevice(ctx, created); err != nil {
			return nil, nil, fmt.Errorf("creating primary device: %w", err)
		}
		primary = created
		rec.Options.CreatePrimary = true
		rec.Options.PrimaryName = decl.PrimaryName
	}
	rec.TargetID = primary.ID
	if rec.Name == "" {
		rec.Name = primary.DisplayName()
	}
	return rec, nil, nil
}

// Remove reverts the modification and deletes its record. Revert problems
// are logged; the record is removed regardless.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.runner.Do(ctx, func(ctx context.Context) error {
		eng, ok := m.mods[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		rec := eng.Record()

		err := eng.Revert(ctx)
		m.observe(rec, opRevert, err)
		if err != nil {
			m.logger.Warn("modification reverted with errors", "record", id, "error", err)
		}

		delete(m.mods, id)
		if m.saver != nil {
			m.saver.Forget(id)
		}
		m.updateGauge()
		if err := m.store.DeleteRecord(ctx, id); err != nil && !errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("deleting modification %s: %w", id, err)
		}
		m.logger.Info("modification removed", "record", id, "kind", rec.Kind, "target", rec.TargetID)
		return nil
	})
}

// overlayUpdater is implemented by device and entity engines.
type overlayUpdater interface {
	setOverlay(ctx context.Context, overlay registry.Attributes) error
}

// Update replaces the overlay of a device or entity modification.
func (m *Manager) Update(ctx context.Context, id string, overlay registry.Attributes) (*Record, error) {
	var out *Record
	err := m.runner.Do(ctx, func(ctx context.Context) error {
		eng, ok := m.mods[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		u, ok := eng.(overlayUpdater)
		if !ok {
			return fmt.Errorf("%w: %s modifications cannot be updated; remove and declare again", ErrInvalidDeclaration, eng.Record().Kind)
		}
		rec := eng.Record()
		if dest, ok := overlay[registry.AttrDeviceID].(string); ok && rec.Kind == KindEntity {
			if _, err := m.env.reg.GetDevice(ctx, dest); err != nil {
				return fmt.Errorf("%w: destination device %s: %v", ErrInvalidDeclaration, dest, err)
			}
		}

		err := u.setOverlay(ctx, overlay)
		m.observe(rec, opApply, err)
		if err != nil {
			return err
		}
		if err := m.store.SaveRecord(ctx, rec); err != nil {
			return fmt.Errorf("persisting modification: %w", err)
		}
		out = rec.Clone()
		return nil
	})
	return out, err
}

// Sync declares every declaration whose name is not yet active. Failures
// are collected; the remaining declarations are still processed.
func (m *Manager) Sync(ctx context.Context, decls []Declaration) error {
	active, err := m.List(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(active))
	for _, rec := range active {
		names[rec.Name] = true
	}

	var errs []error
	for _, decl := range decls {
		if decl.Name != "" && names[decl.Name] {
			m.logger.Debug("declaration already active", "name", decl.Name)
			continue
		}
		if _, err := m.Declare(ctx, decl); err != nil {
			errs = append(errs, fmt.Errorf("declaring %q: %w", decl.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns a copy of one record.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	var out *Record
	err := m.runner.Do(ctx, func(context.Context) error {
		eng, ok := m.mods[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		out = eng.Record().Clone()
		return nil
	})
	return out, err
}

// List returns copies of all records ordered by creation time.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := m.runner.Do(ctx, func(context.Context) error {
		for _, rec := range m.records() {
			out = append(out, rec.Clone())
		}
		return nil
	})
	return out, err
}

// Detach unsubscribes every engine without touching the registry. Used on
// shutdown so that late events are not reconciled.
func (m *Manager) Detach(ctx context.Context) error {
	return m.runner.Do(ctx, func(context.Context) error {
		for _, eng := range m.mods {
			eng.Detach()
		}
		return nil
	})
}

// records returns the live records ordered by creation time.
// Must be called inside Runner.Do.
func (m *Manager) records() []*Record {
	out := make([]*Record, 0, len(m.mods))
	for _, eng := range m.mods {
		out = append(out, eng.Record())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) updateGauge() {
	counts := make(map[Kind]int)
	for _, eng := range m.mods {
		counts[eng.Record().Kind]++
	}
	m.metrics.setActive(counts)
}

func targetError(what, id string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrTargetNotFound, what, id)
	}
	return fmt.Errorf("loading %s %s: %w", what, id, err)
}
