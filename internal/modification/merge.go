package modification

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// mergeEngine collapses member devices into a primary device: the merge
// record becomes a config entry of every involved device, members are
// optionally disabled, and the members' entities move to the primary.
type mergeEngine struct {
	env *environment
	rec *Record

	deviceHandler *mergeDeviceHandler
	entityHandler *mergeEntityHandler
}

// mergeDeviceHandler observes member devices.
type mergeDeviceHandler struct{ m *mergeEngine }

func (h *mergeDeviceHandler) HandleChange(ctx context.Context, d *registry.Device, ev registry.ChangeEvent) error {
	return h.m.onMemberChange(ctx, d, ev)
}

// mergeEntityHandler observes captured sub-entities.
type mergeEntityHandler struct{ m *mergeEngine }

func (h *mergeEntityHandler) HandleChange(ctx context.Context, e *registry.Entity, ev registry.ChangeEvent) error {
	return h.m.onEntityChange(ctx, e, ev)
}

func newMergeEngine(env *environment, rec *Record) *mergeEngine {
	m := &mergeEngine{env: env, rec: rec}
	m.deviceHandler = &mergeDeviceHandler{m: m}
	m.entityHandler = &mergeEntityHandler{m: m}
	return m
}

func (m *mergeEngine) Record() *Record { return m.rec }

func (m *mergeEngine) primary() string { return m.rec.TargetID }

// suspendAll takes a guard for every member device and captured entity.
func (m *mergeEngine) suspendAll() (guardSet, map[string]*guard[registry.Device], map[string]*guard[registry.Entity]) {
	var gs guardSet
	devices := make(map[string]*guard[registry.Device], len(m.rec.Members))
	for _, id := range m.rec.Members {
		g := suspend[registry.Device](m.env.devices, id, m.deviceHandler)
		devices[id] = g
		gs = append(gs, g)
	}
	entities := make(map[string]*guard[registry.Entity])
	for _, id := range m.rec.capturedEntities() {
		g := suspend[registry.Entity](m.env.entities, id, m.entityHandler)
		entities[id] = g
		gs = append(gs, g)
	}
	return gs, devices, entities
}

// Apply links all devices to the merge record, disables members when
// configured and reassigns every captured entity to the primary.
//
// A missing primary aborts before any member or entity is touched.
// Members and entities that have since been removed are skipped.
func (m *mergeEngine) Apply(ctx context.Context) (err error) {
	gs, devices, entities := m.suspendAll()
	defer func() { gs.resume(err == nil) }()

	primary := m.primary()
	if _, err := m.env.reg.GetDevice(ctx, primary); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: primary device %s", ErrTargetNotFound, primary)
		}
		return fmt.Errorf("loading primary device %s: %w", primary, err)
	}
	if _, err := m.env.reg.AddConfigEntry(ctx, primary, m.rec.ID); err != nil {
		return fmt.Errorf("linking primary device %s: %w", primary, err)
	}

	for _, member := range m.rec.Members {
		g := devices[member]
		ev, err := m.env.reg.AddConfigEntry(ctx, member, m.rec.ID)
		if errors.Is(err, registry.ErrNotFound) {
			m.env.logger.Warn("merge member gone; skipping", "record", m.rec.ID, "device", member)
			continue
		}
		if err != nil {
			return fmt.Errorf("linking member device %s: %w", member, err)
		}
		g.wrote(ev)

		if m.rec.Options.DisableMembers {
			ev, err := m.env.reg.UpdateDevice(ctx, member, registry.Attributes{
				registry.AttrDisabledBy: string(registry.DisabledByConfigEntry),
			})
			if err != nil {
				return fmt.Errorf("disabling member device %s: %w", member, err)
			}
			g.wrote(ev)
		}
	}

	for _, entityID := range m.rec.capturedEntities() {
		ev, err := m.env.reg.UpdateEntity(ctx, entityID, registry.Attributes{registry.AttrDeviceID: primary})
		if errors.Is(err, registry.ErrNotFound) {
			m.env.logger.Warn("merged entity gone; skipping", "record", m.rec.ID, "entity", entityID)
			continue
		}
		if err != nil {
			return fmt.Errorf("reassigning entity %s: %w", entityID, err)
		}
		entities[entityID].wrote(ev)
	}
	return nil
}

// Revert unlinks every device, restores each member's captured disabled
// state and moves each captured entity back to its original device.
// Missing targets are skipped; the remaining steps still run.
func (m *mergeEngine) Revert(ctx context.Context) error {
	m.Detach()

	var errs []error
	primary := m.primary()
	if _, err := m.env.reg.RemoveConfigEntry(ctx, primary, m.rec.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		errs = append(errs, fmt.Errorf("unlinking primary device %s: %w", primary, err))
	}

	for _, member := range m.rec.Members {
		if _, err := m.env.reg.RemoveConfigEntry(ctx, member, m.rec.ID); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("unlinking member device %s: %w", member, err))
		}
		if !m.rec.Options.DisableMembers {
			continue
		}
		disabledBy, ok := m.rec.Original.Get(member, registry.AttrDisabledBy)
		if !ok {
			m.env.logger.Warn("original disabled state missing; leaving device as it is",
				"record", m.rec.ID, "device", member, "error", ErrStaleOriginalData)
			continue
		}
		if _, err := m.env.reg.UpdateDevice(ctx, member, registry.Attributes{registry.AttrDisabledBy: disabledBy}); err != nil {
			errs = append(errs, fmt.Errorf("restoring member device %s: %w", member, err))
		}
	}

	for _, entityID := range m.rec.capturedEntities() {
		origin, _ := m.rec.Original.Get(entityID, registry.AttrDeviceID)
		_, err := m.env.reg.UpdateEntity(ctx, entityID, registry.Attributes{registry.AttrDeviceID: origin})
		switch {
		case err == nil, errors.Is(err, registry.ErrNotFound):
		case errors.Is(err, registry.ErrInvalidAttribute):
			m.env.logger.Warn("original device of merged entity gone; leaving entity on primary",
				"record", m.rec.ID, "entity", entityID, "device", origin)
		default:
			errs = append(errs, fmt.Errorf("restoring entity %s: %w", entityID, err))
		}
	}

	if m.rec.Options.CreatePrimary {
		if err := m.env.reg.RemoveDevice(ctx, primary); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, fmt.Errorf("removing created primary device %s: %w", primary, err))
		}
	}
	return errors.Join(errs...)
}

// Detach unsubscribes from every member and captured entity.
func (m *mergeEngine) Detach() {
	for _, id := range m.rec.Members {
		m.env.devices.Unregister(id, m.deviceHandler)
	}
	for _, id := range m.rec.capturedEntities() {
		m.env.entities.Unregister(id, m.entityHandler)
	}
}

// onMemberChange only observes: the captured disabled state is never
// updated while the merge is active.
func (m *mergeEngine) onMemberChange(_ context.Context, d *registry.Device, ev registry.ChangeEvent) error {
	if ev.Action == registry.ActionRemove || d == nil {
		m.env.logger.Warn("merge member removed", "record", m.rec.ID, "device", ev.TargetID)
		return nil
	}
	m.env.logger.Debug("merge member changed", "record", m.rec.ID, "device", ev.TargetID, "changes", ev.Changes)
	return nil
}

// onEntityChange re-asserts the reassignment when a third party moves a
// captured entity away from the primary.
func (m *mergeEngine) onEntityChange(ctx context.Context, e *registry.Entity, ev registry.ChangeEvent) error {
	if ev.Action != registry.ActionUpdate || e == nil || !ev.Has(registry.AttrDeviceID) {
		return nil
	}
	if e.BelongsTo(m.primary()) {
		return nil
	}

	m.env.logger.Info("merged entity moved externally; reassigning to primary",
		"record", m.rec.ID, "entity", e.ID, "primary", m.primary())

	g := suspend[registry.Entity](m.env.entities, e.ID, m.entityHandler)
	written, err := m.env.reg.UpdateEntity(ctx, e.ID, registry.Attributes{registry.AttrDeviceID: m.primary()})
	if err == nil {
		g.wrote(written)
	}
	g.resume(false)

	if err != nil {
		err = fmt.Errorf("reassigning entity %s: %w", e.ID, err)
	}
	m.env.report(m.rec, opReconcile, err)
	return err
}
