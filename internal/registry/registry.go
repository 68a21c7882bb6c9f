package registry

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Notifier receives change events after a mutation has been persisted.
//
// Notify is called synchronously from the writing goroutine once the
// registry lock has been released. Implementations must not block; queue
// the event and return.
type Notifier interface {
	Notify(ev ChangeEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev ChangeEvent)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev ChangeEvent) { f(ev) }

// Registry provides device and entity management with caching and thread
// safety. It wraps a Repository and adds an in-memory cache.
//
// The cache is populated on startup via RefreshCache() and kept in sync by
// every mutation. Mutations are serialised so that partial attribute
// updates never interleave.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	mu       sync.RWMutex // Protects devices, entities and seq; held across persistence by writers
	devices  map[string]*Device
	entities map[string]*Entity
	seq      uint64 // Last ChangeEvent.Seq handed out

	notifyMu  sync.RWMutex
	notifiers []Notifier

	logger Logger
	now    func() time.Time
}

// NewRegistry creates a new registry backed by repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:     repo,
		devices:  make(map[string]*Device),
		entities: make(map[string]*Entity),
		logger:   noopLogger{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// AddNotifier subscribes n to every change event.
func (r *Registry) AddNotifier(n Notifier) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// stamp assigns the next sequence number to ev.
// Must be called with r.mu held.
func (r *Registry) stamp(ev ChangeEvent) ChangeEvent {
	r.seq++
	ev.Seq = r.seq
	return ev
}

func (r *Registry) emit(events ...ChangeEvent) {
	r.notifyMu.RLock()
	notifiers := slices.Clone(r.notifiers)
	r.notifyMu.RUnlock()

	for _, ev := range events {
		for _, n := range notifiers {
			n.Notify(ev)
		}
	}
}

// RefreshCache reloads all devices and entities from the repository.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	entities, err := r.repo.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		r.devices[devices[i].ID] = devices[i].DeepCopy()
	}
	r.entities = make(map[string]*Entity, len(entities))
	for i := range entities {
		r.entities[entities[i].ID] = entities[i].DeepCopy()
	}

	r.logger.Info("registry cache refreshed", "devices", len(devices), "entities", len(entities))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	cached, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	// Fall back to repository in case the cache has not been refreshed.
	d, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.devices[id]; !ok {
		r.devices[id] = d.DeepCopy()
	}
	r.mu.Unlock()
	return d, nil
}

// ListDevices returns all devices ordered by name.
// The returned devices are deep copies.
func (r *Registry) ListDevices(_ context.Context) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d.DeepCopy())
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices, nil
}

// GetEntity retrieves an entity by ID.
// Returns ErrNotFound if the entity does not exist.
// The returned entity is a deep copy; callers can safely modify it.
func (r *Registry) GetEntity(ctx context.Context, id string) (*Entity, error) {
	r.mu.RLock()
	cached, ok := r.entities[id]
	r.mu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	e, err := r.repo.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.entities[id]; !ok {
		r.entities[id] = e.DeepCopy()
	}
	r.mu.Unlock()
	return e, nil
}

// ListEntities returns all entities ordered by EntityID.
func (r *Registry) ListEntities(_ context.Context) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterEntities(func(*Entity) bool { return true }), nil
}

// EntitiesForDevice returns the entities attached to deviceID, ordered by
// EntityID.
func (r *Registry) EntitiesForDevice(_ context.Context, deviceID string) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterEntities(func(e *Entity) bool { return e.BelongsTo(deviceID) }), nil
}

// filterEntities must be called with r.mu held.
func (r *Registry) filterEntities(keep func(*Entity) bool) []Entity {
	var out []Entity
	for _, e := range r.entities {
		if keep(e) {
			out = append(out, *e.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// DeviceCount returns the number of cached devices.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// EntityCount returns the number of cached entities.
func (r *Registry) EntityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// CreateDevice validates and persists a new device, generating its ID when
// empty. The device's timestamps are set on success.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = GenerateID()
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if !d.DisabledBy.IsValid() {
		return fmt.Errorf("%w: unknown disabled_by %q", ErrInvalidDevice, d.DisabledBy)
	}

	r.mu.Lock()
	if _, ok := r.devices[d.ID]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	if d.ViaDeviceID != nil {
		if _, ok := r.devices[*d.ViaDeviceID]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: via device %s does not exist", ErrInvalidDevice, *d.ViaDeviceID)
		}
	}
	now := r.now()
	d.CreatedAt, d.ModifiedAt = now, now
	if err := r.repo.SaveDevice(ctx, d); err != nil {
		r.mu.Unlock()
		return err
	}
	r.devices[d.ID] = d.DeepCopy()
	ev := r.stamp(ChangeEvent{Kind: KindDevice, TargetID: d.ID, Action: ActionCreate})
	r.mu.Unlock()

	r.logger.Info("device created", "id", d.ID, "name", d.Name)
	r.emit(ev)
	return nil
}

// CreateEntity validates and persists a new entity, generating its ID when
// empty.
func (r *Registry) CreateEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = GenerateID()
	}
	if !validEntityID(e.EntityID) {
		return fmt.Errorf("%w: entity_id %q must be <domain>.<object_id>", ErrInvalidEntity, e.EntityID)
	}
	if !e.DisabledBy.IsValid() {
		return fmt.Errorf("%w: unknown disabled_by %q", ErrInvalidEntity, e.DisabledBy)
	}

	r.mu.Lock()
	if _, ok := r.entities[e.ID]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	for _, other := range r.entities {
		if other.EntityID == e.EntityID {
			r.mu.Unlock()
			return ErrExists
		}
	}
	if e.DeviceID != nil {
		if _, ok := r.devices[*e.DeviceID]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: device %s does not exist", ErrInvalidEntity, *e.DeviceID)
		}
	}
	now := r.now()
	e.CreatedAt, e.ModifiedAt = now, now
	if err := r.repo.SaveEntity(ctx, e); err != nil {
		r.mu.Unlock()
		return err
	}
	r.entities[e.ID] = e.DeepCopy()
	ev := r.stamp(ChangeEvent{Kind: KindEntity, TargetID: e.ID, Action: ActionCreate})
	r.mu.Unlock()

	r.logger.Info("entity created", "id", e.ID, "entity_id", e.EntityID)
	r.emit(ev)
	return nil
}

// UpdateDevice merges attrs into the device and returns the update event
// it emitted. The event lists the attributes whose value actually changed;
// when nothing changed no event is emitted and the zero ChangeEvent is
// returned.
func (r *Registry) UpdateDevice(ctx context.Context, id string, attrs Attributes) (ChangeEvent, error) {
	r.mu.Lock()
	cached, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ChangeEvent{}, ErrNotFound
	}
	next := cached.DeepCopy()
	changes, err := applyDeviceAttributes(next, attrs)
	if err != nil {
		r.mu.Unlock()
		return ChangeEvent{}, err
	}
	if next.ViaDeviceID != nil && slices.Contains(changes, AttrViaDeviceID) {
		if _, ok := r.devices[*next.ViaDeviceID]; !ok {
			r.mu.Unlock()
			return ChangeEvent{}, fmt.Errorf("%w: via device %s does not exist", ErrInvalidAttribute, *next.ViaDeviceID)
		}
	}
	if len(changes) == 0 {
		r.mu.Unlock()
		return ChangeEvent{}, nil
	}
	if err := r.commitDevice(ctx, next); err != nil {
		r.mu.Unlock()
		return ChangeEvent{}, err
	}
	ev := r.stamp(ChangeEvent{
		Kind:     KindDevice,
		TargetID: id,
		Action:   ActionUpdate,
		Changes:  changes,
		Values:   next.Attributes().Pick(changes),
	})
	r.mu.Unlock()

	r.logger.Debug("device updated", "id", id, "changes", changes, "seq", ev.Seq)
	r.emit(ev)
	return ev, nil
}

// UpdateEntity merges attrs into the entity and returns the update event
// it emitted, or the zero ChangeEvent when nothing changed.
func (r *Registry) UpdateEntity(ctx context.Context, id string, attrs Attributes) (ChangeEvent, error) {
	r.mu.Lock()
	cached, ok := r.entities[id]
	if !ok {
		r.mu.Unlock()
		return ChangeEvent{}, ErrNotFound
	}
	next := cached.DeepCopy()
	changes, err := applyEntityAttributes(next, attrs)
	if err != nil {
		r.mu.Unlock()
		return ChangeEvent{}, err
	}
	if next.DeviceID != nil && slices.Contains(changes, AttrDeviceID) {
		if _, ok := r.devices[*next.DeviceID]; !ok {
			r.mu.Unlock()
			return ChangeEvent{}, fmt.Errorf("%w: device %s does not exist", ErrInvalidAttribute, *next.DeviceID)
		}
	}
	if len(changes) == 0 {
		r.mu.Unlock()
		return ChangeEvent{}, nil
	}
	if err := r.commitEntity(ctx, next); err != nil {
		r.mu.Unlock()
		return ChangeEvent{}, err
	}
	ev := r.stamp(ChangeEvent{
		Kind:     KindEntity,
		TargetID: id,
		Action:   ActionUpdate,
		Changes:  changes,
		Values:   next.Attributes().Pick(changes),
	})
	r.mu.Unlock()

	r.logger.Debug("entity updated", "id", id, "changes", changes, "seq", ev.Seq)
	r.emit(ev)
	return ev, nil
}

// AddConfigEntry links entryID to the device. Adding an entry that is
// already present is a no-op and returns the zero ChangeEvent.
func (r *Registry) AddConfigEntry(ctx context.Context, deviceID, entryID string) (ChangeEvent, error) {
	return r.mutateConfigEntries(ctx, deviceID, func(entries []string) []string {
		if slices.Contains(entries, entryID) {
			return entries
		}
		return append(entries, entryID)
	})
}

// RemoveConfigEntry unlinks entryID from the device.
func (r *Registry) RemoveConfigEntry(ctx context.Context, deviceID, entryID string) (ChangeEvent, error) {
	return r.mutateConfigEntries(ctx, deviceID, func(entries []string) []string {
		return slices.DeleteFunc(entries, func(e string) bool { return e == entryID })
	})
}

func (r *Registry) mutateConfigEntries(ctx context.Context, deviceID string, fn func([]string) []string) (ChangeEvent, error) {
	r.mu.Lock()
	cached, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ChangeEvent{}, ErrNotFound
	}
	next := cached.DeepCopy()
	next.ConfigEntries = fn(next.ConfigEntries)
	if slices.Equal(next.ConfigEntries, cached.ConfigEntries) {
		r.mu.Unlock()
		return ChangeEvent{}, nil
	}
	if err := r.commitDevice(ctx, next); err != nil {
		r.mu.Unlock()
		return ChangeEvent{}, err
	}
	changes := []string{AttrConfigEntries}
	ev := r.stamp(ChangeEvent{
		Kind:     KindDevice,
		TargetID: deviceID,
		Action:   ActionUpdate,
		Changes:  changes,
		Values:   next.Attributes().Pick(changes),
	})
	r.mu.Unlock()

	r.emit(ev)
	return ev, nil
}

// RemoveDevice deletes a device. Entities attached to it are detached and
// devices connected via it lose their via_device_id; each of those
// follow-on writes emits its own update event.
func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.devices[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if err := r.repo.DeleteDevice(ctx, id); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.devices, id)

	events := []ChangeEvent{r.stamp(ChangeEvent{Kind: KindDevice, TargetID: id, Action: ActionRemove})}
	for _, e := range r.entities {
		if !e.BelongsTo(id) {
			continue
		}
		next := e.DeepCopy()
		next.DeviceID = nil
		if err := r.commitEntity(ctx, next); err != nil {
			r.logger.Error("detaching entity from removed device", "entity", e.ID, "device", id, "error", err)
			continue
		}
		events = append(events, r.stamp(ChangeEvent{
			Kind:     KindEntity,
			TargetID: e.ID,
			Action:   ActionUpdate,
			Changes:  []string{AttrDeviceID},
			Values:   Attributes{AttrDeviceID: nil},
		}))
	}
	for _, d := range r.devices {
		if d.ViaDeviceID == nil || *d.ViaDeviceID != id {
			continue
		}
		next := d.DeepCopy()
		next.ViaDeviceID = nil
		if err := r.commitDevice(ctx, next); err != nil {
			r.logger.Error("clearing via_device_id of removed device", "device", d.ID, "via", id, "error", err)
			continue
		}
		events = append(events, r.stamp(ChangeEvent{
			Kind:     KindDevice,
			TargetID: d.ID,
			Action:   ActionUpdate,
			Changes:  []string{AttrViaDeviceID},
			Values:   Attributes{AttrViaDeviceID: nil},
		}))
	}
	r.mu.Unlock()

	r.logger.Info("device removed", "id", id)
	r.emit(events...)
	return nil
}

// RemoveEntity deletes an entity.
func (r *Registry) RemoveEntity(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.entities[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if err := r.repo.DeleteEntity(ctx, id); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.entities, id)
	ev := r.stamp(ChangeEvent{Kind: KindEntity, TargetID: id, Action: ActionRemove})
	r.mu.Unlock()

	r.logger.Info("entity removed", "id", id)
	r.emit(ev)
	return nil
}

// commitDevice persists next and replaces the cached copy.
// Must be called with r.mu held.
func (r *Registry) commitDevice(ctx context.Context, next *Device) error {
	next.ModifiedAt = r.now()
	if err := r.repo.SaveDevice(ctx, next); err != nil {
		return err
	}
	r.devices[next.ID] = next
	return nil
}

// commitEntity persists next and replaces the cached copy.
// Must be called with r.mu held.
func (r *Registry) commitEntity(ctx context.Context, next *Entity) error {
	next.ModifiedAt = r.now()
	if err := r.repo.SaveEntity(ctx, next); err != nil {
		return err
	}
	r.entities[next.ID] = next
	return nil
}

// GenerateID returns a new random registry identifier.
func GenerateID() string {
	return uuid.New().String()
}

func validEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != "" && !strings.ContainsAny(id, " /")
}
