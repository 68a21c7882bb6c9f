package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

// MockRepository is an in-memory Repository for tests.
type MockRepository struct {
	mu       sync.Mutex
	devices  map[string]*Device
	entities map[string]*Entity
	saveErr  error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices:  make(map[string]*Device),
		entities: make(map[string]*Entity),
	}
}

func (m *MockRepository) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *MockRepository) SaveDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *MockRepository) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) GetEntity(_ context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[id]; ok {
		return e.DeepCopy(), nil
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListEntities(_ context.Context) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, *e.DeepCopy())
	}
	return out, nil
}

func (m *MockRepository) SaveEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.entities[e.ID] = e.DeepCopy()
	return nil
}

func (m *MockRepository) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return ErrNotFound
	}
	delete(m.entities, id)
	return nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) Notify(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func strPtr(s string) *string { return &s }

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	reg := NewRegistry(NewMockRepository())
	rec := &recorder{}
	reg.AddNotifier(rec)
	return reg, rec
}

func mustCreateDevice(t *testing.T, reg *Registry, d *Device) *Device {
	t.Helper()
	if err := reg.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%q) error = %v", d.Name, err)
	}
	return d
}

func TestRegistry_CreateDevice(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()

	d := mustCreateDevice(t, reg, &Device{Name: "Hue Bridge", Manufacturer: strPtr("Signify")})
	if d.ID == "" {
		t.Fatal("CreateDevice() did not generate an ID")
	}
	if d.CreatedAt.IsZero() || d.ModifiedAt.IsZero() {
		t.Error("CreateDevice() did not set timestamps")
	}

	got, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Name != "Hue Bridge" || *got.Manufacturer != "Signify" {
		t.Errorf("GetDevice() = %+v", got)
	}

	events := rec.all()
	if len(events) != 1 || events[0].Action != ActionCreate || events[0].TargetID != d.ID {
		t.Errorf("events = %+v, want one create event", events)
	}

	if err := reg.CreateDevice(ctx, &Device{ID: d.ID, Name: "dup"}); !errors.Is(err, ErrExists) {
		t.Errorf("CreateDevice(duplicate) error = %v, want ErrExists", err)
	}
	if err := reg.CreateDevice(ctx, &Device{Name: " "}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("CreateDevice(blank name) error = %v, want ErrInvalidDevice", err)
	}
	if err := reg.CreateDevice(ctx, &Device{Name: "x", ViaDeviceID: strPtr("missing")}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("CreateDevice(unknown via) error = %v, want ErrInvalidDevice", err)
	}
}

func TestRegistry_GetDeviceReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Lamp", Model: strPtr("A19")})

	got, _ := reg.GetDevice(ctx, d.ID)
	*got.Model = "mutated"
	got.ConfigEntries = append(got.ConfigEntries, "x")

	again, _ := reg.GetDevice(ctx, d.ID)
	if *again.Model != "A19" || len(again.ConfigEntries) != 0 {
		t.Errorf("cache was mutated through returned copy: %+v", again)
	}
}

func TestRegistry_UpdateDevice(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Sensor", SWVersion: strPtr("1.0")})

	tests := []struct {
		name        string
		attrs       Attributes
		wantChanges []string
		wantErr     error
	}{
		{"change one", Attributes{AttrSWVersion: "1.1"}, []string{AttrSWVersion}, nil},
		{"same value", Attributes{AttrSWVersion: "1.1"}, nil, nil},
		{"two keys", Attributes{AttrModel: "M1", AttrManufacturer: "Acme"}, []string{AttrManufacturer, AttrModel}, nil},
		{"unset", Attributes{AttrModel: nil}, []string{AttrModel}, nil},
		{"disable", Attributes{AttrDisabledBy: "user"}, []string{AttrDisabledBy}, nil},
		{"enable via nil", Attributes{AttrDisabledBy: nil}, []string{AttrDisabledBy}, nil},
		{"unknown attribute", Attributes{"colour": "red"}, nil, ErrInvalidAttribute},
		{"read-only attribute", Attributes{AttrConfigEntries: []string{"x"}}, nil, ErrInvalidAttribute},
		{"wrong type", Attributes{AttrModel: 42}, nil, ErrInvalidAttribute},
		{"bad disabled_by", Attributes{AttrDisabledBy: "nobody"}, nil, ErrInvalidAttribute},
		{"self via", Attributes{AttrViaDeviceID: d.ID}, nil, ErrInvalidAttribute},
		{"unknown via", Attributes{AttrViaDeviceID: "missing"}, nil, ErrInvalidAttribute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(rec.all())
			ev, err := reg.UpdateDevice(ctx, d.ID, tt.attrs)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UpdateDevice() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateDevice() error = %v", err)
			}
			if !slices.Equal(ev.Changes, tt.wantChanges) {
				t.Errorf("UpdateDevice() changes = %v, want %v", ev.Changes, tt.wantChanges)
			}

			events := rec.all()[before:]
			if len(tt.wantChanges) == 0 {
				if len(events) != 0 {
					t.Errorf("no-op update emitted %+v", events)
				}
				if ev.Seq != 0 {
					t.Errorf("no-op update Seq = %d, want 0", ev.Seq)
				}
				return
			}
			if len(events) != 1 || !slices.Equal(events[0].Changes, tt.wantChanges) {
				t.Fatalf("events = %+v, want one update with %v", events, tt.wantChanges)
			}
			if events[0].Seq == 0 || events[0].Seq != ev.Seq {
				t.Errorf("emitted Seq = %d, returned Seq = %d", events[0].Seq, ev.Seq)
			}
			for _, key := range tt.wantChanges {
				if _, ok := events[0].Values[key]; !ok {
					t.Errorf("event Values missing %s: %+v", key, events[0].Values)
				}
			}
		})
	}

	if _, err := reg.UpdateDevice(ctx, "missing", Attributes{AttrModel: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDevice(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_UpdateDeviceFailedPersistLeavesCache(t *testing.T) {
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Plug", Model: strPtr("P1")})

	repo.saveErr = errors.New("disk full")
	if _, err := reg.UpdateDevice(ctx, d.ID, Attributes{AttrModel: "P2"}); err == nil {
		t.Fatal("UpdateDevice() expected persistence error")
	}

	got, _ := reg.GetDevice(ctx, d.ID)
	if *got.Model != "P1" {
		t.Errorf("Model = %q after failed save, want P1", *got.Model)
	}
}

func TestRegistry_Entities(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()
	a := mustCreateDevice(t, reg, &Device{Name: "A"})
	b := mustCreateDevice(t, reg, &Device{Name: "B"})

	e1 := &Entity{EntityID: "sensor.temp", DeviceID: strPtr(a.ID)}
	e2 := &Entity{EntityID: "sensor.humidity", DeviceID: strPtr(a.ID)}
	for _, e := range []*Entity{e1, e2} {
		if err := reg.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity(%s) error = %v", e.EntityID, err)
		}
	}

	if err := reg.CreateEntity(ctx, &Entity{EntityID: "sensor.temp"}); !errors.Is(err, ErrExists) {
		t.Errorf("CreateEntity(duplicate entity_id) error = %v, want ErrExists", err)
	}
	if err := reg.CreateEntity(ctx, &Entity{EntityID: "nodot"}); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("CreateEntity(bad entity_id) error = %v, want ErrInvalidEntity", err)
	}

	list, _ := reg.EntitiesForDevice(ctx, a.ID)
	if len(list) != 2 || list[0].EntityID != "sensor.humidity" {
		t.Errorf("EntitiesForDevice() = %+v, want 2 entities sorted by entity_id", list)
	}

	before := len(rec.all())
	moved, err := reg.UpdateEntity(ctx, e1.ID, Attributes{AttrDeviceID: b.ID})
	if err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	if !slices.Equal(moved.Changes, []string{AttrDeviceID}) {
		t.Errorf("UpdateEntity() changes = %v", moved.Changes)
	}
	if moved.Values[AttrDeviceID] != b.ID {
		t.Errorf("UpdateEntity() values = %v, want device_id %s", moved.Values, b.ID)
	}
	events := rec.all()[before:]
	if len(events) != 1 || events[0].Kind != KindEntity || !events[0].Has(AttrDeviceID) {
		t.Errorf("events = %+v", events)
	}

	if _, err := reg.UpdateEntity(ctx, e1.ID, Attributes{AttrDeviceID: "missing"}); !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("UpdateEntity(unknown device) error = %v, want ErrInvalidAttribute", err)
	}
	if _, err := reg.UpdateEntity(ctx, e1.ID, Attributes{AttrModel: "x"}); !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("UpdateEntity(device attribute) error = %v, want ErrInvalidAttribute", err)
	}

	if err := reg.RemoveEntity(ctx, e2.ID); err != nil {
		t.Fatalf("RemoveEntity() error = %v", err)
	}
	if _, err := reg.GetEntity(ctx, e2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity(removed) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ConfigEntries(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Hub"})

	added, err := reg.AddConfigEntry(ctx, d.ID, "entry-1")
	if err != nil || !slices.Equal(added.Changes, []string{AttrConfigEntries}) {
		t.Fatalf("AddConfigEntry() = %+v, %v", added, err)
	}
	again, err := reg.AddConfigEntry(ctx, d.ID, "entry-1")
	if err != nil || again.Changes != nil || again.Seq != 0 {
		t.Errorf("AddConfigEntry(again) = %+v, %v, want no changes", again, err)
	}

	got, _ := reg.GetDevice(ctx, d.ID)
	if !slices.Equal(got.ConfigEntries, []string{"entry-1"}) {
		t.Errorf("ConfigEntries = %v", got.ConfigEntries)
	}

	if _, err := reg.RemoveConfigEntry(ctx, d.ID, "entry-1"); err != nil {
		t.Fatalf("RemoveConfigEntry() error = %v", err)
	}
	absent, _ := reg.RemoveConfigEntry(ctx, d.ID, "entry-1")
	if absent.Changes != nil {
		t.Errorf("RemoveConfigEntry(absent) changes = %v, want none", absent.Changes)
	}

	// create + add + remove
	if n := len(rec.all()); n != 3 {
		t.Errorf("emitted %d events, want 3", n)
	}
}

func TestRegistry_RemoveDeviceDetachesDependents(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()
	hub := mustCreateDevice(t, reg, &Device{Name: "Hub"})
	child := mustCreateDevice(t, reg, &Device{Name: "Child", ViaDeviceID: strPtr(hub.ID)})
	e := &Entity{EntityID: "switch.hub", DeviceID: strPtr(hub.ID)}
	if err := reg.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	before := len(rec.all())
	if err := reg.RemoveDevice(ctx, hub.ID); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}

	gotEntity, _ := reg.GetEntity(ctx, e.ID)
	if gotEntity.DeviceID != nil {
		t.Errorf("entity still attached to %s", *gotEntity.DeviceID)
	}
	gotChild, _ := reg.GetDevice(ctx, child.ID)
	if gotChild.ViaDeviceID != nil {
		t.Errorf("child still via %s", *gotChild.ViaDeviceID)
	}

	events := rec.all()[before:]
	if len(events) != 3 || events[0].Action != ActionRemove {
		t.Errorf("events = %+v, want remove then two updates", events)
	}
	if err := reg.RemoveDevice(ctx, hub.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveDevice(again) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_RefreshCache(t *testing.T) {
	repo := NewMockRepository()
	repo.devices["d1"] = &Device{ID: "d1", Name: "One"}
	repo.entities["e1"] = &Entity{ID: "e1", EntityID: "light.one", DeviceID: strPtr("d1")}

	reg := NewRegistry(repo)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if reg.DeviceCount() != 1 || reg.EntityCount() != 1 {
		t.Errorf("counts = %d devices, %d entities", reg.DeviceCount(), reg.EntityCount())
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{nil, nil, true},
		{nil, (*string)(nil), true},
		{"x", strPtr("x"), true},
		{"x", "y", false},
		{nil, "", false},
		{DisabledByUser, "user", true},
		{[]string{"a"}, []string{"a"}, true},
		{[]string{"a"}, []string{"b"}, false},
	}
	for _, tt := range tests {
		if got := ValuesEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("ValuesEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Busy"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.UpdateDevice(ctx, d.ID, Attributes{AttrModel: "m"})
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.UpdateDevice(ctx, d.ID, Attributes{AttrSWVersion: "s"})
		}()
	}
	wg.Wait()

	got, _ := reg.GetDevice(ctx, d.ID)
	if got.Model == nil || got.SWVersion == nil {
		t.Errorf("lost a concurrent partial update: %+v", got)
	}
}

func TestRegistry_EventSequence(t *testing.T) {
	reg, rec := newTestRegistry(t)
	ctx := context.Background()
	d := mustCreateDevice(t, reg, &Device{Name: "Counter"})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		returned []uint64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := reg.UpdateDevice(ctx, d.ID, Attributes{AttrSerialNumber: string(rune('a' + i))})
			if err != nil || ev.Seq == 0 {
				return
			}
			mu.Lock()
			returned = append(returned, ev.Seq)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, ev := range rec.all() {
		if ev.Seq == 0 {
			t.Errorf("event without Seq: %+v", ev)
		}
		if seen[ev.Seq] {
			t.Errorf("Seq %d emitted twice", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	if len(returned) != 20 {
		t.Fatalf("returned %d sequence numbers, want 20", len(returned))
	}
	for _, seq := range returned {
		if !seen[seq] {
			t.Errorf("returned Seq %d was never emitted", seq)
		}
	}

	// Every event of one RemoveDevice is stamped in order.
	e := &Entity{EntityID: "sensor.counter", DeviceID: strPtr(d.ID)}
	if err := reg.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	before := len(rec.all())
	if err := reg.RemoveDevice(ctx, d.ID); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	events := rec.all()[before:]
	if len(events) != 2 || events[1].Seq != events[0].Seq+1 {
		t.Errorf("RemoveDevice() events = %+v, want two consecutive sequence numbers", events)
	}
	if v, ok := events[1].Values[AttrDeviceID]; !ok || v != nil {
		t.Errorf("detached entity Values = %v, want device_id unset", events[1].Values)
	}
}
