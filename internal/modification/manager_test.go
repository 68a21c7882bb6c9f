package modification

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-devicetools/internal/listener"
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
	"github.com/nerrad567/gray-logic-devicetools/migrations"
)

// eventRecorder collects lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *eventRecorder) ModificationEvent(ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) named(event string) []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LifecycleEvent
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// harness wires a registry, dispatcher, store and manager the way the
// service does, on a SQLite database in a temp directory.
type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *database.DB
	reg      *registry.Registry
	disp     *listener.Dispatcher
	devices  *listener.Listener[registry.Device]
	entities *listener.Listener[registry.Entity]
	store    *SQLiteStore
	saver    *SnapshotSaver
	metrics  *Metrics
	mgr      *Manager
	events   *eventRecorder
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "devicetools.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx, migrations.FS))
	return db
}

func newHarness(t *testing.T, db *database.DB) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.NewRegistry(registry.NewSQLiteRepository(db.DB))
	require.NoError(t, reg.RefreshCache(ctx))

	disp := listener.NewDispatcher()
	devices := listener.NewDeviceListener(reg)
	entities := listener.NewEntityListener(reg)
	disp.Route(registry.KindDevice, devices)
	disp.Route(registry.KindEntity, entities)
	reg.AddNotifier(disp)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = disp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	store := NewSQLiteStore(db.DB)
	saver := NewSnapshotSaver(store, 0)
	mgr := NewManager(Options{
		Registry: reg,
		Devices:  devices,
		Entities: entities,
		Runner:   disp,
		Store:    store,
		Saver:    saver,
		Metrics:  metrics,
	})
	events := &eventRecorder{}
	mgr.AddEventSink(events)
	require.NoError(t, mgr.Restore(ctx))

	return &harness{
		t:        t,
		ctx:      ctx,
		db:       db,
		reg:      reg,
		disp:     disp,
		devices:  devices,
		entities: entities,
		store:    store,
		saver:    saver,
		metrics:  metrics,
		mgr:      mgr,
		events:   events,
	}
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (h *harness) addDevice(id string, mutate ...func(d *registry.Device)) {
	h.t.Helper()
	d := &registry.Device{ID: id, Name: "Device " + id}
	for _, fn := range mutate {
		fn(d)
	}
	require.NoError(h.t, h.reg.CreateDevice(h.ctx, d))
}

func (h *harness) addEntity(id, entityID, deviceID string) {
	h.t.Helper()
	e := &registry.Entity{ID: id, EntityID: entityID, DeviceID: strPtr(deviceID)}
	require.NoError(h.t, h.reg.CreateEntity(h.ctx, e))
}

func (h *harness) device(id string) *registry.Device {
	h.t.Helper()
	d, err := h.reg.GetDevice(h.ctx, id)
	require.NoError(h.t, err)
	return d
}

func (h *harness) entityDevice(id string) string {
	h.t.Helper()
	e, err := h.reg.GetEntity(h.ctx, id)
	require.NoError(h.t, err)
	return deref(e.DeviceID)
}

// settle waits until every queued event, including the follow-up events
// of reconciliation writes, has been delivered.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 3; i++ {
		require.NoError(h.t, h.disp.Sync(h.ctx))
	}
}

func (h *harness) declare(decl Declaration) *Record {
	h.t.Helper()
	rec, err := h.mgr.Declare(h.ctx, decl)
	require.NoError(h.t, err)
	h.settle()
	return rec
}

func (h *harness) recordCount() int {
	h.t.Helper()
	records, err := h.mgr.List(h.ctx)
	require.NoError(h.t, err)
	stored, err := h.store.LoadRecords(h.ctx)
	require.NoError(h.t, err)
	require.Len(h.t, stored, len(records), "stored and active records must agree")
	return len(records)
}

func withVersion(v string) func(d *registry.Device) {
	return func(d *registry.Device) { d.SWVersion = strPtr(v) }
}

func TestManager_ApplyRevertRoundTrip(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"), func(d *registry.Device) {
		d.Manufacturer = strPtr("Acme")
	})

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay: registry.Attributes{
			registry.AttrManufacturer: "Other Co",
			registry.AttrModel:        "M2",
			registry.AttrSWVersion:    "2.0",
		},
	})
	assert.Equal(t, "Device dev-a", rec.Name, "name defaults to the target's display name")

	d := h.device("dev-a")
	assert.Equal(t, "Other Co", deref(d.Manufacturer))
	assert.Equal(t, "M2", deref(d.Model))
	assert.Equal(t, "2.0", deref(d.SWVersion))

	originals, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", originals[rec.ID][Key{"dev-a", registry.AttrManufacturer}])
	assert.Nil(t, originals[rec.ID][Key{"dev-a", registry.AttrModel}])

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	h.settle()

	d = h.device("dev-a")
	assert.Equal(t, "Acme", deref(d.Manufacturer))
	assert.Nil(t, d.Model)
	assert.Equal(t, "1.0", deref(d.SWVersion))
	assert.Equal(t, 0, h.recordCount())
	assert.Equal(t, 0, h.devices.HandlerCount("dev-a"))
}

func TestManager_StickyOverlayUnderExternalChurn(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})

	_, err := h.reg.UpdateDevice(h.ctx, "dev-a", registry.Attributes{registry.AttrModel: "X"})
	require.NoError(t, err)
	h.settle()

	d := h.device("dev-a")
	assert.Equal(t, "2.0", deref(d.SWVersion))
	assert.Equal(t, "X", deref(d.Model))
	assert.Empty(t, h.events.named(EventReconciled), "non-overlaid writes are not reconciled")

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	d = h.device("dev-a")
	assert.Equal(t, "1.0", deref(d.SWVersion))
	assert.Equal(t, "X", deref(d.Model))
}

func TestManager_BaselineTracking(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})

	_, err := h.reg.UpdateDevice(h.ctx, "dev-a", registry.Attributes{registry.AttrSWVersion: "1.5"})
	require.NoError(t, err)
	h.settle()

	assert.Equal(t, "2.0", deref(h.device("dev-a").SWVersion), "overlay is re-applied")

	got, err := h.mgr.Get(h.ctx, rec.ID)
	require.NoError(t, err)
	v, ok := got.Original.Get("dev-a", registry.AttrSWVersion)
	require.True(t, ok)
	assert.Equal(t, "1.5", v)
	assert.Len(t, h.events.named(EventReconciled), 1)
	assert.Equal(t, 1, h.saver.Pending())

	require.NoError(t, h.saver.Flush(h.ctx))
	originals, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.5", originals[rec.ID][Key{"dev-a", registry.AttrSWVersion}])

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	assert.Equal(t, "1.5", deref(h.device("dev-a").SWVersion))
}

func TestManager_QueuedExternalWritesTrackLatestBaseline(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})

	// Both writes are queued before the dispatcher delivers either; the
	// second one happens to write the overlay value.
	require.NoError(t, h.disp.Do(h.ctx, func(ctx context.Context) error {
		if _, err := h.reg.UpdateDevice(ctx, "dev-a", registry.Attributes{registry.AttrSWVersion: "1.5"}); err != nil {
			return err
		}
		_, err := h.reg.UpdateDevice(ctx, "dev-a", registry.Attributes{registry.AttrSWVersion: "2.0"})
		return err
	}))
	h.settle()

	got, err := h.mgr.Get(h.ctx, rec.ID)
	require.NoError(t, err)
	v, _ := got.Original.Get("dev-a", registry.AttrSWVersion)
	assert.Equal(t, "2.0", v)
	assert.Len(t, h.events.named(EventReconciled), 2)

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	h.settle()
	assert.Equal(t, "2.0", deref(h.device("dev-a").SWVersion))
}

// interleavedRegistry runs before ahead of the first UpdateDevice call,
// standing in for a writer on another goroutine.
type interleavedRegistry struct {
	*registry.Registry
	before func(ctx context.Context)
}

func (r *interleavedRegistry) UpdateDevice(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error) {
	if r.before != nil {
		before := r.before
		r.before = nil
		before(ctx)
	}
	return r.Registry.UpdateDevice(ctx, id, attrs)
}

func TestOverlayEngine_ExternalWriteDuringApply(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))

	env := *h.mgr.env
	env.originals = nil
	env.observe = nil
	env.reg = &interleavedRegistry{
		Registry: h.reg,
		before: func(ctx context.Context) {
			_, err := h.reg.UpdateDevice(ctx, "dev-a", registry.Attributes{registry.AttrSWVersion: "1.5"})
			assert.NoError(t, err)
		},
	}

	rec := &Record{
		ID:       "overlay-1",
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
		Original: Snapshot{},
	}
	eng, err := newEngine(&env, rec, []string{registry.AttrSWVersion})
	require.NoError(t, err)

	require.NoError(t, h.disp.Do(h.ctx, eng.Apply))
	h.settle()

	assert.Equal(t, "2.0", deref(h.device("dev-a").SWVersion))
	v, _ := rec.Original.Get("dev-a", registry.AttrSWVersion)
	assert.Equal(t, "1.5", v, "the write that landed mid-apply becomes the baseline")
	assert.Empty(t, h.devices.Suppressed("dev-a", eng.(listener.Handler[registry.Device])), "own event was consumed")

	require.NoError(t, h.disp.Do(h.ctx, eng.Revert))
	h.settle()
	assert.Equal(t, "1.5", deref(h.device("dev-a").SWVersion))
}

func TestManager_OwnWritesAreNotReconciled(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})

	_, err := h.mgr.Update(h.ctx, rec.ID, registry.Attributes{
		registry.AttrSWVersion: "3.0",
		registry.AttrModel:     "M",
	})
	require.NoError(t, err)
	h.settle()

	got, err := h.mgr.Get(h.ctx, rec.ID)
	require.NoError(t, err)
	v, _ := got.Original.Get("dev-a", registry.AttrSWVersion)
	assert.Equal(t, "1.0", v, "own writes must not replace the original")
	assert.Empty(t, h.events.named(EventReconciled))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.operations.WithLabelValues("device", opReconcile, "ok")))
}

func TestManager_EntityModificationRejectedForMergedEntity(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-p")
	h.addDevice("dev-a")
	h.addDevice("dev-c")
	h.addEntity("ent-1", "sensor.temperature", "dev-a")

	h.declare(Declaration{
		Kind:      KindMerge,
		PrimaryID: "dev-p",
		MemberIDs: []string{"dev-a"},
	})
	require.Equal(t, 1, h.recordCount())

	_, err := h.mgr.Declare(h.ctx, Declaration{
		Kind:     KindEntity,
		TargetID: "ent-1",
		Overlay:  registry.Attributes{registry.AttrDeviceID: "dev-c"},
	})
	assert.ErrorIs(t, err, ErrConflictDetected)
	assert.Equal(t, 1, h.recordCount())
	assert.Equal(t, "dev-p", h.entityDevice("ent-1"))
}

func TestManager_MergeMemberRestoreFidelity(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-p")
	h.addDevice("dev-a")
	h.addDevice("dev-b", func(d *registry.Device) { d.DisabledBy = registry.DisabledByUser })
	h.addEntity("ent-a", "light.kitchen", "dev-a")
	h.addEntity("ent-b", "switch.kitchen", "dev-b")

	disable := true
	rec := h.declare(Declaration{
		Kind:      KindMerge,
		PrimaryID: "dev-p",
		MemberIDs: []string{"dev-a", "dev-b"},
		Options:   &DeclarationOptions{DisableMembers: &disable},
	})

	for _, id := range []string{"dev-a", "dev-b"} {
		d := h.device(id)
		assert.Equal(t, registry.DisabledByConfigEntry, d.DisabledBy, id)
		assert.Contains(t, d.ConfigEntries, rec.ID, id)
	}
	assert.Contains(t, h.device("dev-p").ConfigEntries, rec.ID)
	assert.Equal(t, "dev-p", h.entityDevice("ent-a"))
	assert.Equal(t, "dev-p", h.entityDevice("ent-b"))

	// Member changes while the merge is active are observed, not captured.
	_, err := h.reg.UpdateDevice(h.ctx, "dev-a", registry.Attributes{registry.AttrDisabledBy: string(registry.DisabledByUser)})
	require.NoError(t, err)
	_, err = h.reg.UpdateDevice(h.ctx, "dev-b", registry.Attributes{registry.AttrDisabledBy: string(registry.DisabledByIntegration)})
	require.NoError(t, err)
	h.settle()

	assert.Equal(t, registry.DisabledByUser, h.device("dev-a").DisabledBy)
	got, err := h.mgr.Get(h.ctx, rec.ID)
	require.NoError(t, err)
	v, ok := got.Original.Get("dev-a", registry.AttrDisabledBy)
	require.True(t, ok)
	assert.Equal(t, "", v, "declaration-time state is kept")
	assert.Empty(t, h.events.named(EventReconciled))

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	h.settle()

	assert.Equal(t, registry.DisabledByNone, h.device("dev-a").DisabledBy)
	assert.Equal(t, registry.DisabledByUser, h.device("dev-b").DisabledBy)
	for _, id := range []string{"dev-p", "dev-a", "dev-b"} {
		assert.NotContains(t, h.device(id).ConfigEntries, rec.ID, id)
	}
	assert.Equal(t, "dev-a", h.entityDevice("ent-a"))
	assert.Equal(t, "dev-b", h.entityDevice("ent-b"))
}

func TestMergeEngine_ApplyAbortsWhenPrimaryMissing(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a")
	h.addDevice("dev-b")
	h.addEntity("ent-a", "light.hall", "dev-a")

	rec := &Record{
		ID:       "merge-1",
		Kind:     KindMerge,
		TargetID: "dev-gone",
		Members:  []string{"dev-a", "dev-b"},
		Original: Snapshot{},
		Options:  MergeOptions{DisableMembers: true},
	}
	rec.Original.Set("dev-a", registry.AttrDisabledBy, "")
	rec.Original.Set("dev-b", registry.AttrDisabledBy, "")
	rec.Original.Set("ent-a", registry.AttrDeviceID, "dev-a")

	eng, err := newEngine(h.mgr.env, rec, nil)
	require.NoError(t, err)

	err = h.disp.Do(h.ctx, eng.Apply)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	for _, id := range []string{"dev-a", "dev-b"} {
		d := h.device(id)
		assert.False(t, d.Disabled(), id)
		assert.Empty(t, d.ConfigEntries, id)
		assert.Equal(t, 0, h.devices.HandlerCount(id), id)
	}
	assert.Equal(t, "dev-a", h.entityDevice("ent-a"))
	assert.Equal(t, 0, h.entities.HandlerCount("ent-a"))
}

func TestManager_DeclareRejections(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-1", withVersion("1.0"))
	h.addDevice("dev-off", func(d *registry.Device) { d.DisabledBy = registry.DisabledByUser })
	h.addDevice("dev-p1")
	h.addDevice("dev-m1")
	h.addDevice("dev-m2")
	h.addDevice("dev-x")
	h.addDevice("dev-y")
	h.addDevice("dev-z")
	h.addEntity("ent-moved", "sensor.moved", "dev-x")
	h.addEntity("ent-parked", "sensor.parked", "dev-z")
	h.addEntity("ent-free", "sensor.free", "dev-z")

	h.declare(Declaration{Kind: KindDevice, TargetID: "dev-1", Overlay: registry.Attributes{registry.AttrModel: "M"}})
	h.declare(Declaration{Kind: KindMerge, PrimaryID: "dev-p1", MemberIDs: []string{"dev-m1", "dev-m2"}})
	// ent-moved leaves dev-x; ent-parked arrives on dev-y.
	h.declare(Declaration{Kind: KindEntity, TargetID: "ent-moved", Overlay: registry.Attributes{registry.AttrDeviceID: "dev-1"}})
	h.declare(Declaration{Kind: KindEntity, TargetID: "ent-parked", Overlay: registry.Attributes{registry.AttrDeviceID: "dev-y"}})
	before := h.recordCount()
	devicesBefore := h.reg.DeviceCount()

	tests := []struct {
		name string
		decl Declaration
		want error
	}{
		{
			name: "unknown device",
			decl: Declaration{Kind: KindDevice, TargetID: "nope", Overlay: registry.Attributes{registry.AttrModel: "M"}},
			want: ErrTargetNotFound,
		},
		{
			name: "unknown entity",
			decl: Declaration{Kind: KindEntity, TargetID: "nope", Overlay: registry.Attributes{registry.AttrDeviceID: "dev-1"}},
			want: ErrTargetNotFound,
		},
		{
			name: "disabled device",
			decl: Declaration{Kind: KindDevice, TargetID: "dev-off", Overlay: registry.Attributes{registry.AttrModel: "M"}},
			want: ErrTargetDisabled,
		},
		{
			name: "second device modification",
			decl: Declaration{Kind: KindDevice, TargetID: "dev-1", Overlay: registry.Attributes{registry.AttrSWVersion: "9"}},
			want: ErrDuplicateModification,
		},
		{
			name: "via itself",
			decl: Declaration{Kind: KindDevice, TargetID: "dev-x", Overlay: registry.Attributes{registry.AttrViaDeviceID: "dev-x"}},
			want: ErrInvalidDeclaration,
		},
		{
			name: "entity to unknown device",
			decl: Declaration{Kind: KindEntity, TargetID: "ent-free", Overlay: registry.Attributes{registry.AttrDeviceID: "nope"}},
			want: ErrInvalidDeclaration,
		},
		{
			name: "created primary with one member",
			decl: Declaration{Kind: KindMerge, PrimaryName: "Hub", MemberIDs: []string{"dev-x"}},
			want: ErrInsufficientMembers,
		},
		{
			name: "only unresolvable members",
			decl: Declaration{Kind: KindMerge, PrimaryID: "dev-x", MemberIDs: []string{"gone-1", "gone-2"}},
			want: ErrInsufficientMembers,
		},
		{
			name: "member already merged",
			decl: Declaration{Kind: KindMerge, PrimaryID: "dev-x", MemberIDs: []string{"dev-m1"}},
			want: ErrConflictDetected,
		},
		{
			name: "primary already merged",
			decl: Declaration{Kind: KindMerge, PrimaryID: "dev-m2", MemberIDs: []string{"dev-x"}},
			want: ErrConflictDetected,
		},
		{
			name: "member lost an entity to an entity modification",
			decl: Declaration{Kind: KindMerge, PrimaryID: "dev-1", MemberIDs: []string{"dev-x"}},
			want: ErrConflictDetected,
		},
		{
			name: "member holds an entity modification target",
			decl: Declaration{Kind: KindMerge, PrimaryID: "dev-1", MemberIDs: []string{"dev-y"}},
			want: ErrConflictDetected,
		},
		{
			name: "malformed overlay",
			decl: Declaration{Kind: KindDevice, TargetID: "dev-x", Overlay: registry.Attributes{registry.AttrName: "renamed"}},
			want: ErrInvalidDeclaration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.Declare(h.ctx, tt.decl)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, h.recordCount(), "rejected declarations create no record")
		})
	}

	assert.Empty(t, h.device("dev-x").ConfigEntries)
	assert.Equal(t, devicesBefore, h.reg.DeviceCount(), "no primary device is created for a rejected merge")
}

func TestManager_MergeWithCreatedPrimary(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a")
	h.addDevice("dev-b")
	h.addDevice("dev-gone")
	h.addEntity("ent-a", "light.porch", "dev-a")
	require.NoError(t, h.reg.RemoveDevice(h.ctx, "dev-gone"))

	rec := h.declare(Declaration{
		Kind:        KindMerge,
		PrimaryName: "Porch hub",
		MemberIDs:   []string{"dev-a", "dev-b", "dev-gone", "dev-a"},
	})
	assert.True(t, rec.Options.CreatePrimary)
	assert.Equal(t, []string{"dev-a", "dev-b"}, rec.Members, "missing and repeated members are dropped")
	assert.Equal(t, "Porch hub", rec.Name)

	primary := h.device(rec.TargetID)
	assert.Equal(t, "Porch hub", primary.Name)
	assert.Equal(t, rec.TargetID, h.entityDevice("ent-a"))
	assert.False(t, h.device("dev-a").Disabled(), "members stay enabled unless configured")

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	_, err := h.reg.GetDevice(h.ctx, rec.TargetID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, "dev-a", h.entityDevice("ent-a"))
}

func TestManager_MergeReassertsMovedEntity(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-p")
	h.addDevice("dev-a")
	h.addEntity("ent-a", "sensor.humidity", "dev-a")

	h.declare(Declaration{Kind: KindMerge, PrimaryID: "dev-p", MemberIDs: []string{"dev-a"}})

	_, err := h.reg.UpdateEntity(h.ctx, "ent-a", registry.Attributes{registry.AttrDeviceID: "dev-a"})
	require.NoError(t, err)
	h.settle()

	assert.Equal(t, "dev-p", h.entityDevice("ent-a"))
	assert.Len(t, h.events.named(EventReconciled), 1)

	// A member write is only observed.
	_, err = h.reg.UpdateDevice(h.ctx, "dev-a", registry.Attributes{registry.AttrModel: "New"})
	require.NoError(t, err)
	h.settle()
	assert.Len(t, h.events.named(EventReconciled), 1)
}

func TestManager_EntityOverlayTracksExternalMoves(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a")
	h.addDevice("dev-b")
	h.addDevice("dev-c")
	h.addEntity("ent-1", "binary_sensor.door", "dev-a")

	rec := h.declare(Declaration{
		Name:     "door on hub",
		Kind:     KindEntity,
		TargetID: "ent-1",
		Overlay:  registry.Attributes{registry.AttrDeviceID: "dev-b"},
	})
	assert.Equal(t, "dev-b", h.entityDevice("ent-1"))

	_, err := h.reg.UpdateEntity(h.ctx, "ent-1", registry.Attributes{registry.AttrDeviceID: "dev-c"})
	require.NoError(t, err)
	h.settle()
	assert.Equal(t, "dev-b", h.entityDevice("ent-1"))

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	assert.Equal(t, "dev-c", h.entityDevice("ent-1"))
}

func TestManager_Update(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"), func(d *registry.Device) {
		d.Manufacturer = strPtr("Acme")
	})
	h.addDevice("dev-p")
	h.addDevice("dev-m")

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrManufacturer: "Other"},
	})

	updated, err := h.mgr.Update(h.ctx, rec.ID, registry.Attributes{registry.AttrSWVersion: "2.0"})
	require.NoError(t, err)
	h.settle()

	d := h.device("dev-a")
	assert.Equal(t, "Acme", deref(d.Manufacturer), "dropped keys are restored")
	assert.Equal(t, "2.0", deref(d.SWVersion))
	assert.Equal(t, []Key{{"dev-a", registry.AttrSWVersion}}, updated.Original.Keys())

	stored, err := h.store.LoadRecords(h.ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, registry.Attributes{registry.AttrSWVersion: "2.0"}, stored[0].Overlay)

	_, err = h.mgr.Update(h.ctx, rec.ID, registry.Attributes{registry.AttrDeviceID: "dev-p"})
	assert.ErrorIs(t, err, ErrInvalidDeclaration)

	merge := h.declare(Declaration{Kind: KindMerge, PrimaryID: "dev-p", MemberIDs: []string{"dev-m"}})
	_, err = h.mgr.Update(h.ctx, merge.ID, registry.Attributes{registry.AttrModel: "x"})
	assert.ErrorIs(t, err, ErrInvalidDeclaration)

	_, err = h.mgr.Update(h.ctx, "nope", registry.Attributes{registry.AttrModel: "x"})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestManager_RestoreReappliesWithStoredOriginals(t *testing.T) {
	db := openTestDB(t)
	first := newHarness(t, db)
	first.addDevice("dev-a", withVersion("1.0"))

	rec := first.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})
	_, err := first.reg.UpdateDevice(first.ctx, "dev-a", registry.Attributes{registry.AttrSWVersion: "1.5"})
	require.NoError(t, err)
	first.settle()
	require.NoError(t, first.saver.Flush(first.ctx))
	require.NoError(t, first.mgr.Detach(first.ctx))

	second := newHarness(t, db)
	records, err := second.mgr.List(second.ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	v, _ := records[0].Original.Get("dev-a", registry.AttrSWVersion)
	assert.Equal(t, "1.5", v)
	assert.Len(t, second.events.named(EventApplied), 1)
	assert.Equal(t, 1, second.devices.HandlerCount("dev-a"))

	require.NoError(t, second.mgr.Remove(second.ctx, rec.ID))
	assert.Equal(t, "1.5", deref(second.device("dev-a").SWVersion))
}

func TestManager_RestoreKeepsRecordWithMissingTarget(t *testing.T) {
	db := openTestDB(t)
	first := newHarness(t, db)
	first.addDevice("dev-a", withVersion("1.0"))
	rec := first.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
	})
	require.NoError(t, first.reg.RemoveDevice(first.ctx, "dev-a"))
	first.settle()
	require.NoError(t, first.mgr.Detach(first.ctx))

	second := newHarness(t, db)
	failed := second.events.named(EventApplyFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, ErrTargetNotFound.Error())
	assert.Equal(t, 1, second.recordCount())

	require.NoError(t, second.mgr.Remove(second.ctx, rec.ID))
	assert.Equal(t, 0, second.recordCount())
}

func TestManager_Sync(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a", withVersion("1.0"))
	h.addDevice("dev-b")
	h.addDevice("dev-c")

	decls, err := ParseDeclarations([]byte(`
modifications:
  - name: thermostat firmware
    type: device
    target_id: dev-a
    overlay:
      sw_version: "2.0"
  - name: hub
    type: merge
    primary_name: Hub
    member_ids: [dev-b, dev-c]
    options:
      disable_members: false
  - name: broken
    type: device
    target_id: missing
    overlay:
      model: X
`))
	require.NoError(t, err)

	err = h.mgr.Sync(h.ctx, decls)
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, 2, h.recordCount())

	err = h.mgr.Sync(h.ctx, decls)
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, 2, h.recordCount(), "active declarations are not declared twice")
	assert.Equal(t, "2.0", deref(h.device("dev-a").SWVersion))
}

func TestManager_RemoveUnknown(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	err := h.mgr.Remove(h.ctx, "nope")
	assert.True(t, errors.Is(err, ErrRecordNotFound))
	_, err = h.mgr.Get(h.ctx, "nope")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestManager_MetricsAndEvents(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	h.addDevice("dev-a")

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay:  registry.Attributes{registry.AttrSerialNumber: "SN-1"},
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.active.WithLabelValues("device")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.operations.WithLabelValues("device", opApply, "ok")))

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.active.WithLabelValues("device")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.operations.WithLabelValues("device", opRevert, "ok")))

	reverted := h.events.named(EventReverted)
	require.Len(t, reverted, 1)
	assert.Equal(t, LifecycleEvent{
		RecordID: rec.ID,
		Name:     rec.Name,
		Kind:     KindDevice,
		TargetID: "dev-a",
		Event:    EventReverted,
		At:       reverted[0].At,
	}, reverted[0])
}

func TestManager_DeclareManyDevices(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	for i := 0; i < 20; i++ {
		h.addDevice(fmt.Sprintf("dev-%02d", i), withVersion("1.0"))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.mgr.Declare(h.ctx, Declaration{
				Kind:     KindDevice,
				TargetID: fmt.Sprintf("dev-%02d", i),
				Overlay:  registry.Attributes{registry.AttrSWVersion: "2.0"},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	h.settle()

	assert.Equal(t, 20, h.recordCount())
	assert.Empty(t, h.events.named(EventReconciled))
}

// warnLogger records the error attached to each warning.
type warnLogger struct {
	noopLogger
	mu   sync.Mutex
	errs []error
}

func (l *warnLogger) Warn(_ string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range args {
		if err, ok := a.(error); ok {
			l.errs = append(l.errs, err)
		}
	}
}

func (l *warnLogger) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestManager_RevertWithStaleOriginalData(t *testing.T) {
	h := newHarness(t, openTestDB(t))
	logger := &warnLogger{}
	h.mgr.SetLogger(logger)
	h.addDevice("dev-a", withVersion("1.0"), func(d *registry.Device) {
		d.Model = strPtr("M1")
	})

	rec := h.declare(Declaration{
		Kind:     KindDevice,
		TargetID: "dev-a",
		Overlay: registry.Attributes{
			registry.AttrSWVersion: "2.0",
			registry.AttrModel:     "M2",
		},
	})

	// Simulate originals that were never persisted for one key.
	require.NoError(t, h.disp.Do(h.ctx, func(context.Context) error {
		h.mgr.mods[rec.ID].Record().Original.Delete("dev-a", registry.AttrSWVersion)
		return nil
	}))

	require.NoError(t, h.mgr.Remove(h.ctx, rec.ID))
	h.settle()

	d := h.device("dev-a")
	assert.Equal(t, "M1", deref(d.Model), "keys with originals are restored")
	assert.Equal(t, "2.0", deref(d.SWVersion), "keys without originals are left as they are")
	assert.True(t, logger.has(ErrStaleOriginalData))
	assert.Equal(t, 0, h.recordCount())
}
