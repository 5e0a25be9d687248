package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/field-sync/internal/eventbus"
	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/journal"
	"github.com/annel0/field-sync/internal/resolve"
	"github.com/annel0/field-sync/internal/storage"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *resolve.ResolutionManager {
	t.Helper()
	mgr := resolve.NewResolutionManager(resolve.DefaultConfig(), resolve.ConflictMetadata{WorkOrderID: "wo-1"})
	require.NoError(t, mgr.Initialize())
	require.NoError(t, mgr.SeedState(field.FiberSectionState{
		ID:     "section-1",
		Status: field.StatusInProgress,
		Progress: field.ProgressUpdate{
			Percentage: 20,
			Timestamp:  testTime,
			UserID:     "user-1",
		},
		Location: field.GeoPoint{
			Latitude:  40.7128,
			Longitude: -74.0060,
			Timestamp: testTime,
			Source:    "device-1",
		},
		LastModified: testTime,
	}))
	return mgr
}

func testOptions() Options {
	opts := DefaultOptions("device-1", "wo-1")
	opts.FlushEvery = 20 * time.Millisecond
	opts.UseGzip = false
	return opts
}

func TestDecodeEvent_AllKinds(t *testing.T) {
	loc, _ := json.Marshal(wireLocation{Latitude: 40.7128, Longitude: -74.0060, Timestamp: testTime, Source: "device-2"})
	prog, _ := json.Marshal(wireProgress{Percentage: 55, Timestamp: testTime, UserID: "user-2"})
	status, _ := json.Marshal(wireStatus{SectionID: "section-1", Status: "completed"})

	ev, err := DecodeEvent(&eventbus.Envelope{ID: "ev-1", EventType: "location_update", Timestamp: testTime, Payload: loc})
	require.NoError(t, err)
	got, ok := ev.Location()
	require.True(t, ok)
	assert.Equal(t, 40.7128, got.Latitude)

	ev, err = DecodeEvent(&eventbus.Envelope{ID: "ev-2", EventType: "progress_update", Timestamp: testTime, Payload: prog})
	require.NoError(t, err)
	p, ok := ev.Progress()
	require.True(t, ok)
	assert.Equal(t, 55.0, p.Percentage)
	assert.Equal(t, "user-2", ev.UserID)

	ev, err = DecodeEvent(&eventbus.Envelope{ID: "ev-3", EventType: "status_change", Timestamp: testTime, Payload: status})
	require.NoError(t, err)
	s, ok := ev.Status()
	require.True(t, ok)
	assert.Equal(t, field.StatusCompleted, s.Status)

	_, err = DecodeEvent(&eventbus.Envelope{ID: "ev-4", EventType: "telemetry", Payload: loc})
	assert.Error(t, err)
}

func TestEncodeValue_RoundTrip(t *testing.T) {
	acc := 5.0
	point := field.GeoPoint{Latitude: 40.7128, Longitude: -74.0060, Accuracy: &acc, Timestamp: testTime, Source: "device-1"}

	data, kind, err := EncodeValue(point)
	require.NoError(t, err)
	assert.Equal(t, "location_update", kind)

	ev, err := DecodeEvent(&eventbus.Envelope{ID: "ev-1", EventType: kind, Timestamp: testTime, Payload: data})
	require.NoError(t, err)
	got, ok := ev.Location()
	require.True(t, ok)
	assert.Equal(t, point, got)
}

func TestGzipCompressor_RoundTrip(t *testing.T) {
	c := NewGzipCompressor()
	changes := []Change{
		{Data: []byte(`{"percentage":30}`)},
		{Data: []byte(`{"percentage":45}`)},
		{Data: []byte{}},
	}

	payload, err := c.Compress(changes)
	require.NoError(t, err)

	got, err := c.Decompress(payload)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, changes[0].Data, got[0].Data)
	assert.Equal(t, changes[1].Data, got[1].Data)
	assert.Empty(t, got[2].Data)
}

func TestBatchManager_PriorityEviction(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	bm := NewBatchManager(bus, "device-1", "wo-1", 2, time.Hour, nil)
	defer bm.Stop()

	bm.AddChange(Change{Data: []byte("geo-1"), Priority: 3})
	bm.AddChange(Change{Data: []byte("geo-2"), Priority: 3})

	// Буфер полон: статусное изменение вытесняет геопозицию.
	bm.AddChange(Change{Data: []byte("status"), Priority: 7})
	assert.Equal(t, 2, bm.Len())

	// Новая геопозиция проигрывает всем — дропается.
	bm.AddChange(Change{Data: []byte("geo-3"), Priority: 1})
	assert.Equal(t, 2, bm.Len())
}

func TestBridge_ReconcileFromAuthoritativeSnapshot(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	mgr := newTestManager(t)
	repo := storage.NewMemorySectionRepo()

	b := NewBridge(bus, mgr, repo, nil, testOptions())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	// Локальное оптимистичное изменение: прогресс 20 -> 30.
	require.NoError(t, b.PublishLocalUpdate(&resolve.OptimisticUpdate{
		ID:   "upd-1",
		Kind: field.EventProgressUpdate,
		LocalValue: field.ProgressUpdate{
			Percentage: 30,
			Timestamp:  testTime.Add(time.Second),
			UserID:     "user-1",
		},
		AppliedAt: testTime.Add(time.Second),
		UserID:    "user-1",
	}))

	// Авторитетный снимок ещё не знает о локальном изменении.
	snapshot, _ := json.Marshal(toWireSection(field.FiberSectionState{
		ID:     "section-1",
		Status: field.StatusInProgress,
		Progress: field.ProgressUpdate{
			Percentage: 20,
			Timestamp:  testTime,
			UserID:     "user-1",
		},
		Location: field.GeoPoint{
			Latitude:  40.7128,
			Longitude: -74.0060,
			Timestamp: testTime,
			Source:    "device-1",
		},
		LastModified: testTime,
	}))
	require.NoError(t, bus.Publish(context.Background(), &eventbus.Envelope{
		ID:          "snap-1",
		Timestamp:   testTime.Add(2 * time.Second),
		Source:      "central-1",
		EventType:   TypeAuthoritativeState,
		WorkOrderID: "wo-1",
		Priority:    6,
		Payload:     snapshot,
	}))

	// Мост обязан свести снимок с реестром и сохранить итог в репозиторий.
	require.Eventually(t, func() bool {
		state, found, err := repo.Load(context.Background(), "section-1")
		return err == nil && found && state.Progress.Percentage == 30
	}, 2*time.Second, 10*time.Millisecond)

	// Подтверждённое обновление вычищено из реестра.
	require.Eventually(t, func() bool {
		pending, err := mgr.GetPendingUpdates()
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_IgnoresOwnEnvelopes(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	mgr := newTestManager(t)
	repo := storage.NewMemorySectionRepo()

	b := NewBridge(bus, mgr, repo, nil, testOptions())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	snapshot, _ := json.Marshal(toWireSection(field.FiberSectionState{
		ID:     "section-1",
		Status: field.StatusInProgress,
	}))
	require.NoError(t, bus.Publish(context.Background(), &eventbus.Envelope{
		ID:          "snap-1",
		Source:      "device-1", // собственный конверт устройства
		EventType:   TypeAuthoritativeState,
		WorkOrderID: "wo-1",
		Payload:     snapshot,
	}))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, repo.Count())
}

func TestBridge_ReplayJournal(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	mgr := newTestManager(t)
	repo := storage.NewMemorySectionRepo()

	jrnl, err := journal.NewJournal(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	require.NoError(t, jrnl.Append(&eventbus.Envelope{
		ID:          "ev-1",
		Timestamp:   time.Now(),
		Source:      "device-1",
		EventType:   "progress_update",
		WorkOrderID: "wo-1",
		Payload:     []byte(`{"percentage":50}`),
	}))

	b := NewBridge(bus, mgr, repo, jrnl, testOptions())
	require.NoError(t, b.Replay(context.Background()))

	n, err := jrnl.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, bus.Metrics().Published, uint64(1))
}
