package resolve

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/field-sync/internal/field"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }
func strPtr(s string) *string     { return &s }

func geoAt(lat, lon float64, acc *float64, ts time.Time, source string) field.GeoPoint {
	return field.GeoPoint{Latitude: lat, Longitude: lon, Accuracy: acc, Timestamp: ts, Source: source}
}

func locationEvent(id string, p field.GeoPoint) field.Event {
	return field.Event{
		ID:        id,
		Kind:      field.EventLocationUpdate,
		Timestamp: p.Timestamp,
		UserID:    "user-1",
		Payload:   field.LocationPayload{Location: p},
	}
}

func progressEvent(id string, p field.ProgressUpdate) field.Event {
	return field.Event{
		ID:        id,
		Kind:      field.EventProgressUpdate,
		Timestamp: p.Timestamp,
		UserID:    p.UserID,
		Payload:   field.ProgressPayload{Progress: p},
	}
}

func statusEvent(id, sectionID string, status field.SectionStatus, ts time.Time) field.Event {
	return field.Event{
		ID:        id,
		Kind:      field.EventStatusChange,
		Timestamp: ts,
		UserID:    "user-1",
		Payload:   field.StatusPayload{SectionID: sectionID, Status: status},
	}
}

func TestDetector_GeoDistanceConflict(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	// Точка в ~1.1 км к северу (0.01° широты ≈ 1.11 км); метки времени
	// разнесены, чтобы не сработала конкурентность.
	local := geoAt(40.7128, -74.0060, floatPtr(5), testBase, "device-1")
	remote := geoAt(40.7228, -74.0060, nil, testBase.Add(30*time.Second), "device-1")

	conflicts := d.Detect(local, []field.Event{locationEvent("ev-1", remote)}, ConflictMetadata{})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictGeoCoordinate, conflicts[0].Type)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
	assert.False(t, conflicts[0].AutoResolvable)
	assert.NotEmpty(t, conflicts[0].ID)
}

func TestDetector_GeoWithinThresholdNoConflict(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")

	// Смещения до ~90 м — всё внутри порога 100 м.
	for i := 0; i < 9; i++ {
		offset := float64(i) * 0.0001 // ~11 м на шаг
		remote := geoAt(40.7128+offset, -74.0060, nil, testBase.Add(time.Minute), "device-1")
		conflicts := d.Detect(local, []field.Event{locationEvent("ev", remote)}, ConflictMetadata{})
		assert.Empty(t, conflicts, "смещение %d не должно давать конфликт", i)
	}
}

func TestDetector_GeoSeverityBands(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")

	cases := []struct {
		name     string
		offset   float64 // градусы широты
		severity Severity
		auto     bool
	}{
		{"чуть за порогом", 0.0011, SeverityMedium, true},       // ~122 м
		{"между 1.5x и 2x", 0.0016, SeverityMedium, false},      // ~178 м
		{"дальше двойного порога", 0.0030, SeverityHigh, false}, // ~334 м
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := geoAt(local.Latitude+tc.offset, local.Longitude, nil, testBase.Add(time.Minute), "device-1")
			conflicts := d.Detect(local, []field.Event{locationEvent("ev", remote)}, ConflictMetadata{})
			require.Len(t, conflicts, 1)
			assert.Equal(t, tc.severity, conflicts[0].Severity)
			assert.Equal(t, tc.auto, conflicts[0].AutoResolvable)
		})
	}
}

func TestDetector_ConcurrentUpdateCoOccurs(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	// Далёкая точка от другого устройства в пределах 5 секунд:
	// должны сработать оба конфликта, ни один не подавляет другой.
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	remote := geoAt(40.7228, -74.0060, nil, testBase.Add(2*time.Second), "device-2")

	conflicts := d.Detect(local, []field.Event{locationEvent("ev", remote)}, ConflictMetadata{})

	require.Len(t, conflicts, 2)
	types := []ConflictType{conflicts[0].Type, conflicts[1].Type}
	assert.Contains(t, types, ConflictGeoCoordinate)
	assert.Contains(t, types, ConflictConcurrentUpdate)

	for _, c := range conflicts {
		if c.Type == ConflictConcurrentUpdate {
			assert.Equal(t, SeverityMedium, c.Severity)
			assert.True(t, c.AutoResolvable)
		}
	}
}

func TestDetector_ConcurrentUpdateSameSource(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	// Тот же источник — конкурентности нет, даже при близких метках.
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	remote := geoAt(40.7129, -74.0060, nil, testBase.Add(time.Second), "device-1")

	conflicts := d.Detect(local, []field.Event{locationEvent("ev", remote)}, ConflictMetadata{})
	assert.Empty(t, conflicts)
}

func TestDetector_ProgressDecrease(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	local := field.ProgressUpdate{Percentage: 75, Timestamp: testBase, UserID: "user-1", Verified: true}
	remote := field.ProgressUpdate{Percentage: 50, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	conflicts := d.Detect(local, []field.Event{progressEvent("ev", remote)}, ConflictMetadata{})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictProgress, conflicts[0].Type)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
	assert.False(t, conflicts[0].AutoResolvable)
}

func TestDetector_ProgressDecreaseAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowProgressDecrease = true
	d := NewConflictDetector(cfg)

	local := field.ProgressUpdate{Percentage: 75, Timestamp: testBase, UserID: "user-1"}
	remote := field.ProgressUpdate{Percentage: 60, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	// Уменьшение разрешено, разница 15 ≤ 25 — конфликта нет.
	conflicts := d.Detect(local, []field.Event{progressEvent("ev", remote)}, ConflictMetadata{})
	assert.Empty(t, conflicts)
}

func TestDetector_ProgressJump(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	local := field.ProgressUpdate{Percentage: 25, Timestamp: testBase, UserID: "user-1"}
	remote := field.ProgressUpdate{Percentage: 75, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	conflicts := d.Detect(local, []field.Event{progressEvent("ev", remote)}, ConflictMetadata{})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictProgress, conflicts[0].Type)
	assert.Equal(t, SeverityMedium, conflicts[0].Severity)
	assert.True(t, conflicts[0].AutoResolvable)
}

func TestDetector_ProgressBoundedIncreaseNoConflict(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	// Любой неубывающий шаг в пределах maxProgressJump — не конфликт.
	for diff := 0.0; diff <= 25; diff += 5 {
		local := field.ProgressUpdate{Percentage: 40, Timestamp: testBase, UserID: "user-1"}
		remote := field.ProgressUpdate{Percentage: 40 + diff, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

		conflicts := d.Detect(local, []field.Event{progressEvent("ev", remote)}, ConflictMetadata{})
		assert.Empty(t, conflicts, "шаг %v не должен давать конфликт", diff)
	}
}

func TestDetector_StateTransitions(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	cases := []struct {
		from     field.SectionStatus
		to       field.SectionStatus
		conflict bool
	}{
		{field.StatusPlanned, field.StatusStarted, false},
		{field.StatusStarted, field.StatusInProgress, false},
		{field.StatusStarted, field.StatusFailed, false},
		{field.StatusInProgress, field.StatusCompleted, false},
		{field.StatusInProgress, field.StatusFailed, false},
		{field.StatusFailed, field.StatusStarted, false}, // единственный допустимый откат
		{field.StatusCompleted, field.StatusStarted, true},
		{field.StatusCompleted, field.StatusInProgress, true},
		{field.StatusInProgress, field.StatusPlanned, true},
		{field.StatusStarted, field.StatusCompleted, true}, // перескок через in_progress
		{field.StatusPlanned, field.StatusCompleted, true},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			local := field.FiberSectionState{
				ID:       "section-1",
				Status:   tc.from,
				Progress: field.ProgressUpdate{Percentage: 10, Timestamp: testBase, UserID: "user-1"},
				Location: geoAt(40.7128, -74.0060, nil, testBase, "device-1"),
			}
			conflicts := d.Detect(local, []field.Event{statusEvent("ev", "section-1", tc.to, testBase.Add(time.Minute))}, ConflictMetadata{})

			if !tc.conflict {
				assert.Empty(t, conflicts)
				return
			}
			require.Len(t, conflicts, 1)
			assert.Equal(t, ConflictStateTransition, conflicts[0].Type)
			assert.Equal(t, SeverityHigh, conflicts[0].Severity)
			assert.False(t, conflicts[0].AutoResolvable)
		})
	}
}

func TestDetector_TimeoutReturnsPartialResults(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	// Фальшивые часы: каждое обращение сдвигает время на 30 мс,
	// дедлайн 50 мс истекает после обработки первых событий.
	current := testBase
	d.now = func() time.Time {
		current = current.Add(30 * time.Millisecond)
		return current
	}

	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	events := make([]field.Event, 10)
	for i := range events {
		remote := geoAt(40.7228, -74.0060, nil, testBase.Add(time.Hour), "device-1")
		events[i] = locationEvent(fmt.Sprintf("ev-%d", i), remote)
	}

	conflicts := d.Detect(local, events, ConflictMetadata{})

	// Частичный результат: что-то успели, но далеко не всё.
	assert.Less(t, len(conflicts), len(events))
}

func TestDetector_ValidateUpdate(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())
	state := field.FiberSectionState{ID: "section-1", Status: field.StatusInProgress}

	valid := &OptimisticUpdate{
		ID:         "upd-1",
		Kind:       field.EventProgressUpdate,
		LocalValue: field.ProgressUpdate{Percentage: 50, Timestamp: testBase, UserID: "user-1"},
		AppliedAt:  testBase,
		UserID:     "user-1",
	}
	assert.True(t, d.ValidateUpdate(valid, state))

	cases := []struct {
		name   string
		mutate func(u *OptimisticUpdate)
	}{
		{"nil update", nil},
		{"пустой id", func(u *OptimisticUpdate) { u.ID = "" }},
		{"пустой пользователь", func(u *OptimisticUpdate) { u.UserID = "" }},
		{"неизвестный вид", func(u *OptimisticUpdate) { u.Kind = "unknown" }},
		{"процент за диапазоном", func(u *OptimisticUpdate) {
			u.LocalValue = field.ProgressUpdate{Percentage: 146, Timestamp: testBase, UserID: "user-1"}
		}},
		{"широта за диапазоном", func(u *OptimisticUpdate) {
			u.Kind = field.EventLocationUpdate
			u.LocalValue = geoAt(91, 0, nil, testBase, "device-1")
		}},
		{"долгота за диапазоном", func(u *OptimisticUpdate) {
			u.Kind = field.EventLocationUpdate
			u.LocalValue = geoAt(0, -181, nil, testBase, "device-1")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.mutate == nil {
				assert.False(t, d.ValidateUpdate(nil, state))
				return
			}
			u := *valid
			tc.mutate(&u)
			assert.False(t, d.ValidateUpdate(&u, state))
		})
	}
}

func TestDetector_DoesNotMutateInputs(t *testing.T) {
	d := NewConflictDetector(DefaultConfig())

	local := geoAt(40.7128, -74.0060, floatPtr(5), testBase, "device-1")
	remote := geoAt(40.7228, -74.0060, floatPtr(12), testBase.Add(time.Minute), "device-2")
	events := []field.Event{locationEvent("ev-1", remote)}

	_ = d.Detect(local, events, ConflictMetadata{})

	assert.Equal(t, 40.7128, local.Latitude)
	assert.Equal(t, 5.0, *local.Accuracy)
	got, _ := events[0].Location()
	assert.Equal(t, 40.7228, got.Latitude)
}

func BenchmarkDetector_Geo(b *testing.B) {
	d := NewConflictDetector(DefaultConfig())
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	events := []field.Event{locationEvent("ev", geoAt(40.7228, -74.0060, nil, testBase.Add(time.Minute), "device-2"))}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Detect(local, events, ConflictMetadata{})
	}
}
