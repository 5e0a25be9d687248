package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/field-sync/internal/field"
)

func TestMergeGeo_BestAccuracyWins(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := geoAt(40.7128, -74.0060, floatPtr(15), testBase, "device-1")
	remote := geoAt(40.7129, -74.0061, floatPtr(4), testBase.Add(time.Second), "device-2")

	res := m.MergeGeo(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyBestAccuracy, res.Strategy)
	assert.Equal(t, 0.9, res.Confidence)
	merged := res.MergedValue.(field.GeoPoint)
	assert.Equal(t, remote.Latitude, merged.Latitude)
	assert.Equal(t, 4.0, *merged.Accuracy)
}

func TestMergeGeo_AverageCloseBranch(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	// Близкие по времени и пространству точки (< 10 м) усредняются.
	local := geoAt(40.71280, -74.00600, floatPtr(8), testBase, "device-1")
	remote := geoAt(40.71284, -74.00602, nil, testBase.Add(3*time.Second), "device-2")

	res := m.MergeGeo(local, remote, ConflictMetadata{})

	require.Equal(t, StrategyCoordinateAverage, res.Strategy)
	assert.Equal(t, 0.95, res.Confidence)

	merged := res.MergedValue.(field.GeoPoint)
	assert.InDelta(t, (local.Latitude+remote.Latitude)/2, merged.Latitude, 1e-9)
	assert.InDelta(t, (local.Longitude+remote.Longitude)/2, merged.Longitude, 1e-9)
	require.NotNil(t, merged.Accuracy)
	assert.Equal(t, 8.0, *merged.Accuracy)
	assert.Equal(t, remote.Timestamp, merged.Timestamp) // поздняя метка
}

func TestMergeGeo_AverageCommutative(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	a := geoAt(40.71280, -74.00600, nil, testBase, "device-1")
	b := geoAt(40.71285, -74.00603, nil, testBase.Add(2*time.Second), "device-2")

	ab := m.MergeGeo(a, b, ConflictMetadata{})
	ba := m.MergeGeo(b, a, ConflictMetadata{})

	assert.Equal(t, ab.MergedValue, ba.MergedValue)
	assert.Equal(t, ab.Strategy, ba.Strategy)
	assert.Equal(t, ab.Confidence, ba.Confidence)
}

func TestMergeGeo_FarApartPriority(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	// Близко по времени, далеко в пространстве: решает приоритет.
	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	remote := geoAt(40.7228, -74.0060, nil, testBase.Add(2*time.Second), "device-2")

	// Без ролей и без авторитетного источника — оптимистичный выбор локали.
	res := m.MergeGeo(local, remote, ConflictMetadata{})
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, local, res.MergedValue.(field.GeoPoint))

	// Удалённая сторона авторитетна — выигрывает она.
	res = m.MergeGeo(local, remote, ConflictMetadata{Source: SourceAuthoritative})
	assert.Equal(t, remote, res.MergedValue.(field.GeoPoint))

	// Таблица ролей сильнее авторитетности по умолчанию.
	res = m.MergeGeo(local, remote, ConflictMetadata{LocalRole: "admin", RemoteRole: "observer"})
	assert.Equal(t, StrategyRolePriority, res.Strategy)
	assert.Equal(t, local, res.MergedValue.(field.GeoPoint))
}

func TestMergeGeo_LastWriterWins(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := geoAt(40.7128, -74.0060, nil, testBase, "device-1")
	remote := geoAt(40.7129, -74.0061, nil, testBase.Add(time.Minute), "device-2")

	res := m.MergeGeo(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyLastWriterWins, res.Strategy)
	assert.Equal(t, 0.7, res.Confidence)
	assert.Equal(t, remote, res.MergedValue.(field.GeoPoint))
}

func TestMergeProgress_MaxWins(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	// Скачок 25→75 превышает порог, но без ролей побеждает максимум.
	local := field.ProgressUpdate{Percentage: 25, Timestamp: testBase, UserID: "user-1"}
	remote := field.ProgressUpdate{Percentage: 75, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	res := m.MergeProgress(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyMaxWins, res.Strategy)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, 75.0, res.MergedValue.(field.ProgressUpdate).Percentage)
}

func TestMergeProgress_RolePriorityOnBigJump(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := field.ProgressUpdate{Percentage: 25, Timestamp: testBase, UserID: "user-1"}
	remote := field.ProgressUpdate{Percentage: 75, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	// Локальный бригадир против удалённого наблюдателя: скачок не принимается.
	res := m.MergeProgress(local, remote, ConflictMetadata{LocalRole: "foreman", RemoteRole: "observer"})

	assert.Equal(t, StrategyRolePriority, res.Strategy)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Equal(t, 25.0, res.MergedValue.(field.ProgressUpdate).Percentage)
}

func TestMergeProgress_SmallDiffMaxWins(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := field.ProgressUpdate{Percentage: 50, Timestamp: testBase, UserID: "user-1"}
	remote := field.ProgressUpdate{Percentage: 60, Timestamp: testBase.Add(time.Minute), UserID: "user-2"}

	res := m.MergeProgress(local, remote, ConflictMetadata{LocalRole: "admin", RemoteRole: "observer"})

	// Роли не трогаем: шаг в пределах порога, работает монотонный max-wins.
	assert.Equal(t, StrategyMaxWins, res.Strategy)
	assert.Equal(t, 60.0, res.MergedValue.(field.ProgressUpdate).Percentage)
}

func TestMergeProgress_EqualMetadataUnion(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := field.ProgressUpdate{Percentage: 50, Timestamp: testBase, UserID: "user-1", Verified: false}
	remote := field.ProgressUpdate{
		Percentage: 50,
		Milestone:  strPtr("муфта установлена"),
		Timestamp:  testBase.Add(time.Minute),
		UserID:     "user-2",
		Verified:   true,
	}

	res := m.MergeProgress(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyMetadataUnion, res.Strategy)
	assert.Equal(t, 0.95, res.Confidence)

	merged := res.MergedValue.(field.ProgressUpdate)
	assert.True(t, merged.Verified)
	require.NotNil(t, merged.Milestone)
	assert.Equal(t, "муфта установлена", *merged.Milestone)
	assert.Equal(t, remote.Timestamp, merged.Timestamp)
}

func TestMergeSection_StatusOrder(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := sectionState("section-1", field.StatusInProgress, 60, testBase)
	remote := sectionState("section-1", field.StatusCompleted, 100, testBase.Add(time.Minute))

	res := m.MergeSection(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyStatusOrder, res.Strategy)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, field.StatusCompleted, res.MergedValue.(field.FiberSectionState).Status)
}

func TestMergeSection_FailedIsRecoverable(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	// failed имеет порядок -1: любая живая сторона побеждает.
	local := sectionState("section-1", field.StatusFailed, 30, testBase.Add(time.Minute))
	remote := sectionState("section-1", field.StatusStarted, 30, testBase)

	res := m.MergeSection(local, remote, ConflictMetadata{})
	assert.Equal(t, field.StatusStarted, res.MergedValue.(field.FiberSectionState).Status)
}

func TestMergeSection_EqualStatusRecursive(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	local := sectionState("section-1", field.StatusInProgress, 40, testBase)
	remote := sectionState("section-1", field.StatusInProgress, 55, testBase.Add(time.Minute))
	remote.ModifiedBy = "user-2"

	res := m.MergeSection(local, remote, ConflictMetadata{})

	assert.Equal(t, StrategyRecursiveMerge, res.Strategy)
	assert.Equal(t, 0.9, res.Confidence)

	merged := res.MergedValue.(field.FiberSectionState)
	assert.Equal(t, 55.0, merged.Progress.Percentage) // max-wins внутри
	assert.Equal(t, remote.LastModified, merged.LastModified)
	assert.Equal(t, "user-2", merged.ModifiedBy)
}

func TestMerge_IdempotentOnEqualInputs(t *testing.T) {
	m := NewCRDTMerger(DefaultConfig())

	point := geoAt(40.7128, -74.0060, floatPtr(5), testBase, "device-1")
	progress := field.ProgressUpdate{Percentage: 50, Timestamp: testBase, UserID: "user-1", Verified: true}
	section := sectionState("section-1", field.StatusInProgress, 50, testBase)

	geoRes := m.MergeGeo(point, point, ConflictMetadata{})
	assert.Equal(t, point, geoRes.MergedValue.(field.GeoPoint))
	assert.GreaterOrEqual(t, geoRes.Confidence, 0.9)

	progressRes := m.MergeProgress(progress, progress, ConflictMetadata{})
	assert.Equal(t, progress, progressRes.MergedValue.(field.ProgressUpdate))
	assert.GreaterOrEqual(t, progressRes.Confidence, 0.9)

	sectionRes := m.MergeSection(section, section, ConflictMetadata{})
	assert.Equal(t, section, sectionRes.MergedValue.(field.FiberSectionState))
	assert.GreaterOrEqual(t, sectionRes.Confidence, 0.9)
}

func sectionState(id string, status field.SectionStatus, pct float64, ts time.Time) field.FiberSectionState {
	return field.FiberSectionState{
		ID:           id,
		Status:       status,
		Progress:     field.ProgressUpdate{Percentage: pct, Timestamp: ts, UserID: "user-1"},
		Location:     geoAt(40.7128, -74.0060, floatPtr(5), ts, "device-1"),
		LastModified: ts,
		ModifiedBy:   "user-1",
	}
}

func BenchmarkMergeGeo(b *testing.B) {
	m := NewCRDTMerger(DefaultConfig())
	local := geoAt(40.71280, -74.00600, nil, testBase, "device-1")
	remote := geoAt(40.71284, -74.00602, nil, testBase.Add(3*time.Second), "device-2")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.MergeGeo(local, remote, ConflictMetadata{})
	}
}
