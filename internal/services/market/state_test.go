package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"UpDownTrader/internal/domain/models"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func TestRecordPriceNumbersSamples(t *testing.T) {
	s := NewState()
	_, ok := s.Latest()
	assert.False(t, ok)

	a := s.RecordPrice(100, t0)
	b := s.RecordPrice(100, t0.Add(time.Second))
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.False(t, a.SameSnapshot(b))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, b, latest)

	// late arrival is numbered but does not become latest
	s.RecordPrice(99, t0.Add(-time.Second))
	latest, _ = s.Latest()
	assert.Equal(t, b, latest)
}

func TestSampleAt(t *testing.T) {
	s := NewState()
	s.RecordPrice(100, t0)
	s.RecordPrice(101, t0.Add(time.Minute))
	s.RecordPrice(102, t0.Add(2*time.Minute))

	got, ok := s.SampleAt(t0.Add(90 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 101.0, got.Price)

	_, ok = s.SampleAt(t0.Add(-time.Second))
	assert.False(t, ok)
}

func TestSnapshotCopiesAndIgnoresStale(t *testing.T) {
	s := NewState()
	_, ok := s.Snapshot()
	assert.False(t, ok)
	assert.Less(t, s.Age(t0), time.Duration(0))

	require.True(t, s.SetSnapshot(models.MarketSnapshot{MarketID: "m1", Timestamp: t0}))
	assert.False(t, s.SetSnapshot(models.MarketSnapshot{MarketID: "old", Timestamp: t0.Add(-time.Second)}))

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "m1", snap.MarketID)

	snap.MarketID = "mutated"
	again, _ := s.Snapshot()
	assert.Equal(t, "m1", again.MarketID)
	assert.Equal(t, 5*time.Second, s.Age(t0.Add(5*time.Second)))
}
