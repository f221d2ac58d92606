// Package market holds the latest view of the underlying price and of the binary market.
// Readers always get copies.
package market

import (
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
)

const defaultHistory = 4096

// State is written by the feed collectors and read by the engine, the pipeline and the
// settlement sweeper.
type State struct {
	mu       sync.RWMutex
	seq      uint64
	latest   models.PriceSample
	samples  []models.PriceSample
	maxKeep  int
	snapshot *models.MarketSnapshot
}

func NewState() *State {
	return &State{maxKeep: defaultHistory}
}

// RecordPrice stores a new underlying observation and returns it with its sequence number.
// Observations older than the latest one are still numbered but do not replace it.
func (s *State) RecordPrice(price float64, at time.Time) models.PriceSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	sample := models.PriceSample{Price: price, At: at, Seq: s.seq}
	if !at.Before(s.latest.At) {
		s.latest = sample
	}
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.maxKeep {
		s.samples = append(s.samples[:0:0], s.samples[len(s.samples)-s.maxKeep/2:]...)
	}
	return sample
}

// Latest returns the most recent underlying sample.
func (s *State) Latest() (models.PriceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, !s.latest.IsZero()
}

// SampleAt returns the last sample taken at or before t.
func (s *State) SampleAt(t time.Time) (models.PriceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.samples) - 1; i >= 0; i-- {
		if !s.samples[i].At.After(t) {
			return s.samples[i], true
		}
	}
	return models.PriceSample{}, false
}

// SetSnapshot replaces the binary market view. Snapshots older than the current one are
// ignored.
func (s *State) SetSnapshot(m models.MarketSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil && m.Timestamp.Before(s.snapshot.Timestamp) {
		return false
	}
	s.snapshot = &m
	return true
}

// Snapshot returns a copy of the binary market view.
func (s *State) Snapshot() (*models.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, false
	}
	c := *s.snapshot
	return &c, true
}

// Age of the binary market view at now. Returns a negative duration when there is none.
func (s *State) Age(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return -1
	}
	return now.Sub(s.snapshot.Timestamp)
}
