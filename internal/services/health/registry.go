package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
)

// Registry is the read side over every component tracker.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

func (r *Registry) Register(t *Tracker) {
	r.mu.Lock()
	r.trackers[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[name]
	return t, ok
}

func (r *Registry) list() []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Snapshot() []models.ComponentStatus {
	trackers := r.list()
	out := make([]models.ComponentStatus, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Status())
	}
	return out
}

// Healthy reports whether every component is RUNNING or DEGRADED.
func (r *Registry) Healthy() bool {
	for _, t := range r.list() {
		switch t.State() {
		case models.StateRunning, models.StateDegraded:
		default:
			return false
		}
	}
	return true
}

// Degraded lists components currently DEGRADED.
func (r *Registry) Degraded() []string {
	var out []string
	for _, t := range r.list() {
		if t.State() == models.StateDegraded {
			out = append(out, t.Name())
		}
	}
	return out
}

// Watch degrades running components whose heartbeat is older than timeout, every interval.
func (r *Registry) Watch(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range r.list() {
				t.MarkStale(timeout)
			}
		}
	}
}
