package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"UpDownTrader/internal/domain/models"
	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/pkg/logger"
)

var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[models.ComponentState][]models.ComponentState{
	models.StateInitializing: {models.StateReady, models.StateFaulted, models.StateStopped},
	models.StateReady:        {models.StateRunning, models.StateFaulted, models.StateStopped},
	models.StateRunning:      {models.StateDegraded, models.StateFaulted, models.StateStopped},
	models.StateDegraded:     {models.StateRunning, models.StateFaulted, models.StateStopped},
	models.StateFaulted:      {models.StateStopped, models.StateInitializing},
	models.StateStopped:      {models.StateInitializing},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.ComponentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Publisher is the slice of the event bus the tracker needs.
type Publisher interface {
	Publish(topic string, payload interface{}) bool
}

type Option func(*Tracker)

func WithPublisher(p Publisher) Option {
	return func(t *Tracker) { t.pub = p }
}

func WithLogger(l *logger.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m repository.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithFailureThreshold sets how many consecutive failures degrade a running component.
func WithFailureThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker holds the lifecycle state of exactly one component. Only the owner calls the
// mutating methods; everyone else reads.
type Tracker struct {
	mu            sync.Mutex
	name          string
	state         models.ComponentState
	since         time.Time
	lastHeartbeat time.Time
	reason        string
	failures      int
	threshold     int

	pub     Publisher
	log     *logger.Logger
	metrics repository.Metrics
	now     func() time.Time
}

func NewTracker(name string, opts ...Option) *Tracker {
	t := &Tracker{
		name:      name,
		state:     models.StateInitializing,
		threshold: 3,
		log:       logger.Nop(),
		metrics:   repository.NopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Component(name)
	t.since = t.now()
	t.lastHeartbeat = t.since
	t.metrics.RecordComponentState(name, string(t.state))
	return t
}

func (t *Tracker) Name() string { return t.name }

func (t *Tracker) State() models.ComponentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) Status() models.ComponentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.ComponentStatus{
		Name:          t.name,
		State:         t.state,
		LastHeartbeat: t.lastHeartbeat,
		Reason:        t.reason,
		Since:         t.since,
		Failures:      t.failures,
	}
}

// Transition moves to the given state. Illegal edges change nothing and return
// ErrIllegalTransition.
func (t *Tracker) Transition(to models.ComponentState, reason string) error {
	t.mu.Lock()
	ev, err := t.transitionLocked(to, reason)
	t.mu.Unlock()
	if err != nil {
		t.log.Warn("rejected state transition",
			logger.String("to", string(to)),
			logger.String("reason", reason),
			logger.Error(err),
		)
		return err
	}
	t.emit(ev)
	return nil
}

func (t *Tracker) transitionLocked(to models.ComponentState, reason string) (*models.ComponentStateChanged, error) {
	from := t.state
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	now := t.now()
	t.state = to
	t.since = now
	t.reason = reason
	if to == models.StateRunning {
		t.lastHeartbeat = now
	}
	return &models.ComponentStateChanged{Name: t.name, From: from, To: to, Reason: reason, At: now}, nil
}

func (t *Tracker) emit(ev *models.ComponentStateChanged) {
	if ev == nil {
		return
	}
	t.metrics.RecordComponentState(t.name, string(ev.To))
	fields := []logger.Field{
		logger.String("from", string(ev.From)),
		logger.String("to", string(ev.To)),
		logger.String("reason", ev.Reason),
	}
	switch ev.To {
	case models.StateDegraded, models.StateFaulted:
		t.log.Warn("component state changed", fields...)
	default:
		t.log.Info("component state changed", fields...)
	}
	if t.pub != nil {
		t.pub.Publish(models.TopicComponentStateChanged, *ev)
	}
}

// Ready and Run walk the happy path INITIALIZING -> READY -> RUNNING.
func (t *Tracker) Ready() error { return t.Transition(models.StateReady, "initialized") }

func (t *Tracker) Run() error { return t.Transition(models.StateRunning, "started") }

func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	t.lastHeartbeat = t.now()
	t.mu.Unlock()
}

// RecordSuccess is a heartbeat that also clears the failure streak and recovers a
// degraded component.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	t.lastHeartbeat = t.now()
	t.failures = 0
	var ev *models.ComponentStateChanged
	if t.state == models.StateDegraded {
		ev, _ = t.transitionLocked(models.StateRunning, "recovered")
	}
	t.mu.Unlock()
	t.emit(ev)
}

// RecordFailure counts a transient failure. Reaching the threshold while RUNNING
// degrades the component; it stays partially functional.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	t.failures++
	var ev *models.ComponentStateChanged
	if t.state == models.StateRunning && t.failures >= t.threshold {
		ev, _ = t.transitionLocked(models.StateDegraded, fmt.Sprintf("%d consecutive failures: %v", t.failures, err))
	}
	t.mu.Unlock()
	t.emit(ev)
}

// MarkStale degrades a running component whose heartbeat is older than timeout.
func (t *Tracker) MarkStale(timeout time.Duration) bool {
	t.mu.Lock()
	var ev *models.ComponentStateChanged
	if t.state == models.StateRunning && t.now().Sub(t.lastHeartbeat) > timeout {
		ev, _ = t.transitionLocked(models.StateDegraded, fmt.Sprintf("heartbeat older than %s", timeout))
	}
	t.mu.Unlock()
	t.emit(ev)
	return ev != nil
}

// Fault marks an unrecoverable error. The component must stop processing; only an
// operator Restart brings it back.
func (t *Tracker) Fault(err error) error {
	reason := "fault"
	if err != nil {
		reason = err.Error()
	}
	return t.Transition(models.StateFaulted, reason)
}

// Stop is idempotent.
func (t *Tracker) Stop(reason string) error {
	if t.State() == models.StateStopped {
		return nil
	}
	return t.Transition(models.StateStopped, reason)
}

// Restart is an operator action for FAULTED or STOPPED components.
func (t *Tracker) Restart(by string) error {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
	return t.Transition(models.StateInitializing, "restart requested by "+by)
}
