// Package health ingests component lifecycle events and derives a rolling
// health record per component. The record is a pure function of the event
// log: replaying the same log from empty state reproduces it exactly.
package health

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/store"
)

// Health statuses.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusFailing  = "failing"
)

// EventStore is the slice of the persistence layer the tracker needs.
type EventStore interface {
	AppendEvent(componentID, kind, outcome, detail string) (*store.ComponentEvent, error)
	EventsForComponent(componentID string) ([]store.ComponentEvent, error)
	ComponentIDsWithEvents() ([]string, error)
	LockComponent(componentID string) func()
}

// Record summarizes a component's recent operational events.
type Record struct {
	ComponentID         string     `json:"component_id"`
	Status              string     `json:"status"`
	Score               float64    `json:"score"`
	LastEventAt         time.Time  `json:"last_event_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	StartAttempts       int        `json:"start_attempts"`
	StartSuccesses      int        `json:"start_successes"`
	StartFailures       int        `json:"start_failures"`
	TestRuns            int        `json:"test_runs"`
	TestPasses          int        `json:"test_passes"`
	TestFailures        int        `json:"test_failures"`
	LastStartSuccess    *time.Time `json:"last_start_success,omitempty"`
	LastTestSuccess     *time.Time `json:"last_test_success,omitempty"`
}

// Tracker maintains per-component health derived from the event log.
type Tracker struct {
	events EventStore
	cfg    config.HealthConfig
	logger zerolog.Logger
}

func NewTracker(events EventStore, cfg config.HealthConfig, logger zerolog.Logger) *Tracker {
	return &Tracker{
		events: events,
		cfg:    cfg,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// RecordEvent appends one event and synchronously recomputes the health
// record. Ingestion is serialized per component; different components
// proceed in parallel.
func (t *Tracker) RecordEvent(componentID, kind, outcome, detail string) (*Record, *store.ComponentEvent, error) {
	unlock := t.events.LockComponent(componentID)
	defer unlock()

	ev, err := t.events.AppendEvent(componentID, kind, outcome, detail)
	if err != nil {
		return nil, nil, err
	}

	history, err := t.events.EventsForComponent(componentID)
	if err != nil {
		return nil, nil, err
	}
	record := t.compute(componentID, history)

	t.logger.Info().Str("target", componentID).Str("kind", kind).Str("outcome", outcome).
		Str("status", record.Status).Float64("score", record.Score).Msg("Event recorded")
	return record, ev, nil
}

// GetHealth derives the component's current health record. Components with
// no events report status unknown.
func (t *Tracker) GetHealth(componentID string) (*Record, error) {
	history, err := t.events.EventsForComponent(componentID)
	if err != nil {
		return nil, err
	}
	return t.compute(componentID, history), nil
}

// FleetHealth derives health records for every component with events.
func (t *Tracker) FleetHealth() (map[string]*Record, error) {
	ids, err := t.events.ComponentIDsWithEvents()
	if err != nil {
		return nil, err
	}
	fleet := make(map[string]*Record, len(ids))
	for _, id := range ids {
		record, err := t.GetHealth(id)
		if err != nil {
			return nil, err
		}
		fleet[id] = record
	}
	return fleet, nil
}

// compute folds the event history into a record. Score starts at 100;
// failures subtract a per-kind weight (start failures weigh more since a
// component that cannot start blocks everything downstream); successes
// restore a fraction of the remaining deficit, so a single success cannot
// mask a long failure streak.
func (t *Tracker) compute(componentID string, history []store.ComponentEvent) *Record {
	record := &Record{ComponentID: componentID, Status: StatusUnknown}
	if len(history) == 0 {
		return record
	}

	score := 100.0
	for i := range history {
		ev := &history[i]
		switch ev.Kind {
		case store.KindStart:
			record.StartAttempts++
		case store.KindTest:
			record.TestRuns++
		}

		if ev.Outcome == store.OutcomeFailure {
			switch ev.Kind {
			case store.KindStart:
				record.StartFailures++
				score -= t.cfg.StartFailureWeight
			case store.KindTest:
				record.TestFailures++
				score -= t.cfg.TestFailureWeight
			}
			if score < 0 {
				score = 0
			}
			record.ConsecutiveFailures++
		} else {
			at := ev.CreatedAt
			switch ev.Kind {
			case store.KindStart:
				record.StartSuccesses++
				record.LastStartSuccess = &at
			case store.KindTest:
				record.TestPasses++
				record.LastTestSuccess = &at
			}
			score += (100 - score) * t.cfg.RecoveryFactor
			record.ConsecutiveFailures = 0
		}
		record.LastEventAt = ev.CreatedAt
	}

	record.Score = score
	switch {
	case score >= t.cfg.HealthyThreshold:
		record.Status = StatusHealthy
	case score >= t.cfg.FailingThreshold:
		record.Status = StatusDegraded
	default:
		record.Status = StatusFailing
	}
	return record
}
