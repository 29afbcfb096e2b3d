// Package planner watches health tracker output, converts sustained
// degradation into assigned work tickets, and closes them on confirmed
// recovery. Each component moves through a persisted state machine:
// nominal -> watching -> ticketed -> resolving -> nominal.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/feeds"
	"github.com/hms-dev/warden/pkg/health"
	"github.com/hms-dev/warden/pkg/store"
)

// TicketStore is the slice of the persistence layer the planner needs.
type TicketStore interface {
	ActiveTickets(componentID string) ([]store.WorkTicket, error)
	CreateTicket(t *store.WorkTicket) error
	SaveTicket(t *store.WorkTicket) error
	PlannerState(componentID string) (string, error)
	SetPlannerState(componentID, state string) error
	LockComponent(componentID string) func()
}

// Planner owns the per-component remediation state machine.
type Planner struct {
	tickets TicketStore
	owners  feeds.Owners
	cfg     config.PlannerConfig
	logger  zerolog.Logger
	now     func() time.Time
}

func New(tickets TicketStore, owners feeds.Owners, cfg config.PlannerConfig, logger zerolog.Logger) *Planner {
	return &Planner{
		tickets: tickets,
		owners:  owners,
		cfg:     cfg,
		logger:  logger.With().Str("component", "planner").Logger(),
		now:     time.Now,
	}
}

// Observe advances the component's state machine after one recorded event.
// All mutations are keyed on (component, current state), so replaying an
// event cannot create a second ticket or double-transition. Returns the
// component's active ticket, if any, after the transition.
func (p *Planner) Observe(record *health.Record, ev *store.ComponentEvent) (*store.WorkTicket, error) {
	componentID := record.ComponentID

	unlock := p.tickets.LockComponent(componentID)
	defer unlock()

	state, err := p.tickets.PlannerState(componentID)
	if err != nil {
		return nil, err
	}
	active, err := p.activeTicket(componentID)
	if err != nil {
		return nil, err
	}

	switch state {
	case store.StateNominal, store.StateWatching:
		needsTicket := record.Status == health.StatusFailing ||
			(record.Status == health.StatusDegraded && record.ConsecutiveFailures >= p.cfg.FailureThreshold)
		if needsTicket {
			// A ticket left over from an earlier incident (flaky recovery
			// backs off to watching without closing it) is reattached, not
			// duplicated.
			if active != nil {
				if err := p.transition(componentID, store.StateTicketed); err != nil {
					return active, err
				}
				return p.escalate(componentID, active, record)
			}
			return p.openTicket(componentID, severityFor(record.Status), record, ev)
		}
		switch {
		case record.Status == health.StatusDegraded && state == store.StateNominal:
			return active, p.transition(componentID, store.StateWatching)
		case record.Status == health.StatusHealthy && state == store.StateWatching:
			return active, p.transition(componentID, store.StateNominal)
		}
		return active, nil

	case store.StateTicketed:
		if ev.Outcome == store.OutcomeSuccess {
			if err := p.transition(componentID, store.StateResolving); err != nil {
				return active, err
			}
			return active, nil
		}
		// Further degradation updates the existing ticket, never duplicates it.
		if active == nil {
			return p.openTicket(componentID, severityFor(record.Status), record, ev)
		}
		return p.escalate(componentID, active, record)

	case store.StateResolving:
		if ev.Outcome == store.OutcomeFailure {
			// Flaky recovery: keep the ticket, fall back to watching.
			if err := p.transition(componentID, store.StateWatching); err != nil {
				return active, err
			}
			return active, nil
		}
		if active != nil {
			now := p.now().UTC()
			active.Status = store.TicketResolved
			active.ResolvedAt = &now
			active.UpdatedAt = now
			if err := p.tickets.SaveTicket(active); err != nil {
				return active, err
			}
			active.Status = store.TicketClosed
			if err := p.tickets.SaveTicket(active); err != nil {
				return active, err
			}
			p.logger.Info().Str("target", componentID).Str("ticket", active.ID).Msg("Ticket resolved and closed")
		}
		return active, p.transition(componentID, store.StateNominal)
	}

	return active, fmt.Errorf("unknown planner state %q for %s", state, componentID)
}

// activeTicket returns the component's single active ticket. Finding more
// than one is an invariant violation; the planner self-heals by merging
// the newer tickets into the oldest.
func (p *Planner) activeTicket(componentID string) (*store.WorkTicket, error) {
	tickets, err := p.tickets.ActiveTickets(componentID)
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, nil
	}
	oldest := tickets[0]
	escalated := false
	for i := 1; i < len(tickets); i++ {
		dup := tickets[i]
		p.logger.Warn().Str("target", componentID).Str("ticket", dup.ID).
			Str("merged_into", oldest.ID).Msg("Duplicate active ticket, merging")
		dup.Status = store.TicketClosed
		dup.UpdatedAt = p.now().UTC()
		dup.Description += fmt.Sprintf("\nMerged into %s.", oldest.ID)
		if err := p.tickets.SaveTicket(&dup); err != nil {
			return nil, err
		}
		if severityRank(dup.Severity) < severityRank(oldest.Severity) {
			oldest.Severity = dup.Severity
			escalated = true
		}
	}
	if escalated {
		oldest.UpdatedAt = p.now().UTC()
		if err := p.tickets.SaveTicket(&oldest); err != nil {
			return nil, err
		}
	}
	return &oldest, nil
}

// escalate bumps the active ticket to critical when the component slipped
// into failing and persists the update.
func (p *Planner) escalate(componentID string, active *store.WorkTicket, record *health.Record) (*store.WorkTicket, error) {
	if record.Status == health.StatusFailing && active.Severity != store.SeverityCritical {
		active.Severity = store.SeverityCritical
		p.logger.Warn().Str("target", componentID).Str("ticket", active.ID).Msg("Ticket escalated to critical")
	}
	active.UpdatedAt = p.now().UTC()
	return active, p.tickets.SaveTicket(active)
}

func (p *Planner) openTicket(componentID, severity string, record *health.Record, ev *store.ComponentEvent) (*store.WorkTicket, error) {
	now := p.now().UTC()
	ticket := &store.WorkTicket{
		ID:              "WRK-" + uuid.NewString()[:8],
		ComponentID:     componentID,
		Severity:        severity,
		Description:     describeTicket(componentID, ev.Kind, record),
		AssignedAgentID: p.assignee(componentID),
		Status:          store.TicketAssigned,
		TriggerKind:     ev.Kind,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.tickets.CreateTicket(ticket); err != nil {
		return nil, err
	}
	if err := p.transition(componentID, store.StateTicketed); err != nil {
		return ticket, err
	}
	p.logger.Info().Str("target", componentID).Str("ticket", ticket.ID).
		Str("severity", severity).Str("agent", ticket.AssignedAgentID).Msg("Ticket opened")
	return ticket, nil
}

// assignee resolves the owning agent from the ownership feed, falling back
// to the configured default. Deterministic given the same mapping.
func (p *Planner) assignee(componentID string) string {
	if agent, ok := p.owners[componentID]; ok && agent != "" {
		return agent
	}
	return p.cfg.DefaultAgent
}

func (p *Planner) transition(componentID, next string) error {
	if err := p.tickets.SetPlannerState(componentID, next); err != nil {
		return err
	}
	p.logger.Debug().Str("target", componentID).Str("state", next).Msg("Planner transition")
	return nil
}

func severityFor(status string) string {
	if status == health.StatusFailing {
		return store.SeverityCritical
	}
	return store.SeverityMedium
}

func severityRank(severity string) int {
	switch severity {
	case store.SeverityCritical:
		return 0
	case store.SeverityMedium:
		return 1
	default:
		return 2
	}
}

func describeTicket(componentID, kind string, record *health.Record) string {
	var desc string
	switch kind {
	case store.KindStart:
		desc = fmt.Sprintf("%s failed to start (%d consecutive failures, score %.0f). "+
			"A component that cannot start blocks everything downstream.",
			componentID, record.ConsecutiveFailures, record.Score)
		desc += fmt.Sprintf("\nSuggested actions: check %s logs for errors; verify dependencies and configuration; review recent changes.", componentID)
	case store.KindTest:
		desc = fmt.Sprintf("Tests for %s are failing (%d of %d runs failed, score %.0f).",
			componentID, record.TestFailures, record.TestRuns, record.Score)
		desc += fmt.Sprintf("\nSuggested actions: review failing tests for %s; check recent code changes; verify the test environment.", componentID)
	default:
		desc = fmt.Sprintf("%s is unhealthy (score %.0f, %d consecutive failures).",
			componentID, record.Score, record.ConsecutiveFailures)
	}
	return desc
}
