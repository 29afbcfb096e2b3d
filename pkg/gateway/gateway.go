// Package gateway is the single external-facing boundary of the core. It
// composes the verification engine, health tracker, and remediation
// planner behind the narrow contract that enforcement hooks, agents, and
// dashboards call.
package gateway

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/health"
	"github.com/hms-dev/warden/pkg/planner"
	"github.com/hms-dev/warden/pkg/store"
	"github.com/hms-dev/warden/pkg/verify"
)

// TicketReader is the slice of the persistence layer the gateway reads
// tickets through.
type TicketReader interface {
	TicketsForAgent(agentID string) ([]store.WorkTicket, error)
	ActiveTickets(componentID string) ([]store.WorkTicket, error)
}

// Decision is the outcome of a block_if_unverified call.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ComponentStatus composes a health record with any active ticket.
type ComponentStatus struct {
	Health  *health.Record     `json:"health"`
	Tickets []store.WorkTicket `json:"tickets,omitempty"`
}

// EventOutcome reports the effect of one ingested event.
type EventOutcome struct {
	Health *health.Record    `json:"health"`
	Ticket *store.WorkTicket `json:"ticket,omitempty"`
}

type Gateway struct {
	verifier *verify.Engine
	tracker  *health.Tracker
	planner  *planner.Planner
	tickets  TicketReader
	logger   zerolog.Logger
}

func New(verifier *verify.Engine, tracker *health.Tracker, plan *planner.Planner, tickets TicketReader, logger zerolog.Logger) *Gateway {
	return &Gateway{
		verifier: verifier,
		tracker:  tracker,
		planner:  plan,
		tickets:  tickets,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// CheckVerification reports the subject's credential status for a component.
func (g *Gateway) CheckVerification(subjectID, componentID string) (verify.Status, error) {
	return g.verifier.Check(subjectID, componentID)
}

// IssueChallenge starts a verification session for the pair.
func (g *Gateway) IssueChallenge(subjectID, componentID string) (*verify.Challenge, error) {
	return g.verifier.IssueChallenge(subjectID, componentID)
}

// SubmitAnswers scores a pending challenge.
func (g *Gateway) SubmitAnswers(subjectID, componentID, challengeID string, answers []int) (*verify.Result, error) {
	return g.verifier.SubmitAnswers(subjectID, componentID, challengeID, answers)
}

// RevokeCredential administratively invalidates a credential.
func (g *Gateway) RevokeCredential(subjectID, componentID string) error {
	return g.verifier.Revoke(subjectID, componentID)
}

// BlockIfUnverified decides whether a write operation may proceed. It never
// mutates state and fails closed: if the credential store cannot be read,
// the operation is denied.
func (g *Gateway) BlockIfUnverified(subjectID, componentID, operation string) Decision {
	status, err := g.verifier.Check(subjectID, componentID)
	if err != nil {
		g.logger.Error().Err(err).Str("subject", subjectID).Str("target", componentID).
			Msg("Credential store unavailable, denying")
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"verification store unavailable; %q on %s denied", operation, componentID)}
	}

	switch status {
	case verify.StatusValid:
		return Decision{Allowed: true, Reason: fmt.Sprintf(
			"%s holds a valid credential for %s", subjectID, componentID)}
	case verify.StatusExpired:
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"verification for %s has expired; re-verify before %q", componentID, operation)}
	case verify.StatusInvalid:
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"credential for %s was revoked; re-verify before %q", componentID, operation)}
	default:
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"%s is not verified for %s; complete verification before %q", subjectID, componentID, operation)}
	}
}

// ReportEvent ingests one lifecycle event: the tracker records it and the
// planner reacts to the resulting health record.
func (g *Gateway) ReportEvent(componentID, kind, outcome, detail string) (*EventOutcome, error) {
	if kind != store.KindStart && kind != store.KindTest {
		return nil, fmt.Errorf("invalid event kind %q", kind)
	}
	if outcome != store.OutcomeSuccess && outcome != store.OutcomeFailure {
		return nil, fmt.Errorf("invalid event outcome %q", outcome)
	}

	record, ev, err := g.tracker.RecordEvent(componentID, kind, outcome, detail)
	if err != nil {
		return nil, err
	}
	ticket, err := g.planner.Observe(record, ev)
	if err != nil {
		return nil, err
	}
	if ticket != nil && !ticket.Active() {
		ticket = nil
	}
	return &EventOutcome{Health: record, Ticket: ticket}, nil
}

// GetStatus composes the component's health record with its active tickets.
func (g *Gateway) GetStatus(componentID string) (*ComponentStatus, error) {
	record, err := g.tracker.GetHealth(componentID)
	if err != nil {
		return nil, err
	}
	tickets, err := g.tickets.ActiveTickets(componentID)
	if err != nil {
		return nil, err
	}
	return &ComponentStatus{Health: record, Tickets: tickets}, nil
}

// GetFleetStatus returns the composed status of every tracked component.
func (g *Gateway) GetFleetStatus() (map[string]*ComponentStatus, error) {
	fleet, err := g.tracker.FleetHealth()
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]*ComponentStatus, len(fleet))
	for id, record := range fleet {
		tickets, err := g.tickets.ActiveTickets(id)
		if err != nil {
			return nil, err
		}
		statuses[id] = &ComponentStatus{Health: record, Tickets: tickets}
	}
	return statuses, nil
}

// GetTickets returns the agent's active tickets, most severe and oldest first.
func (g *Gateway) GetTickets(agentID string) ([]store.WorkTicket, error) {
	return g.tickets.TicketsForAgent(agentID)
}
