package store

import "time"

// Credential statuses as persisted. Expiry is never written back; readers
// compare ExpiresAt against the current time instead.
const (
	CredentialValid   = "valid"
	CredentialRevoked = "revoked"
)

// Component event kinds and outcomes.
const (
	KindStart = "start"
	KindTest  = "test"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Work ticket severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityCritical = "critical"
)

// Work ticket statuses.
const (
	TicketOpen     = "open"
	TicketAssigned = "assigned"
	TicketResolved = "resolved"
	TicketClosed   = "closed"
)

// Remediation planner states.
const (
	StateNominal   = "nominal"
	StateWatching  = "watching"
	StateTicketed  = "ticketed"
	StateResolving = "resolving"
)

// Credential is a subject's time-bounded proof of verification for a component.
// At most one valid credential exists per (subject, component) pair.
type Credential struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SubjectID   string    `gorm:"index:idx_subject_component" json:"subject_id"`
	ComponentID string    `gorm:"index:idx_subject_component" json:"component_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      string    `gorm:"index" json:"status"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// Expired reports whether the credential's validity window has passed.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ComponentEvent records one lifecycle event (start attempt or test run).
// Rows are append-only and never mutated.
type ComponentEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ComponentID string    `gorm:"index" json:"component_id"`
	Kind        string    `json:"kind"`
	Outcome     string    `json:"outcome"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// WorkTicket routes a detected component problem to a responsible agent.
type WorkTicket struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	ComponentID     string     `gorm:"index" json:"component_id"`
	Severity        string     `json:"severity"`
	Description     string     `gorm:"type:text" json:"description"`
	AssignedAgentID string     `gorm:"index" json:"assigned_agent_id"`
	Status          string     `gorm:"index" json:"status"`
	TriggerKind     string     `json:"trigger_kind"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the ticket still demands work.
func (t *WorkTicket) Active() bool {
	return t.Status == TicketOpen || t.Status == TicketAssigned
}

// ComponentState persists the planner's state machine position so that
// replaying an event stream stays idempotent across restarts.
type ComponentState struct {
	ComponentID string `gorm:"primaryKey"`
	State       string
	UpdatedAt   time.Time
}
