// Package store is the persistence layer for credentials, component
// events, work tickets, and planner state. It carries no business logic;
// the engines above it own all lifecycle decisions.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database plus the per-key locks that serialize writers.
type Store struct {
	db         *gorm.DB
	components *KeyedMutex
	subjects   *KeyedMutex
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Credential{}, &ComponentEvent{}, &WorkTicket{}, &ComponentState{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{
		db:         db,
		components: NewKeyedMutex(),
		subjects:   NewKeyedMutex(),
	}, nil
}

// LockComponent serializes event and ticket mutations for one component.
func (s *Store) LockComponent(componentID string) func() {
	return s.components.Lock(componentID)
}

// LockSubject serializes credential issuance for one (subject, component) pair.
func (s *Store) LockSubject(subjectID, componentID string) func() {
	return s.subjects.Lock(subjectID + "\x00" + componentID)
}

// --- Credentials ---

// LatestCredential returns the most recently issued credential for the pair,
// or nil when none exists. Expiry is not evaluated here; callers compare
// ExpiresAt themselves so that reads never write.
func (s *Store) LatestCredential(subjectID, componentID string) (*Credential, error) {
	var cred Credential
	err := s.db.Where("subject_id = ? AND component_id = ?", subjectID, componentID).
		Order("issued_at DESC, id DESC").First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// IssueCredential revokes any prior valid credential for the pair and
// installs a new one in the same transaction.
func (s *Store) IssueCredential(subjectID, componentID string, issuedAt, expiresAt time.Time) (*Credential, error) {
	unlock := s.LockSubject(subjectID, componentID)
	defer unlock()

	cred := &Credential{
		SubjectID:   subjectID,
		ComponentID: componentID,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Status:      CredentialValid,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Credential{}).
			Where("subject_id = ? AND component_id = ? AND status = ?", subjectID, componentID, CredentialValid).
			Update("status", CredentialRevoked).Error; err != nil {
			return err
		}
		return tx.Create(cred).Error
	})
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	return cred, nil
}

// RevokeCredential invalidates any valid credential for the pair. Idempotent.
func (s *Store) RevokeCredential(subjectID, componentID string) error {
	unlock := s.LockSubject(subjectID, componentID)
	defer unlock()

	err := s.db.Model(&Credential{}).
		Where("subject_id = ? AND component_id = ? AND status = ?", subjectID, componentID, CredentialValid).
		Update("status", CredentialRevoked).Error
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// --- Component events ---

// AppendEvent records one lifecycle event. The event log is append-only.
func (s *Store) AppendEvent(componentID, kind, outcome, detail string) (*ComponentEvent, error) {
	ev := &ComponentEvent{
		ComponentID: componentID,
		Kind:        kind,
		Outcome:     outcome,
		Detail:      detail,
	}
	if err := s.db.Create(ev).Error; err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// EventsForComponent returns the full event history in insertion order.
func (s *Store) EventsForComponent(componentID string) ([]ComponentEvent, error) {
	var events []ComponentEvent
	if err := s.db.Where("component_id = ?", componentID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return events, nil
}

// ComponentIDsWithEvents lists every component that has at least one event.
func (s *Store) ComponentIDsWithEvents() ([]string, error) {
	var ids []string
	if err := s.db.Model(&ComponentEvent{}).Distinct("component_id").Pluck("component_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	return ids, nil
}

// --- Work tickets ---

// CreateTicket persists a new ticket.
func (s *Store) CreateTicket(t *WorkTicket) error {
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// SaveTicket persists changes to an existing ticket.
func (s *Store) SaveTicket(t *WorkTicket) error {
	if err := s.db.Save(t).Error; err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

// ActiveTickets returns the component's open or assigned tickets, oldest
// first. More than one entry signals an invariant violation the planner
// self-heals by merging.
func (s *Store) ActiveTickets(componentID string) ([]WorkTicket, error) {
	var tickets []WorkTicket
	err := s.db.Where("component_id = ? AND status IN ?", componentID, []string{TicketOpen, TicketAssigned}).
		Order("created_at ASC, id ASC").Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("load active tickets: %w", err)
	}
	return tickets, nil
}

// TicketsForAgent returns the agent's open and assigned tickets ordered by
// severity (critical first) then age (oldest first).
func (s *Store) TicketsForAgent(agentID string) ([]WorkTicket, error) {
	var tickets []WorkTicket
	err := s.db.Where("assigned_agent_id = ? AND status IN ?", agentID, []string{TicketOpen, TicketAssigned}).
		Order("CASE severity WHEN 'critical' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at ASC").
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("load agent tickets: %w", err)
	}
	return tickets, nil
}

// --- Planner state ---

// PlannerState returns the persisted planner state for a component,
// defaulting to nominal when the component has never been observed.
func (s *Store) PlannerState(componentID string) (string, error) {
	var state ComponentState
	err := s.db.Where("component_id = ?", componentID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateNominal, nil
	}
	if err != nil {
		return "", fmt.Errorf("load planner state: %w", err)
	}
	return state.State, nil
}

// SetPlannerState upserts the planner state for a component.
func (s *Store) SetPlannerState(componentID, state string) error {
	record := ComponentState{ComponentID: componentID, State: state, UpdatedAt: time.Now().UTC()}
	if err := s.db.Save(&record).Error; err != nil {
		return fmt.Errorf("save planner state: %w", err)
	}
	return nil
}
