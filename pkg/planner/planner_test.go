package planner

import (
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/feeds"
	"github.com/hms-dev/warden/pkg/health"
	"github.com/hms-dev/warden/pkg/store"
)

type fakeTickets struct {
	tickets map[string]*store.WorkTicket
	states  map[string]string
	locks   *store.KeyedMutex
	created int
	saves   []string
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{
		tickets: make(map[string]*store.WorkTicket),
		states:  make(map[string]string),
		locks:   store.NewKeyedMutex(),
	}
}

func (f *fakeTickets) ActiveTickets(componentID string) ([]store.WorkTicket, error) {
	var out []store.WorkTicket
	for _, t := range f.tickets {
		if t.ComponentID == componentID && t.Active() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeTickets) CreateTicket(t *store.WorkTicket) error {
	cp := *t
	f.tickets[t.ID] = &cp
	f.created++
	return nil
}

func (f *fakeTickets) SaveTicket(t *store.WorkTicket) error {
	cp := *t
	f.tickets[t.ID] = &cp
	f.saves = append(f.saves, t.ID+":"+t.Status)
	return nil
}

func (f *fakeTickets) PlannerState(componentID string) (string, error) {
	if s, ok := f.states[componentID]; ok {
		return s, nil
	}
	return store.StateNominal, nil
}

func (f *fakeTickets) SetPlannerState(componentID, state string) error {
	f.states[componentID] = state
	return nil
}

func (f *fakeTickets) LockComponent(componentID string) func() {
	return f.locks.Lock(componentID)
}

func testOwners() feeds.Owners {
	return feeds.Owners{"HMS-API": "api-agent"}
}

func newTestPlanner(tickets TicketStore) *Planner {
	return New(tickets, testOwners(), config.DefaultConfig().Planner, zerolog.Nop())
}

func record(componentID, status string, consec int) *health.Record {
	return &health.Record{
		ComponentID:         componentID,
		Status:              status,
		Score:               50,
		ConsecutiveFailures: consec,
	}
}

func event(kind, outcome string) *store.ComponentEvent {
	return &store.ComponentEvent{Kind: kind, Outcome: outcome, CreatedAt: time.Now().UTC()}
}

func TestFailingOpensCriticalTicket(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-API", health.StatusFailing, 3), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ticket == nil {
		t.Fatal("expected a ticket")
	}
	if ticket.Severity != store.SeverityCritical {
		t.Errorf("severity = %q, want critical", ticket.Severity)
	}
	if ticket.Status != store.TicketAssigned {
		t.Errorf("status = %q, want assigned", ticket.Status)
	}
	if ticket.AssignedAgentID != "api-agent" {
		t.Errorf("assignee = %q, want api-agent from ownership feed", ticket.AssignedAgentID)
	}
	if !regexp.MustCompile(`^WRK-[0-9a-f]{8}$`).MatchString(ticket.ID) {
		t.Errorf("ticket ID %q, want WRK- followed by 8 hex chars", ticket.ID)
	}
	if tickets.states["HMS-API"] != store.StateTicketed {
		t.Errorf("state = %q, want ticketed", tickets.states["HMS-API"])
	}
	if !strings.Contains(ticket.Description, "failed to start") {
		t.Errorf("description %q does not mention the start failure", ticket.Description)
	}
}

func TestSustainedDegradationOpensMediumTicket(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-DTA", health.StatusDegraded, 3), event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ticket == nil {
		t.Fatal("expected a ticket")
	}
	if ticket.Severity != store.SeverityMedium {
		t.Errorf("severity = %q, want medium", ticket.Severity)
	}
	if ticket.AssignedAgentID != "dev-agent" {
		t.Errorf("assignee = %q, want default agent fallback", ticket.AssignedAgentID)
	}
}

func TestBriefDegradationOnlyWatches(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-API", health.StatusDegraded, 1), event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ticket != nil {
		t.Errorf("unexpected ticket %s", ticket.ID)
	}
	if tickets.states["HMS-API"] != store.StateWatching {
		t.Errorf("state = %q, want watching", tickets.states["HMS-API"])
	}

	// Recovery before the threshold returns to nominal, still no ticket.
	_, err = p.Observe(record("HMS-API", health.StatusHealthy, 0), event(store.KindTest, store.OutcomeSuccess))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if tickets.states["HMS-API"] != store.StateNominal {
		t.Errorf("state = %q, want nominal", tickets.states["HMS-API"])
	}
	if tickets.created != 0 {
		t.Errorf("created %d tickets, want 0", tickets.created)
	}
}

func TestFurtherFailuresUpdateExistingTicket(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	first, err := p.Observe(record("HMS-API", health.StatusDegraded, 3), event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}

	second, err := p.Observe(record("HMS-API", health.StatusDegraded, 4), event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected the same ticket, got %+v", second)
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}

	// Slipping into failing escalates the same ticket to critical.
	third, err := p.Observe(record("HMS-API", health.StatusFailing, 5), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != first.ID {
		t.Errorf("escalation created ticket %s, want %s updated", third.ID, first.ID)
	}
	if third.Severity != store.SeverityCritical {
		t.Errorf("severity = %q, want critical after escalation", third.Severity)
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}
}

func TestRecoveryResolvesAndClosesTicket(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-API", health.StatusFailing, 3), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}

	// First success moves to resolving; the ticket stays assigned.
	active, err := p.Observe(record("HMS-API", health.StatusDegraded, 0), event(store.KindStart, store.OutcomeSuccess))
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Status != store.TicketAssigned {
		t.Fatalf("ticket after first success = %+v, want still assigned", active)
	}
	if tickets.states["HMS-API"] != store.StateResolving {
		t.Errorf("state = %q, want resolving", tickets.states["HMS-API"])
	}

	// Second success confirms recovery: resolved, then closed.
	closed, err := p.Observe(record("HMS-API", health.StatusHealthy, 0), event(store.KindStart, store.OutcomeSuccess))
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != store.TicketClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}
	if closed.ResolvedAt == nil {
		t.Error("resolved timestamp not set")
	}
	if tickets.states["HMS-API"] != store.StateNominal {
		t.Errorf("state = %q, want nominal", tickets.states["HMS-API"])
	}

	// The store saw the resolved transition before the close.
	wantSaves := []string{ticket.ID + ":resolved", ticket.ID + ":closed"}
	if len(tickets.saves) != 2 || tickets.saves[0] != wantSaves[0] || tickets.saves[1] != wantSaves[1] {
		t.Errorf("save sequence = %v, want %v", tickets.saves, wantSaves)
	}
}

func TestFlakyRecoveryFallsBackToWatching(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-API", health.StatusFailing, 3), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 0), event(store.KindStart, store.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}

	// A failure during resolving keeps the ticket and backs off to watching.
	active, err := p.Observe(record("HMS-API", health.StatusDegraded, 1), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != ticket.ID {
		t.Fatalf("ticket lost during flaky recovery: %+v", active)
	}
	if active.Status != store.TicketAssigned {
		t.Errorf("status = %q, want still assigned", active.Status)
	}
	if tickets.states["HMS-API"] != store.StateWatching {
		t.Errorf("state = %q, want watching", tickets.states["HMS-API"])
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}
}

func TestWatchingWithLeftoverTicketReattaches(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	ticket, err := p.Observe(record("HMS-API", health.StatusFailing, 3), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 0), event(store.KindStart, store.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	// Flaky recovery: back to watching with the ticket still open.
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 1), event(store.KindStart, store.OutcomeFailure)); err != nil {
		t.Fatal(err)
	}
	if tickets.states["HMS-API"] != store.StateWatching {
		t.Fatalf("state = %q, want watching", tickets.states["HMS-API"])
	}

	// The component fails again while watching: the leftover ticket is
	// reattached, never duplicated.
	active, err := p.Observe(record("HMS-API", health.StatusFailing, 4), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != ticket.ID {
		t.Fatalf("active = %+v, want leftover ticket %s", active, ticket.ID)
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}
	if tickets.states["HMS-API"] != store.StateTicketed {
		t.Errorf("state = %q, want ticketed", tickets.states["HMS-API"])
	}
	remaining, _ := tickets.ActiveTickets("HMS-API")
	if len(remaining) != 1 {
		t.Errorf("%d active tickets, want 1", len(remaining))
	}

	// Sustained degradation while watching reattaches the same way.
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 0), event(store.KindStart, store.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 1), event(store.KindTest, store.OutcomeFailure)); err != nil {
		t.Fatal(err)
	}
	active, err = p.Observe(record("HMS-API", health.StatusDegraded, 3), event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != ticket.ID {
		t.Fatalf("active = %+v, want leftover ticket %s", active, ticket.ID)
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}
}

func TestReplayedFailureIsIdempotent(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	rec := record("HMS-API", health.StatusFailing, 3)
	ev := event(store.KindStart, store.OutcomeFailure)

	first, err := p.Observe(rec, ev)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Observe(rec, ev)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("replay opened ticket %s, want existing %s", second.ID, first.ID)
	}
	if tickets.created != 1 {
		t.Errorf("created %d tickets, want 1", tickets.created)
	}
}

func TestDuplicateActiveTicketsMergeIntoOldest(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	base := time.Now().UTC().Add(-time.Hour)
	tickets.CreateTicket(&store.WorkTicket{
		ID: "WRK-aaaa", ComponentID: "HMS-API", Severity: store.SeverityMedium,
		Status: store.TicketAssigned, CreatedAt: base, UpdatedAt: base,
	})
	tickets.CreateTicket(&store.WorkTicket{
		ID: "WRK-bbbb", ComponentID: "HMS-API", Severity: store.SeverityCritical,
		Status: store.TicketAssigned, CreatedAt: base.Add(time.Minute), UpdatedAt: base,
	})
	tickets.SetPlannerState("HMS-API", store.StateTicketed)

	active, err := p.Observe(record("HMS-API", health.StatusFailing, 4), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != "WRK-aaaa" {
		t.Errorf("active = %s, want oldest WRK-aaaa", active.ID)
	}
	if active.Severity != store.SeverityCritical {
		t.Errorf("severity = %q, want critical inherited from merged duplicate", active.Severity)
	}
	if dup := tickets.tickets["WRK-bbbb"]; dup.Status != store.TicketClosed {
		t.Errorf("duplicate status = %q, want closed", dup.Status)
	}
	remaining, _ := tickets.ActiveTickets("HMS-API")
	if len(remaining) != 1 {
		t.Errorf("%d active tickets after merge, want 1", len(remaining))
	}
	if persisted := tickets.tickets["WRK-aaaa"]; persisted.Severity != store.SeverityCritical {
		t.Errorf("persisted severity = %q, want critical saved at merge time", persisted.Severity)
	}
}

func TestMergedSeverityPersistsOutsideTicketedBranch(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	base := time.Now().UTC().Add(-time.Hour)
	tickets.CreateTicket(&store.WorkTicket{
		ID: "WRK-aaaa", ComponentID: "HMS-API", Severity: store.SeverityMedium,
		Status: store.TicketAssigned, CreatedAt: base, UpdatedAt: base,
	})
	tickets.CreateTicket(&store.WorkTicket{
		ID: "WRK-bbbb", ComponentID: "HMS-API", Severity: store.SeverityCritical,
		Status: store.TicketAssigned, CreatedAt: base.Add(time.Minute), UpdatedAt: base,
	})
	tickets.SetPlannerState("HMS-API", store.StateResolving)

	// The resolving failure path never saves the active ticket itself, so
	// the inherited severity must be persisted by the merge.
	if _, err := p.Observe(record("HMS-API", health.StatusDegraded, 1), event(store.KindStart, store.OutcomeFailure)); err != nil {
		t.Fatal(err)
	}
	if tickets.states["HMS-API"] != store.StateWatching {
		t.Errorf("state = %q, want watching", tickets.states["HMS-API"])
	}
	if persisted := tickets.tickets["WRK-aaaa"]; persisted.Severity != store.SeverityCritical {
		t.Errorf("persisted severity = %q, want critical", persisted.Severity)
	}
}

func TestTicketedStateWithMissingTicketRecreates(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	// State says ticketed but no active ticket survives (e.g. closed by hand).
	tickets.SetPlannerState("HMS-API", store.StateTicketed)

	ticket, err := p.Observe(record("HMS-API", health.StatusFailing, 4), event(store.KindStart, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if ticket == nil {
		t.Fatal("expected a recreated ticket")
	}
	if ticket.Severity != store.SeverityCritical {
		t.Errorf("severity = %q, want critical", ticket.Severity)
	}
}

func TestTestFailureTicketDescription(t *testing.T) {
	tickets := newFakeTickets()
	p := newTestPlanner(tickets)

	rec := record("HMS-DTA", health.StatusDegraded, 3)
	rec.TestRuns = 5
	rec.TestFailures = 3
	ticket, err := p.Observe(rec, event(store.KindTest, store.OutcomeFailure))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ticket.Description, "Tests for HMS-DTA are failing") {
		t.Errorf("description %q does not describe the test failures", ticket.Description)
	}
	if !strings.Contains(ticket.Description, "Suggested actions") {
		t.Errorf("description %q missing suggested actions", ticket.Description)
	}
	if ticket.TriggerKind != store.KindTest {
		t.Errorf("trigger kind = %q, want test", ticket.TriggerKind)
	}
}
