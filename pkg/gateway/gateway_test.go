package gateway

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/feeds"
	"github.com/hms-dev/warden/pkg/health"
	"github.com/hms-dev/warden/pkg/planner"
	"github.com/hms-dev/warden/pkg/store"
	"github.com/hms-dev/warden/pkg/verify"
)

func testMetadata() feeds.Metadata {
	return feeds.Metadata{
		"HMS-API": {
			Purpose:             "Serves the public REST API",
			TechStack:           []string{"Go", "PostgreSQL"},
			ArchitectureNotes:   "Stateless handlers over a shared store",
			LatestCommitSummary: "Added pagination to list endpoints",
		},
	}
}

func newTestGateway(t *testing.T) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.DefaultConfig()
	logger := zerolog.Nop()
	engine := verify.NewEngine(st, testMetadata(), nil, cfg.Verification, logger)
	tracker := health.NewTracker(st, cfg.Health, logger)
	plan := planner.New(st, feeds.Owners{"HMS-API": "api-agent"}, cfg.Planner, logger)
	return New(engine, tracker, plan, st, logger), st
}

func TestBlockNeverVerifiedSubjectDenied(t *testing.T) {
	gw, _ := newTestGateway(t)

	decision := gw.BlockIfUnverified("agent-new", "HMS-API", "commit")
	if decision.Allowed {
		t.Fatal("never-verified subject was allowed")
	}
	if !strings.Contains(decision.Reason, "not verified") {
		t.Errorf("reason = %q, want mention of missing verification", decision.Reason)
	}
}

func TestBlockWithValidCredentialAllowed(t *testing.T) {
	gw, st := newTestGateway(t)

	now := time.Now().UTC()
	if _, err := st.IssueCredential("agent-a", "HMS-API", now, now.Add(30*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	decision := gw.BlockIfUnverified("agent-a", "HMS-API", "commit")
	if !decision.Allowed {
		t.Fatalf("valid credential denied: %s", decision.Reason)
	}
}

func TestBlockExpiredCredentialDenied(t *testing.T) {
	gw, st := newTestGateway(t)

	now := time.Now().UTC()
	if _, err := st.IssueCredential("agent-a", "HMS-API", now.Add(-40*24*time.Hour), now.Add(-10*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	decision := gw.BlockIfUnverified("agent-a", "HMS-API", "commit")
	if decision.Allowed {
		t.Fatal("expired credential was allowed")
	}
	if !strings.Contains(decision.Reason, "expired") {
		t.Errorf("reason = %q, want mention of expiry", decision.Reason)
	}
}

func TestBlockRevokedCredentialDenied(t *testing.T) {
	gw, st := newTestGateway(t)

	now := time.Now().UTC()
	if _, err := st.IssueCredential("agent-a", "HMS-API", now, now.Add(30*24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := gw.RevokeCredential("agent-a", "HMS-API"); err != nil {
		t.Fatal(err)
	}

	decision := gw.BlockIfUnverified("agent-a", "HMS-API", "commit")
	if decision.Allowed {
		t.Fatal("revoked credential was allowed")
	}
	if !strings.Contains(decision.Reason, "revoked") {
		t.Errorf("reason = %q, want mention of revocation", decision.Reason)
	}
}

type failingCreds struct{}

func (failingCreds) LatestCredential(string, string) (*store.Credential, error) {
	return nil, errors.New("database is locked")
}
func (failingCreds) IssueCredential(string, string, time.Time, time.Time) (*store.Credential, error) {
	return nil, errors.New("database is locked")
}
func (failingCreds) RevokeCredential(string, string) error {
	return errors.New("database is locked")
}

func TestBlockFailsClosedOnStoreError(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := zerolog.Nop()
	engine := verify.NewEngine(failingCreds{}, testMetadata(), nil, cfg.Verification, logger)
	gw := New(engine, nil, nil, nil, logger)

	decision := gw.BlockIfUnverified("agent-a", "HMS-API", "commit")
	if decision.Allowed {
		t.Fatal("store error must deny, not allow")
	}
	if !strings.Contains(decision.Reason, "unavailable") {
		t.Errorf("reason = %q, want mention of unavailable store", decision.Reason)
	}
}

func TestReportEventRejectsInvalidInput(t *testing.T) {
	gw, _ := newTestGateway(t)

	if _, err := gw.ReportEvent("HMS-API", "deploy", store.OutcomeFailure, ""); err == nil {
		t.Error("invalid kind accepted")
	}
	if _, err := gw.ReportEvent("HMS-API", store.KindStart, "crashed", ""); err == nil {
		t.Error("invalid outcome accepted")
	}
}

func TestReportEventOpensAndClosesTicket(t *testing.T) {
	gw, _ := newTestGateway(t)

	var outcome *EventOutcome
	var err error
	for i := 0; i < 3; i++ {
		outcome, err = gw.ReportEvent("HMS-API", store.KindStart, store.OutcomeFailure, "exit 1")
		if err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	if outcome.Ticket == nil {
		t.Fatal("three start failures did not open a ticket")
	}
	if outcome.Ticket.Severity != store.SeverityCritical {
		t.Errorf("severity = %q, want critical", outcome.Ticket.Severity)
	}
	ticketID := outcome.Ticket.ID

	status, err := gw.GetStatus("HMS-API")
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Tickets) != 1 || status.Tickets[0].ID != ticketID {
		t.Errorf("status tickets = %+v, want the open ticket", status.Tickets)
	}

	assigned, err := gw.GetTickets("api-agent")
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 1 {
		t.Fatalf("api-agent has %d tickets, want 1", len(assigned))
	}

	// Two successes confirm recovery; the closed ticket is no longer reported.
	for i := 0; i < 2; i++ {
		outcome, err = gw.ReportEvent("HMS-API", store.KindStart, store.OutcomeSuccess, "")
		if err != nil {
			t.Fatal(err)
		}
	}
	if outcome.Ticket != nil {
		t.Errorf("closed ticket still reported: %+v", outcome.Ticket)
	}
	status, _ = gw.GetStatus("HMS-API")
	if len(status.Tickets) != 0 {
		t.Errorf("active tickets after recovery = %+v, want none", status.Tickets)
	}
}

func TestGetFleetStatus(t *testing.T) {
	gw, _ := newTestGateway(t)

	gw.ReportEvent("HMS-API", store.KindStart, store.OutcomeSuccess, "")
	gw.ReportEvent("HMS-DTA", store.KindTest, store.OutcomeFailure, "")

	fleet, err := gw.GetFleetStatus()
	if err != nil {
		t.Fatal(err)
	}
	if len(fleet) != 2 {
		t.Fatalf("fleet size = %d, want 2", len(fleet))
	}
	if fleet["HMS-API"].Health.Status != health.StatusHealthy {
		t.Errorf("HMS-API status = %q", fleet["HMS-API"].Health.Status)
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := gw.Dispatch("launch_missiles", nil)
	if resp.Success {
		t.Error("unknown action succeeded")
	}
	if resp.RequestAction != "launch_missiles" {
		t.Errorf("request action = %q, want echo of the request", resp.RequestAction)
	}
}

func TestDispatchRequiresParams(t *testing.T) {
	gw, _ := newTestGateway(t)

	for _, action := range []string{"check_verification", "verify_agent", "block_if_unverified", "revoke_credential"} {
		resp := gw.Dispatch(action, map[string]any{"subject_id": "agent-a"})
		if resp.Success {
			t.Errorf("%s succeeded without component_id", action)
		}
	}
	if resp := gw.Dispatch("get_tickets", nil); resp.Success {
		t.Error("get_tickets succeeded without agent_id")
	}
}

func TestDispatchCheckVerification(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := gw.Dispatch("check_verification", map[string]any{
		"subject_id": "agent-a", "component_id": "HMS-API",
	})
	if !resp.Success {
		t.Fatalf("check failed: %s", resp.Message)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data type %T", resp.Data)
	}
	if data["status"] != verify.StatusAbsent {
		t.Errorf("status = %v, want absent", data["status"])
	}
}

func TestDispatchVerifyAgentIssuesChallenge(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := gw.Dispatch("verify_agent", map[string]any{
		"subject_id": "agent-a", "component_id": "HMS-API",
	})
	if !resp.Success {
		t.Fatalf("verify_agent failed: %s", resp.Message)
	}
	challenge, ok := resp.Data.(*verify.Challenge)
	if !ok {
		t.Fatalf("data type %T, want *verify.Challenge", resp.Data)
	}
	if challenge.ID == "" || len(challenge.Questions) == 0 {
		t.Errorf("incomplete challenge: %+v", challenge)
	}

	// Submitting against a bogus challenge ID is a clean failure, not an error.
	resp = gw.Dispatch("verify_agent", map[string]any{
		"subject_id": "agent-a", "component_id": "HMS-API",
		"challenge_id": "no-such-challenge", "answers": []any{float64(0)},
	})
	if resp.Success {
		t.Error("bogus challenge ID accepted")
	}
}

func TestDispatchReportAndStatusFlow(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := gw.Dispatch("report_event", map[string]any{
		"component_id": "HMS-API", "kind": store.KindStart, "outcome": store.OutcomeFailure, "detail": "exit 1",
	})
	if !resp.Success {
		t.Fatalf("report_event failed: %s", resp.Message)
	}

	resp = gw.Dispatch("get_status", map[string]any{"component_id": "all"})
	if !resp.Success {
		t.Fatalf("get_status failed: %s", resp.Message)
	}
	fleet, ok := resp.Data.(map[string]*ComponentStatus)
	if !ok {
		t.Fatalf("data type %T", resp.Data)
	}
	if _, ok := fleet["HMS-API"]; !ok {
		t.Error("fleet missing HMS-API")
	}
}

func TestDispatchRevokeCredential(t *testing.T) {
	gw, st := newTestGateway(t)

	now := time.Now().UTC()
	if _, err := st.IssueCredential("agent-a", "HMS-API", now, now.Add(30*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	resp := gw.Dispatch("revoke_credential", map[string]any{
		"subject_id": "agent-a", "component_id": "HMS-API",
	})
	if !resp.Success {
		t.Fatalf("revoke failed: %s", resp.Message)
	}

	status, err := gw.CheckVerification("agent-a", "HMS-API")
	if err != nil {
		t.Fatal(err)
	}
	if status != verify.StatusInvalid {
		t.Errorf("status = %q, want invalid after revocation", status)
	}
}

func TestIntSliceParam(t *testing.T) {
	// JSON numbers arrive as float64; both forms must decode.
	got := intSliceParam(map[string]any{"answers": []any{float64(0), 2, "x"}}, "answers")
	want := []int{0, 2, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("answers[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
