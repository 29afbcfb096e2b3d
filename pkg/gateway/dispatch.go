package gateway

import (
	"errors"
	"fmt"

	"github.com/hms-dev/warden/pkg/verify"
)

// Response is the structured result of a dispatched action. Every call gets
// an explicit success flag and a human-readable message; there are no
// silent failures.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Data          any    `json:"data,omitempty"`
	RequestAction string `json:"request_action"`
}

// Dispatch routes a JSON-style {action, params} request to the matching
// gateway operation. This is the contract agent-to-agent callers use.
func (g *Gateway) Dispatch(action string, params map[string]any) *Response {
	resp := g.dispatch(action, params)
	resp.RequestAction = action
	return resp
}

func (g *Gateway) dispatch(action string, params map[string]any) *Response {
	switch action {
	case "check_verification":
		subject, component := stringParam(params, "subject_id"), stringParam(params, "component_id")
		if subject == "" || component == "" {
			return failure("subject_id and component_id are required")
		}
		status, err := g.CheckVerification(subject, component)
		if err != nil {
			return failure(fmt.Sprintf("verification check failed: %v", err))
		}
		return success(fmt.Sprintf("%s is %s for %s", subject, status, component),
			map[string]any{"status": status})

	case "verify_agent":
		subject, component := stringParam(params, "subject_id"), stringParam(params, "component_id")
		if subject == "" || component == "" {
			return failure("subject_id and component_id are required")
		}
		challengeID := stringParam(params, "challenge_id")
		if challengeID == "" {
			challenge, err := g.IssueChallenge(subject, component)
			if err != nil {
				return verifyFailure(err)
			}
			return success(fmt.Sprintf("challenge issued for %s", component), challenge)
		}
		result, err := g.SubmitAnswers(subject, component, challengeID, intSliceParam(params, "answers"))
		if err != nil {
			return verifyFailure(err)
		}
		msg := fmt.Sprintf("verification failed: %d/%d correct", result.Correct, result.Total)
		if result.Passed {
			msg = fmt.Sprintf("verification passed: %d/%d correct, credential valid until %s",
				result.Correct, result.Total, result.Credential.ExpiresAt.Format("2006-01-02"))
		}
		return success(msg, result)

	case "block_if_unverified":
		subject, component := stringParam(params, "subject_id"), stringParam(params, "component_id")
		if subject == "" || component == "" {
			return failure("subject_id and component_id are required")
		}
		decision := g.BlockIfUnverified(subject, component, stringParam(params, "operation"))
		return success(decision.Reason, decision)

	case "report_event":
		component := stringParam(params, "component_id")
		if component == "" {
			return failure("component_id is required")
		}
		outcome, err := g.ReportEvent(component,
			stringParam(params, "kind"), stringParam(params, "outcome"), stringParam(params, "detail"))
		if err != nil {
			return failure(fmt.Sprintf("event rejected: %v", err))
		}
		return success(fmt.Sprintf("%s is %s (score %.0f)",
			component, outcome.Health.Status, outcome.Health.Score), outcome)

	case "get_status":
		component := stringParam(params, "component_id")
		if component == "" || component == "all" {
			fleet, err := g.GetFleetStatus()
			if err != nil {
				return failure(fmt.Sprintf("status read failed: %v", err))
			}
			return success(fmt.Sprintf("%d components tracked", len(fleet)), fleet)
		}
		status, err := g.GetStatus(component)
		if err != nil {
			return failure(fmt.Sprintf("status read failed: %v", err))
		}
		return success(fmt.Sprintf("%s is %s", component, status.Health.Status), status)

	case "get_tickets":
		agent := stringParam(params, "agent_id")
		if agent == "" {
			return failure("agent_id is required")
		}
		tickets, err := g.GetTickets(agent)
		if err != nil {
			return failure(fmt.Sprintf("ticket read failed: %v", err))
		}
		return success(fmt.Sprintf("%d active tickets for %s", len(tickets), agent), tickets)

	case "revoke_credential":
		subject, component := stringParam(params, "subject_id"), stringParam(params, "component_id")
		if subject == "" || component == "" {
			return failure("subject_id and component_id are required")
		}
		if err := g.RevokeCredential(subject, component); err != nil {
			return failure(fmt.Sprintf("revocation failed: %v", err))
		}
		return success(fmt.Sprintf("credential for %s on %s revoked", subject, component), nil)

	default:
		return failure(fmt.Sprintf("unknown action %q", action))
	}
}

func verifyFailure(err error) *Response {
	switch {
	case errors.Is(err, verify.ErrUnknownComponent),
		errors.Is(err, verify.ErrInvalidChallenge),
		errors.Is(err, verify.ErrAttemptsExhausted):
		return failure(err.Error())
	default:
		return failure(fmt.Sprintf("verification unavailable: %v", err))
	}
}

func success(message string, data any) *Response {
	return &Response{Success: true, Message: message, Data: data}
}

func failure(message string) *Response {
	return &Response{Success: false, Message: message}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intSliceParam(params map[string]any, key string) []int {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		default:
			out = append(out, -1)
		}
	}
	return out
}
