package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

type healthRecord struct {
	ComponentID         string  `json:"component_id"`
	Status              string  `json:"status"`
	Score               float64 `json:"score"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	StartAttempts       int     `json:"start_attempts"`
	StartFailures       int     `json:"start_failures"`
	TestRuns            int     `json:"test_runs"`
	TestFailures        int     `json:"test_failures"`
}

type workTicket struct {
	ID              string    `json:"id"`
	ComponentID     string    `json:"component_id"`
	Severity        string    `json:"severity"`
	Description     string    `json:"description"`
	AssignedAgentID string    `json:"assigned_agent_id"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type componentStatus struct {
	Health  healthRecord `json:"health"`
	Tickets []workTicket `json:"tickets"`
}

type challenge struct {
	ID        string `json:"challenge_id"`
	Questions []struct {
		Prompt  string   `json:"prompt"`
		Choices []string `json:"choices"`
	} `json:"questions"`
}

type verifyResult struct {
	Passed            bool    `json:"passed"`
	Correct           int     `json:"correct"`
	Total             int     `json:"total"`
	Score             float64 `json:"score"`
	RemainingAttempts int     `json:"remaining_attempts"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - component access verification and health tracking",
		Long:  "Gate component changes on verified knowledge and track component health across the fleet",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Warden server URL")

	rootCmd.AddCommand(
		statusCmd(),
		componentCmd(),
		ticketsCmd(),
		checkCmd(),
		verifyCmd(),
		reportCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fleet map[string]componentStatus
			if err := getJSON("/v1/status", &fleet); err != nil {
				return err
			}

			ids := make([]string, 0, len(fleet))
			for id := range fleet {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMPONENT\tSTATUS\tSCORE\tSTARTS\tTESTS\tTICKETS")
			fmt.Fprintln(w, "---------\t------\t-----\t------\t-----\t-------")
			for _, id := range ids {
				st := fleet[id]
				h := st.Health
				fmt.Fprintf(w, "%s\t%s\t%.0f\t%d/%d failed\t%d/%d failed\t%d\n",
					id, h.Status, h.Score,
					h.StartFailures, h.StartAttempts,
					h.TestFailures, h.TestRuns,
					len(st.Tickets))
			}
			w.Flush()
			return nil
		},
	}
}

func componentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "component [id]",
		Short: "Show details for a specific component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st componentStatus
			if err := getJSON("/v1/status/"+args[0], &st); err != nil {
				return err
			}

			h := st.Health
			fmt.Printf("Component: %s\n", args[0])
			fmt.Printf("========================================\n\n")
			fmt.Printf("Status:                %s\n", h.Status)
			fmt.Printf("Score:                 %.0f\n", h.Score)
			fmt.Printf("Consecutive failures:  %d\n", h.ConsecutiveFailures)
			fmt.Printf("Start attempts:        %d (%d failed)\n", h.StartAttempts, h.StartFailures)
			fmt.Printf("Test runs:             %d (%d failed)\n", h.TestRuns, h.TestFailures)

			if len(st.Tickets) > 0 {
				fmt.Printf("\nActive tickets:\n")
				for _, t := range st.Tickets {
					fmt.Printf("  %s [%s] assigned to %s\n", t.ID, t.Severity, t.AssignedAgentID)
				}
			}
			return nil
		},
	}
}

func ticketsCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List tickets assigned to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tickets []workTicket
			if err := getJSON("/v1/tickets?agent="+agent, &tickets); err != nil {
				return err
			}

			if len(tickets) == 0 {
				fmt.Printf("No active tickets for %s\n", agent)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TICKET\tSEVERITY\tCOMPONENT\tSTATUS\tAGE")
			fmt.Fprintln(w, "------\t--------\t---------\t------\t---")
			for _, t := range tickets {
				age := time.Since(t.CreatedAt).Round(time.Minute)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Severity, t.ComponentID, t.Status, age)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Agent ID")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func checkCmd() *cobra.Command {
	var subject, component string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a subject's verification status for a component",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Status string `json:"status"`
			}
			path := fmt.Sprintf("/v1/verify/check?subject=%s&component=%s", subject, component)
			if err := getJSON(path, &result); err != nil {
				return err
			}
			fmt.Printf("%s is %s for %s\n", subject, result.Status, component)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject ID")
	cmd.Flags().StringVar(&component, "component", "", "Component ID")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("component")
	return cmd
}

func verifyCmd() *cobra.Command {
	var subject, component string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Take a verification challenge for a component",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ch challenge
			err := postJSON("/v1/verify/challenge", map[string]any{
				"subject_id":   subject,
				"component_id": component,
			}, &ch)
			if err != nil {
				return err
			}

			fmt.Printf("Verification challenge for %s (%d questions)\n\n", component, len(ch.Questions))
			reader := bufio.NewReader(os.Stdin)
			answers := make([]int, len(ch.Questions))
			for i, q := range ch.Questions {
				fmt.Printf("%d. %s\n", i+1, q.Prompt)
				for j, choice := range q.Choices {
					fmt.Printf("   %d) %s\n", j+1, choice)
				}
				answers[i] = readAnswer(reader, len(q.Choices))
			}

			var result verifyResult
			err = postJSON("/v1/verify/submit", map[string]any{
				"subject_id":   subject,
				"component_id": component,
				"challenge_id": ch.ID,
				"answers":      answers,
			}, &result)
			if err != nil {
				return err
			}

			if result.Passed {
				fmt.Printf("\nPassed: %d/%d correct. Credential issued.\n", result.Correct, result.Total)
				return nil
			}
			fmt.Printf("\nFailed: %d/%d correct.\n", result.Correct, result.Total)
			if result.RemainingAttempts >= 0 {
				fmt.Printf("Remaining attempts: %d\n", result.RemainingAttempts)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject ID")
	cmd.Flags().StringVar(&component, "component", "", "Component ID")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("component")
	return cmd
}

func reportCmd() *cobra.Command {
	var kind, outcome, detail string
	cmd := &cobra.Command{
		Use:   "report [component]",
		Short: "Report a component lifecycle event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Health healthRecord `json:"health"`
				Ticket *workTicket  `json:"ticket"`
			}
			err := postJSON("/v1/events", map[string]any{
				"component_id": args[0],
				"kind":         kind,
				"outcome":      outcome,
				"detail":       detail,
			}, &result)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s (score %.0f)\n", args[0], result.Health.Status, result.Health.Score)
			if result.Ticket != nil {
				fmt.Printf("Active ticket %s [%s] assigned to %s\n",
					result.Ticket.ID, result.Ticket.Severity, result.Ticket.AssignedAgentID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "start", "Event kind (start or test)")
	cmd.Flags().StringVar(&outcome, "outcome", "success", "Event outcome (success or failure)")
	cmd.Flags().StringVar(&detail, "detail", "", "Event detail")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warden version %s\n", Version)
		},
	}
}

func readAnswer(reader *bufio.Reader, choices int) int {
	for {
		fmt.Print("Answer: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return -1
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && n >= 1 && n <= choices {
			return n - 1
		}
		fmt.Printf("Enter a number between 1 and %d.\n", choices)
	}
}

func getJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func serverError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", status, payload.Error)
	}
	return fmt.Errorf("server returned status %d", status)
}
