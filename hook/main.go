// Command warden-hook is the pre-commit enforcement hook. It asks the
// warden server whether the current actor may modify the affected
// component and aborts the commit on deny, surfacing the server's reason
// verbatim. An unreachable server fails closed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	agentEnvVar     = "WARDEN_AGENT_ID"
	componentEnvVar = "WARDEN_COMPONENT"
	agentPrefix     = "agent-"
)

var (
	serverURL  = flag.String("server", "http://localhost:8080", "Warden server URL")
	component  = flag.String("component", "", "Component being modified (overrides env)")
	operation  = flag.String("operation", "commit", "Operation descriptor")
	timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout")
	maxRetries = flag.Int("retries", 3, "Retry attempts for transient errors")
	Version    = "dev"
)

type decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	subject := resolveSubject()
	if subject == "" {
		fmt.Fprintln(os.Stderr, "warden-hook: cannot determine actor; set "+agentEnvVar+" or git user.name")
		os.Exit(1)
	}

	target := resolveComponent()
	if target == "" {
		// No component mapping for this change; nothing to gate.
		log.Debug().Msg("No component affected, allowing")
		os.Exit(0)
	}

	dec, err := checkBlock(subject, target)
	if err != nil {
		// Verification must fail closed: an unreachable store denies.
		fmt.Fprintf(os.Stderr, "warden-hook: verification unavailable, aborting %s: %v\n", *operation, err)
		os.Exit(1)
	}

	if !dec.Allowed {
		fmt.Fprintln(os.Stderr, dec.Reason)
		os.Exit(1)
	}

	log.Debug().Str("subject", subject).Str("target", target).Msg("Allowed")
}

func checkBlock(subject, target string) (*decision, error) {
	payload, err := json.Marshal(map[string]string{
		"subject_id":   subject,
		"component_id": target,
		"operation":    *operation,
	})
	if err != nil {
		return nil, err
	}

	// The -timeout deadline bounds the whole retry loop, not one request.
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{}

	var dec decision
	err = postWithRetry(ctx, *maxRetries+1, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, *serverURL+"/v1/block", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if retryableStatus(resp) {
			return retryableStatusError{status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&dec)
	})
	if err != nil {
		return nil, err
	}
	return &dec, nil
}

// resolveSubject identifies the actor: the agent env var wins, falling
// back to git user.name normalized to an agent identity.
func resolveSubject() string {
	if id := os.Getenv(agentEnvVar); id != "" {
		return id
	}
	name := gitConfig("user.name")
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, agentPrefix) {
		return name
	}
	return agentPrefix + name
}

func resolveComponent() string {
	if *component != "" {
		return *component
	}
	return os.Getenv(componentEnvVar)
}

func gitConfig(key string) string {
	out, err := exec.Command("git", "config", key).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
