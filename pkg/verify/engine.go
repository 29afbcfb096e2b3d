// Package verify implements the verification engine: knowledge challenges
// gate write access to components, and passing one earns a time-bounded
// credential.
package verify

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/hms-dev/warden/pkg/config"
	"github.com/hms-dev/warden/pkg/feeds"
	"github.com/hms-dev/warden/pkg/store"
)

var (
	// ErrUnknownComponent means the component has no metadata and no
	// generic question pool exists to fall back to.
	ErrUnknownComponent = errors.New("unknown component: no questions available")

	// ErrInvalidChallenge means answers were submitted against a missing,
	// expired, or mismatched challenge. The caller should re-issue.
	ErrInvalidChallenge = errors.New("invalid or expired challenge")

	// ErrAttemptsExhausted means the configured retry limit was reached.
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
)

// Status is the outcome of a credential check.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
	StatusAbsent  Status = "absent"
)

// CredentialStore is the slice of the persistence layer the engine needs.
type CredentialStore interface {
	LatestCredential(subjectID, componentID string) (*store.Credential, error)
	IssueCredential(subjectID, componentID string, issuedAt, expiresAt time.Time) (*store.Credential, error)
	RevokeCredential(subjectID, componentID string) error
}

// Question is one challenge question as presented to a subject. The answer
// key never leaves the engine.
type Question struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
}

// Challenge is a pending verification quiz for one (subject, component) pair.
type Challenge struct {
	ID          string     `json:"challenge_id"`
	SubjectID   string     `json:"subject_id"`
	ComponentID string     `json:"component_id"`
	Questions   []Question `json:"questions"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Result reports the outcome of a scored challenge. RemainingAttempts is
// -1 when no retry limit is configured.
type Result struct {
	Passed            bool              `json:"passed"`
	Correct           int               `json:"correct"`
	Total             int               `json:"total"`
	Score             float64           `json:"score"`
	RemainingAttempts int               `json:"remaining_attempts"`
	Credential        *store.Credential `json:"credential,omitempty"`
}

type issuedChallenge struct {
	subjectID   string
	componentID string
	keys        []int
	expiresAt   time.Time
}

// Engine evaluates knowledge challenges and manages credentials.
type Engine struct {
	creds  CredentialStore
	meta   feeds.Metadata
	pool   []feeds.Question
	cfg    config.VerificationConfig
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	challenges map[string]*issuedChallenge
	failures   map[string]int
}

func NewEngine(creds CredentialStore, meta feeds.Metadata, pool []feeds.Question, cfg config.VerificationConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		creds:      creds,
		meta:       meta,
		pool:       pool,
		cfg:        cfg,
		logger:     logger.With().Str("component", "verify").Logger(),
		now:        time.Now,
		challenges: make(map[string]*issuedChallenge),
		failures:   make(map[string]int),
	}
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// IssueChallenge builds a challenge from the component's metadata topped up
// with generic pool questions. Components without metadata get a purely
// generic challenge; only the absence of both is an error.
func (e *Engine) IssueChallenge(subjectID, componentID string) (*Challenge, error) {
	key := attemptKey(subjectID, componentID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxAttempts > 0 && e.failures[key] >= e.cfg.MaxAttempts {
		return nil, ErrAttemptsExhausted
	}

	questions := componentQuestions(componentID, e.meta)
	if len(questions) < e.cfg.QuestionCount {
		questions = append(questions, poolQuestions(e.pool, e.cfg.QuestionCount-len(questions))...)
	}
	if len(questions) == 0 {
		return nil, ErrUnknownComponent
	}
	if len(questions) > e.cfg.QuestionCount {
		questions = questions[:e.cfg.QuestionCount]
	}

	now := e.now()
	e.evictExpired(now)

	presented := make([]Question, len(questions))
	keys := make([]int, len(questions))
	for i, q := range questions {
		presented[i] = Question{Prompt: q.Prompt, Choices: q.Choices}
		keys[i] = q.Answer
	}

	ch := &Challenge{
		ID:          xid.New().String(),
		SubjectID:   subjectID,
		ComponentID: componentID,
		Questions:   presented,
		ExpiresAt:   now.Add(time.Duration(e.cfg.ChallengeTTLMin) * time.Minute),
	}
	e.challenges[ch.ID] = &issuedChallenge{
		subjectID:   subjectID,
		componentID: componentID,
		keys:        keys,
		expiresAt:   ch.ExpiresAt,
	}

	e.logger.Info().Str("subject", subjectID).Str("target", componentID).
		Int("questions", len(presented)).Msg("Challenge issued")
	return ch, nil
}

// SubmitAnswers scores a challenge. A pass issues a fresh credential,
// revoking the subject's prior one for the component; a failure never
// touches existing credentials. Challenges are single-use.
func (e *Engine) SubmitAnswers(subjectID, componentID, challengeID string, answers []int) (*Result, error) {
	e.mu.Lock()
	ch, ok := e.challenges[challengeID]
	if ok {
		delete(e.challenges, challengeID)
	}
	now := e.now()
	if !ok || ch.subjectID != subjectID || ch.componentID != componentID || !now.Before(ch.expiresAt) {
		e.mu.Unlock()
		return nil, ErrInvalidChallenge
	}

	correct := 0
	for i, key := range ch.keys {
		if i < len(answers) && answers[i] == key {
			correct++
		}
	}
	total := len(ch.keys)
	score := float64(correct) / float64(total)
	passed := score >= e.cfg.PassThreshold

	key := attemptKey(subjectID, componentID)
	remaining := -1
	if passed {
		delete(e.failures, key)
	} else {
		e.failures[key]++
		if e.cfg.MaxAttempts > 0 {
			remaining = e.cfg.MaxAttempts - e.failures[key]
			if remaining < 0 {
				remaining = 0
			}
		}
	}
	e.mu.Unlock()

	result := &Result{
		Passed:            passed,
		Correct:           correct,
		Total:             total,
		Score:             score,
		RemainingAttempts: remaining,
	}
	if !passed {
		e.logger.Info().Str("subject", subjectID).Str("target", componentID).
			Int("correct", correct).Int("total", total).Msg("Verification failed")
		return result, nil
	}

	validity := time.Duration(e.cfg.ValidityDays) * 24 * time.Hour
	cred, err := e.creds.IssueCredential(subjectID, componentID, now, now.Add(validity))
	if err != nil {
		return nil, err
	}
	result.Credential = cred

	e.logger.Info().Str("subject", subjectID).Str("target", componentID).
		Time("expires_at", cred.ExpiresAt).Msg("Verification passed, credential issued")
	return result, nil
}

// Check reports the subject's credential status for a component. Pure read:
// expiry is evaluated against the clock, never written back.
func (e *Engine) Check(subjectID, componentID string) (Status, error) {
	cred, err := e.creds.LatestCredential(subjectID, componentID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return StatusAbsent, nil
	}
	if cred.Status == store.CredentialRevoked {
		return StatusInvalid, nil
	}
	if cred.Expired(e.now()) {
		return StatusExpired, nil
	}
	return StatusValid, nil
}

// Revoke administratively invalidates the subject's credential. Idempotent.
func (e *Engine) Revoke(subjectID, componentID string) error {
	if err := e.creds.RevokeCredential(subjectID, componentID); err != nil {
		return err
	}
	e.logger.Info().Str("subject", subjectID).Str("target", componentID).Msg("Credential revoked")
	return nil
}

func (e *Engine) evictExpired(now time.Time) {
	for id, ch := range e.challenges {
		if !now.Before(ch.expiresAt) {
			delete(e.challenges, id)
		}
	}
}

func attemptKey(subjectID, componentID string) string {
	return subjectID + "\x00" + componentID
}
