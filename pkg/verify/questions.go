package verify

import (
	"fmt"
	"math/rand"

	"github.com/hms-dev/warden/pkg/feeds"
)

// Decoy answers used when the metadata feed holds too few components to
// borrow plausible wrong answers from.
var (
	purposeDecoys = []string{
		"Renders the operator dashboard frontend",
		"Archives audit logs to cold storage",
		"Translates schemas between partner agencies",
	}
	techDecoys = []string{
		"COBOL", "Fortran", "Visual Basic 6",
	}
	changeDecoys = []string{
		"Reverted the previous release and froze the branch",
		"Migrated the build system to a new toolchain",
		"Removed the deprecated v1 endpoints",
	}
)

// componentQuestions derives challenge questions from the component's
// metadata feed entry. Returns nil when the component has no entry, which
// the engine treats as "fall back to the generic pool".
func componentQuestions(componentID string, meta feeds.Metadata) []feeds.Question {
	entry, ok := meta[componentID]
	if !ok {
		return nil
	}

	var questions []feeds.Question

	if entry.Purpose != "" {
		decoys := borrow(meta, componentID, func(m feeds.ComponentMetadata) string { return m.Purpose }, purposeDecoys)
		questions = append(questions, multipleChoice(
			fmt.Sprintf("What is the primary purpose of %s?", componentID),
			entry.Purpose, decoys))
	}

	if len(entry.TechStack) > 0 {
		correct := entry.TechStack[rand.Intn(len(entry.TechStack))]
		decoys := techDecoysFor(entry.TechStack, meta, componentID)
		questions = append(questions, multipleChoice(
			fmt.Sprintf("Which technology is part of %s's stack?", componentID),
			correct, decoys))
	}

	if entry.LatestCommitSummary != "" {
		decoys := borrow(meta, componentID, func(m feeds.ComponentMetadata) string { return m.LatestCommitSummary }, changeDecoys)
		questions = append(questions, multipleChoice(
			fmt.Sprintf("Which of these describes the most recent change to %s?", componentID),
			entry.LatestCommitSummary, decoys))
	}

	if entry.ArchitectureNotes != "" {
		decoys := borrow(meta, componentID, func(m feeds.ComponentMetadata) string { return m.ArchitectureNotes }, purposeDecoys)
		questions = append(questions, multipleChoice(
			fmt.Sprintf("Which statement describes %s's architecture?", componentID),
			entry.ArchitectureNotes, decoys))
	}

	return questions
}

// poolQuestions samples up to n questions from the generic pool.
func poolQuestions(pool []feeds.Question, n int) []feeds.Question {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	idx := rand.Perm(len(pool))
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]feeds.Question, 0, n)
	for _, i := range idx[:n] {
		out = append(out, pool[i])
	}
	return out
}

// multipleChoice builds a shuffled question with up to three decoys.
func multipleChoice(prompt, correct string, decoys []string) feeds.Question {
	choices := []string{correct}
	for _, d := range decoys {
		if d != correct && d != "" {
			choices = append(choices, d)
		}
		if len(choices) == 4 {
			break
		}
	}

	answer := 0
	for i := len(choices) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		choices[i], choices[j] = choices[j], choices[i]
		switch answer {
		case i:
			answer = j
		case j:
			answer = i
		}
	}

	return feeds.Question{Prompt: prompt, Choices: choices, Answer: answer}
}

// borrow collects decoy answers from other components' metadata, padding
// with the static fallbacks when the feed is small.
func borrow(meta feeds.Metadata, exclude string, field func(feeds.ComponentMetadata) string, fallback []string) []string {
	var decoys []string
	for id, entry := range meta {
		if id == exclude {
			continue
		}
		if v := field(entry); v != "" {
			decoys = append(decoys, v)
		}
		if len(decoys) >= 3 {
			break
		}
	}
	for _, f := range fallback {
		if len(decoys) >= 3 {
			break
		}
		decoys = append(decoys, f)
	}
	return decoys
}

func techDecoysFor(stack []string, meta feeds.Metadata, exclude string) []string {
	inStack := make(map[string]bool, len(stack))
	for _, t := range stack {
		inStack[t] = true
	}

	var decoys []string
	for id, entry := range meta {
		if id == exclude {
			continue
		}
		for _, t := range entry.TechStack {
			if !inStack[t] {
				decoys = append(decoys, t)
				inStack[t] = true
			}
			if len(decoys) >= 3 {
				return decoys
			}
		}
	}
	for _, t := range techDecoys {
		if len(decoys) >= 3 {
			break
		}
		if !inStack[t] {
			decoys = append(decoys, t)
		}
	}
	return decoys
}
