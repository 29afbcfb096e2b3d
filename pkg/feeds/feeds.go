// Package feeds loads the read-only external feeds the core consumes:
// component metadata (for challenge enrichment), agent ownership (for
// ticket assignment), and the generic question pool. A missing feed file
// degrades to an empty feed, never an error.
package feeds

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ComponentMetadata is the repository-analysis summary for one component.
type ComponentMetadata struct {
	Purpose             string   `yaml:"purpose"`
	TechStack           []string `yaml:"tech_stack"`
	ArchitectureNotes   string   `yaml:"architecture_notes"`
	LatestCommitSummary string   `yaml:"latest_commit_summary"`
}

// Metadata maps component IDs to their analysis summaries.
type Metadata map[string]ComponentMetadata

// Owners maps component IDs to the agent responsible for them.
type Owners map[string]string

// Question is one entry of the generic knowledge pool.
type Question struct {
	Prompt  string   `yaml:"prompt"`
	Choices []string `yaml:"choices"`
	Answer  int      `yaml:"answer"`
}

// LoadMetadata reads the component metadata feed.
func LoadMetadata(path string) (Metadata, error) {
	meta := Metadata{}
	if err := loadYAML(path, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// LoadOwners reads the agent-ownership feed.
func LoadOwners(path string) (Owners, error) {
	owners := Owners{}
	if err := loadYAML(path, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

// LoadQuestions reads the generic question pool, dropping malformed entries.
func LoadQuestions(path string) ([]Question, error) {
	var pool []Question
	if err := loadYAML(path, &pool); err != nil {
		return nil, err
	}
	valid := pool[:0]
	for _, q := range pool {
		if q.Prompt == "" || len(q.Choices) < 2 || q.Answer < 0 || q.Answer >= len(q.Choices) {
			continue
		}
		valid = append(valid, q)
	}
	return valid, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read feed %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse feed %s: %w", path, err)
	}
	return nil
}
