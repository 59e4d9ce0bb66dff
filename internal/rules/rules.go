// Package rules loads the keyword and weight tables the detectors and the
// scoring engine run on. Tables live in a YAML document so clinicians can
// edit them without a rebuild.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"symptom-triage/internal/fuzzy"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Keyword is a detector term with its severity weight.
type Keyword struct {
	Term   string `yaml:"term"`
	Weight int    `yaml:"weight"`
	System string `yaml:"system,omitempty"`
}

// SystemGroup is a critical-system keyword group used by the System-Based
// Lock. Multi-word keywords match when every word is present.
type SystemGroup struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Set is one complete, validated rules document.
type Set struct {
	Emergency      []Keyword           `yaml:"emergency"`
	Crisis         []Keyword           `yaml:"crisis"`
	SystemGroups   []SystemGroup       `yaml:"system_groups"`
	OutOfScope     []string            `yaml:"out_of_scope"`
	FalsePositives map[string][]string `yaml:"false_positives"`

	matcher *fuzzy.Matcher
}

var validCategories = map[string]bool{
	"simple":   true,
	"complex":  true,
	"critical": true,
}

// Default returns the embedded rules.
func Default() *Set {
	set, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded rules are invalid: %v", err))
	}
	return set
}

// Load reads rules from path. An empty path returns the embedded defaults.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates a rules document.
func Parse(data []byte) (*Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	set.matcher = fuzzy.NewMatcher(set.mergedFalsePositives())
	return &set, nil
}

// Validate checks weights, categories and that the emergency table is not empty.
func (s *Set) Validate() error {
	if len(s.Emergency) == 0 {
		return fmt.Errorf("emergency table is empty")
	}
	for _, table := range [][]Keyword{s.Emergency, s.Crisis} {
		for _, kw := range table {
			if strings.TrimSpace(kw.Term) == "" {
				return fmt.Errorf("keyword with empty term")
			}
			if kw.Weight < 1 || kw.Weight > 10 {
				return fmt.Errorf("keyword %q: weight %d out of range 1-10", kw.Term, kw.Weight)
			}
		}
	}
	for _, g := range s.SystemGroups {
		if g.Name == "" {
			return fmt.Errorf("system group with empty name")
		}
		if !validCategories[g.Category] {
			return fmt.Errorf("system group %q: invalid category %q", g.Name, g.Category)
		}
		if len(g.Keywords) == 0 {
			return fmt.Errorf("system group %q has no keywords", g.Name)
		}
	}
	return nil
}

// Matcher returns the fuzzy matcher configured with this set's exclusions.
func (s *Set) Matcher() *fuzzy.Matcher {
	if s.matcher == nil {
		s.matcher = fuzzy.NewMatcher(s.mergedFalsePositives())
	}
	return s.matcher
}

func (s *Set) mergedFalsePositives() map[string][]string {
	merged := make(map[string][]string, len(fuzzy.DefaultFalsePositives)+len(s.FalsePositives))
	for k, v := range fuzzy.DefaultFalsePositives {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range s.FalsePositives {
		merged[k] = append(merged[k], v...)
	}
	return merged
}
