package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// PredicateType selects how a rule matches input text.
type PredicateType string

const (
	// PredicatePhrase matches any listed phrase as whole words after normalization.
	PredicatePhrase PredicateType = "phrase"
	// PredicateRegex matches any listed regular expression against the raw text.
	PredicateRegex PredicateType = "regex"
	// PredicateRego evaluates a boolean Rego query.
	PredicateRego PredicateType = "rego"
)

// Predicate describes the matching half of a rule.
type Predicate struct {
	Type     PredicateType `yaml:"type"`
	Patterns []string      `yaml:"patterns,omitempty"`
	Query    string        `yaml:"query,omitempty"`
}

// Rule is one row of the guardrail table.
type Rule struct {
	ID        string                 `yaml:"id"`
	Category  string                 `yaml:"category"`
	Action    domain.GuardrailAction `yaml:"action"`
	Reason    string                 `yaml:"reason,omitempty"`
	Predicate Predicate              `yaml:"predicate"`
}

// RuleFile is the on-disk layout of a rule table.
type RuleFile struct {
	Rules   []Rule            `yaml:"rules"`
	Modules map[string]string `yaml:"modules,omitempty"`
}

// LoadRuleFile reads a YAML rule table.
func LoadRuleFile(path string) (RuleFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRuleFile(raw)
}

// ParseRuleFile decodes a YAML rule table and validates it.
func ParseRuleFile(raw []byte) (RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return RuleFile{}, fmt.Errorf("%w: decode rule file: %v", domain.ErrConfigInvalid, err)
	}
	if err := ValidateRules(rf.Rules); err != nil {
		return RuleFile{}, err
	}
	return rf, nil
}

// ValidateRules checks ids, actions, and predicates without compiling Rego.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	var errs []error
	for i, r := range rules {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if r.Category == "" {
			errs = append(errs, fmt.Errorf("rule %q: category is required", r.ID))
		}
		if !r.Action.Valid() {
			errs = append(errs, fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action))
		}
		switch r.Predicate.Type {
		case PredicatePhrase, PredicateRegex:
			if len(r.Predicate.Patterns) == 0 {
				errs = append(errs, fmt.Errorf("rule %q: patterns are required", r.ID))
			}
		case PredicateRego:
			if strings.TrimSpace(r.Predicate.Query) == "" {
				errs = append(errs, fmt.Errorf("rule %q: query is required", r.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("rule %q: unknown predicate type %q", r.ID, r.Predicate.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Input is what predicates see.
type Input struct {
	Text       string
	Normalized string
}

// NewInput normalizes raw text.
func NewInput(text string) Input {
	return Input{Text: text, Normalized: Normalize(text)}
}

// Normalize lower-cases text, turns punctuation into spaces, and collapses whitespace.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}

type matcher interface {
	Match(ctx context.Context, in Input) (bool, error)
}

type phraseMatcher struct {
	phrases []string
}

func (m phraseMatcher) Match(_ context.Context, in Input) (bool, error) {
	padded := " " + in.Normalized + " "
	for _, p := range m.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true, nil
		}
	}
	return false, nil
}

type regexMatcher struct {
	patterns []*regexp.Regexp
}

func (m regexMatcher) Match(_ context.Context, in Input) (bool, error) {
	for _, re := range m.patterns {
		if re.MatchString(in.Text) {
			return true, nil
		}
	}
	return false, nil
}

type regoMatcher struct {
	engine *RegoEngine
	query  string
}

func (m regoMatcher) Match(ctx context.Context, in Input) (bool, error) {
	return m.engine.Match(ctx, m.query, in)
}

type compiledRule struct {
	Rule
	matcher matcher
}

func compileRules(ctx context.Context, rf RuleFile) ([]compiledRule, error) {
	if err := ValidateRules(rf.Rules); err != nil {
		return nil, err
	}

	var engine *RegoEngine
	out := make([]compiledRule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		cr := compiledRule{Rule: r}
		switch r.Predicate.Type {
		case PredicatePhrase:
			phrases := make([]string, 0, len(r.Predicate.Patterns))
			for _, p := range r.Predicate.Patterns {
				if n := Normalize(p); n != "" {
					phrases = append(phrases, n)
				}
			}
			cr.matcher = phraseMatcher{phrases: phrases}
		case PredicateRegex:
			res := make([]*regexp.Regexp, 0, len(r.Predicate.Patterns))
			for _, p := range r.Predicate.Patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					return nil, fmt.Errorf("%w: rule %q: invalid regex %q: %v", domain.ErrConfigInvalid, r.ID, p, err)
				}
				res = append(res, re)
			}
			cr.matcher = regexMatcher{patterns: res}
		case PredicateRego:
			if engine == nil {
				var err error
				engine, err = NewRegoEngine(ctx, RegoOptions{Modules: rf.Modules})
				if err != nil {
					return nil, fmt.Errorf("%w: rule %q: %v", domain.ErrConfigInvalid, r.ID, err)
				}
			}
			if err := engine.Prepare(ctx, r.Predicate.Query); err != nil {
				return nil, fmt.Errorf("%w: rule %q: %v", domain.ErrConfigInvalid, r.ID, err)
			}
			cr.matcher = regoMatcher{engine: engine, query: r.Predicate.Query}
		}
		out = append(out, cr)
	}
	return out, nil
}
