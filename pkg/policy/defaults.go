package policy

import "github.com/polisai/polis-analyst/pkg/domain"

const defaultModule = `package guardrail

manipulation if {
	some phrase in ["pump and dump", "spoof the order book", "wash trade", "corner the market"]
	contains(input.normalized, phrase)
}

insider if {
	some word in input.words
	word in {"insider", "nonpublic", "unreleased"}
	some topic in ["tip", "info", "information", "earnings"]
	topic in input.words
}
`

// DefaultRules returns the built-in rule table.
func DefaultRules() RuleFile {
	return RuleFile{
		Modules: map[string]string{"guardrail.rego": defaultModule},
		Rules: []Rule{
			{
				ID:       "reckless-allocation",
				Category: "reckless-allocation",
				Action:   domain.GuardrailBlock,
				Reason:   "requests to concentrate all capital in a single position are refused",
				Predicate: Predicate{Type: PredicatePhrase, Patterns: []string{
					"go all in", "going all in", "all in on", "bet everything",
					"bet the farm", "all my savings", "entire savings", "max leverage",
				}},
			},
			{
				ID:        "market-manipulation",
				Category:  "market-manipulation",
				Action:    domain.GuardrailBlock,
				Reason:    "requests to manipulate markets are refused",
				Predicate: Predicate{Type: PredicateRego, Query: "data.guardrail.manipulation"},
			},
			{
				ID:        "insider-information",
				Category:  "insider-information",
				Action:    domain.GuardrailBlock,
				Reason:    "trading on material nonpublic information is refused",
				Predicate: Predicate{Type: PredicateRego, Query: "data.guardrail.insider"},
			},
			{
				ID:       "guaranteed-returns",
				Category: "guaranteed-returns",
				Action:   domain.GuardrailWarn,
				Reason:   "no strategy can guarantee returns; results are historical estimates",
				Predicate: Predicate{Type: PredicateRegex, Patterns: []string{
					`(?i)\bguarantee[ds]?\b.{0,20}\b(return|profit|gain)s?\b`,
					`(?i)\brisk[- ]free\b.{0,20}\b(profit|money)\b`,
				}},
			},
		},
	}
}
