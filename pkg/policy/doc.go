// Package policy implements the guardrail interceptor that screens every raw
// request before the first pipeline stage runs.
//
// Rules form a declarative table of (category, predicate, action) entries
// evaluated in order; the first match wins and no match allows the request.
// Predicates are phrase lists, regular expressions, or Rego queries evaluated
// by an embedded Open Policy Agent engine. The table can be swapped atomically
// at runtime, which is how rule file hot reloads are applied.
package policy
