// Package policy evaluates data-driven tenant rules (DLP, RBAC, ABAC)
// against payloads entering the substrate. Rules are plain records, not
// code: each carries a match predicate and an action. Policies run in
// descending priority and the first deny wins.
package policy

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"mycel/internal/types"
)

// Input is the view of a payload the evaluator can match on.
type Input struct {
	Sensitivity types.Sensitivity
	// Document is the JSON form of the payload fields policies may inspect
	// (summary, snippets, tool_hints, content).
	Document json.RawMessage
	// Capabilities of the caller, for RBAC/ABAC capability rules.
	Capabilities []string
}

// Evaluate runs all enabled policies in descending priority. It returns a
// policy_denied error naming the first denying policy, or nil when no rule
// denies.
func Evaluate(policies []types.Policy, in Input) error {
	ordered := make([]types.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var doc interface{}
	if len(in.Document) > 0 {
		// A malformed document cannot be inspected; path rules simply do
		// not match it.
		_ = json.Unmarshal(in.Document, &doc)
	}

	for _, p := range ordered {
		for _, r := range p.Rules {
			if !ruleMatches(r, in, doc) {
				continue
			}
			if r.Action == types.ActionDeny {
				return types.PolicyDeniedError(p.ID)
			}
			// Explicit allow: this policy has spoken; move to the next one.
			break
		}
	}
	return nil
}

func ruleMatches(r types.PolicyRule, in Input, doc interface{}) bool {
	if r.MaxSensitivity != "" {
		// Matches when the payload exceeds the permitted ceiling.
		return in.Sensitivity.Rank() > r.MaxSensitivity.Rank()
	}
	if r.Path == "" || r.Pattern == "" {
		return false
	}
	v, ok := Lookup(doc, r.Path)
	if !ok {
		return false
	}
	return containsFold(stringify(v), r.Pattern)
}

// Lookup resolves a minimal JSON pointer (RFC 6901 subset: object keys and
// array indices, ~0/~1 escapes) against a decoded document.
func Lookup(doc interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return doc, doc != nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify flattens scalars and shallow arrays into matchable text.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, " ")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
