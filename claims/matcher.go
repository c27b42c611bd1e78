package claims

import (
	"slices"
	"sort"
)

// Matcher is a partial mapping from claim field to accepted values. Every
// field present must be satisfied for the matcher to accept a claim.
type Matcher map[Field]Values

// MatchResult is the outcome of evaluating a Matcher against a RequiredClaim.
// On a failed match Specificity counts the fields checked up to and
// including the failing one; it is diagnostic only.
type MatchResult struct {
	Matched     bool
	Specificity int
}

// Evaluate checks required against m. Known fields are visited in Fields
// order, then unknown fields sorted by name; an unknown field never matches.
// Fields with an empty accepted set are ignored.
func Evaluate(required RequiredClaim, m Matcher) MatchResult {
	specificity := 0
	for _, f := range m.fields() {
		accepted := m[f]
		if len(accepted) == 0 {
			continue
		}
		specificity++
		if !required.Values(f).Intersects(accepted) {
			return MatchResult{Matched: false, Specificity: specificity}
		}
	}
	return MatchResult{Matched: true, Specificity: specificity}
}

// fields returns the keys of m in evaluation order.
func (m Matcher) fields() []Field {
	out := make([]Field, 0, len(m))
	for _, f := range Fields {
		if _, ok := m[f]; ok {
			out = append(out, f)
		}
	}
	return append(out, m.Unknown()...)
}

// Unknown returns the keys of m that are not in Fields, sorted.
func (m Matcher) Unknown() []Field {
	var out []Field
	for f := range m {
		if !f.Known() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Known reports whether f is one of Fields.
func (f Field) Known() bool { return slices.Contains(Fields, f) }

// EvaluateMatch treats alternatives as a logical OR and reports the highest
// specificity among those that match. No alternatives at all matches every
// claim at specificity 0.
func EvaluateMatch(required RequiredClaim, alternatives []Matcher) MatchResult {
	if len(alternatives) == 0 {
		return MatchResult{Matched: true}
	}
	best := -1
	for _, m := range alternatives {
		res := Evaluate(required, m)
		if res.Matched && res.Specificity > best {
			best = res.Specificity
		}
	}
	if best < 0 {
		return MatchResult{}
	}
	return MatchResult{Matched: true, Specificity: best}
}
