// Package ruleengine evaluates declarative metric requirements against a user's
// current metric values.
//
// Rules are closed types: a MetricRule can only be built through NewMetricRule
// (or its JSON decoder), which rejects rules without bounds, inverted ranges, and
// empty metric names. Content is therefore validated once when it is authored or
// loaded, and evaluation never has to deal with malformed input.
package ruleengine

import "math"

// Logic is the operator combining the main rules of a Requirements.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Valid reports whether l is a supported operator.
func (l Logic) Valid() bool {
	return l == LogicAnd || l == LogicOr
}

// BoundKind discriminates the three shapes a bound can take.
type BoundKind int

const (
	// BoundAtLeast is a lower bound only (gte).
	BoundAtLeast BoundKind = iota + 1
	// BoundAtMost is an upper bound only (lte).
	BoundAtMost
	// BoundBetween carries both bounds, inclusive.
	BoundBetween
)

// String returns a readable name for the bound kind.
func (k BoundKind) String() string {
	switch k {
	case BoundAtLeast:
		return "at_least"
	case BoundAtMost:
		return "at_most"
	case BoundBetween:
		return "between"
	default:
		return "invalid"
	}
}

// Bound is the numeric range a metric value must fall into.
// The zero value is invalid and is never produced by the constructors.
type Bound struct {
	kind BoundKind
	min  float64
	max  float64
}

// AtLeast returns a bound satisfied by values >= lo.
func AtLeast(lo float64) Bound {
	return Bound{kind: BoundAtLeast, min: lo}
}

// AtMost returns a bound satisfied by values <= hi.
func AtMost(hi float64) Bound {
	return Bound{kind: BoundAtMost, max: hi}
}

// Between returns a bound satisfied by lo <= value <= hi.
func Between(lo, hi float64) (Bound, error) {
	if lo > hi {
		return Bound{}, &ValidationError{Field: "gte", Reason: "lower bound is greater than upper bound"}
	}
	return Bound{kind: BoundBetween, min: lo, max: hi}, nil
}

// Kind returns the shape of the bound.
func (b Bound) Kind() BoundKind { return b.kind }

// Min returns the lower bound and whether the bound has one.
func (b Bound) Min() (float64, bool) {
	return b.min, b.kind == BoundAtLeast || b.kind == BoundBetween
}

// Max returns the upper bound and whether the bound has one.
func (b Bound) Max() (float64, bool) {
	return b.max, b.kind == BoundAtMost || b.kind == BoundBetween
}

// Contains reports whether v satisfies the bound.
func (b Bound) Contains(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	switch b.kind {
	case BoundAtLeast:
		return v >= b.min
	case BoundAtMost:
		return v <= b.max
	case BoundBetween:
		return v >= b.min && v <= b.max
	default:
		return false
	}
}

// Target is the value shown to users as the goal: the lower bound when there is
// one, otherwise the upper bound.
func (b Bound) Target() float64 {
	if b.kind == BoundAtMost {
		return b.max
	}
	return b.min
}

// MetricRule compares one named metric against a bound, optionally over a
// specific lookback window.
type MetricRule struct {
	Metric string
	Bound  Bound
	// WindowDays is the lookback window for the metric. Zero means the
	// provider's default window.
	WindowDays int
}

// Requirements combines main rules with Logic, plus optional bonus rules in
// UnlockAnyOf that satisfy the whole requirement on their own.
type Requirements struct {
	Logic       Logic
	Rules       []MetricRule
	UnlockAnyOf []MetricRule
}

// IsZero reports whether r is the zero value (no rules at all).
func (r Requirements) IsZero() bool {
	return r.Logic == "" && len(r.Rules) == 0 && len(r.UnlockAnyOf) == 0
}

// Windows returns the distinct lookback windows referenced by r, in the
// order they first appear. The default window is reported as 0.
func (r Requirements) Windows() []int {
	seen := make(map[int]struct{})
	var out []int
	add := func(rules []MetricRule) {
		for _, rule := range rules {
			if _, ok := seen[rule.WindowDays]; ok {
				continue
			}
			seen[rule.WindowDays] = struct{}{}
			out = append(out, rule.WindowDays)
		}
	}
	add(r.Rules)
	add(r.UnlockAnyOf)
	return out
}

// Metrics is the read-only view of a user's metric values used by Evaluate.
// A metric that has no data must be reported as absent, never as zero.
type Metrics interface {
	Lookup(metric string, windowDays int) (float64, bool)
}

// Values is a flat metric map that ignores windows.
type Values map[string]float64

// Lookup implements Metrics.
func (v Values) Lookup(metric string, _ int) (float64, bool) {
	val, ok := v[metric]
	return val, ok
}

// Windowed holds metric maps fetched for several lookback windows.
// Default answers rules without an explicit window.
type Windowed struct {
	Default  Values
	ByWindow map[int]Values
}

// Lookup implements Metrics. A rule asking for a window that was not fetched
// sees the metric as absent.
func (w Windowed) Lookup(metric string, windowDays int) (float64, bool) {
	if windowDays == 0 {
		return w.Default.Lookup(metric, 0)
	}
	values, ok := w.ByWindow[windowDays]
	if !ok {
		return 0, false
	}
	return values.Lookup(metric, windowDays)
}

// RuleStatus is the evaluated state of one rule, with enough data for a client
// to render guidance.
type RuleStatus struct {
	Metric     string  `json:"metric"`
	WindowDays int     `json:"window_days,omitempty"`
	Current    float64 `json:"current"`
	Present    bool    `json:"present"`
	Target     float64 `json:"target"`
	Progress   float64 `json:"progress"`
	Satisfied  bool    `json:"satisfied"`
}

// Result is the outcome of evaluating a Requirements.
type Result struct {
	// Met is the overall verdict, including the unlock_any_of bypass.
	Met bool
	// Partial is satisfied main rules / total main rules.
	Partial float64
	// Bypassed is true when Met was forced by an unlock_any_of rule.
	Bypassed   bool
	MetRules   []RuleStatus
	UnmetRules []RuleStatus
}
