package ruleengine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// MaxRulesPerRequirement caps the main rule list and the bypass list separately.
	MaxRulesPerRequirement = 32

	// MaxWindowDays is the longest lookback window a rule may ask for.
	MaxWindowDays = 365
)

// ValidationError describes malformed rule content.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule field %q: %s", e.Field, e.Reason)
}

// ErrInvalidRule matches any *ValidationError via errors.Is.
var ErrInvalidRule = errors.New("invalid rule")

// Is lets callers test for ErrInvalidRule without knowing the concrete field.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRule
}

// NewMetricRule builds a validated rule. At least one of gte and lte must be set.
func NewMetricRule(metric string, gte, lte *float64, windowDays int) (MetricRule, error) {
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return MetricRule{}, &ValidationError{Field: "metric", Reason: "metric name is required"}
	}
	if windowDays < 0 || windowDays > MaxWindowDays {
		return MetricRule{}, &ValidationError{
			Field:  "window_days",
			Reason: fmt.Sprintf("must be between 0 and %d, got %d", MaxWindowDays, windowDays),
		}
	}
	for name, v := range map[string]*float64{"gte": gte, "lte": lte} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return MetricRule{}, &ValidationError{Field: name, Reason: "must be a finite number"}
		}
	}

	var bound Bound
	switch {
	case gte != nil && lte != nil:
		b, err := Between(*gte, *lte)
		if err != nil {
			return MetricRule{}, err
		}
		bound = b
	case gte != nil:
		bound = AtLeast(*gte)
	case lte != nil:
		bound = AtMost(*lte)
	default:
		return MetricRule{}, &ValidationError{Field: "metric", Reason: fmt.Sprintf("rule for %q has neither gte nor lte", metric)}
	}

	return MetricRule{Metric: metric, Bound: bound, WindowDays: windowDays}, nil
}

// NewRequirements builds validated requirements. Rules must be non-empty and
// every rule must already be valid (built via NewMetricRule).
func NewRequirements(logic Logic, rules, unlockAnyOf []MetricRule) (Requirements, error) {
	logic = Logic(strings.ToUpper(strings.TrimSpace(string(logic))))
	if logic == "" {
		logic = LogicAnd
	}
	if !logic.Valid() {
		return Requirements{}, &ValidationError{Field: "logic", Reason: fmt.Sprintf("must be AND or OR, got %q", logic)}
	}
	if len(rules) == 0 {
		return Requirements{}, &ValidationError{Field: "rules", Reason: "at least one rule is required"}
	}
	if len(rules) > MaxRulesPerRequirement || len(unlockAnyOf) > MaxRulesPerRequirement {
		return Requirements{}, &ValidationError{Field: "rules", Reason: fmt.Sprintf("at most %d rules are allowed", MaxRulesPerRequirement)}
	}
	for i, r := range append(append([]MetricRule{}, rules...), unlockAnyOf...) {
		if r.Metric == "" || r.Bound.Kind() == 0 {
			return Requirements{}, &ValidationError{Field: fmt.Sprintf("rules[%d]", i), Reason: "rule was not built with NewMetricRule"}
		}
	}

	return Requirements{
		Logic:       logic,
		Rules:       append([]MetricRule(nil), rules...),
		UnlockAnyOf: append([]MetricRule(nil), unlockAnyOf...),
	}, nil
}

// ruleJSON is the stored shape of a MetricRule.
type ruleJSON struct {
	Metric     string   `json:"metric"`
	Gte        *float64 `json:"gte,omitempty"`
	Lte        *float64 `json:"lte,omitempty"`
	WindowDays int      `json:"window_days,omitempty"`
}

// requirementsJSON is the stored shape of Requirements.
type requirementsJSON struct {
	Logic       Logic      `json:"logic"`
	Rules       []ruleJSON `json:"rules"`
	UnlockAnyOf []ruleJSON `json:"unlock_any_of,omitempty"`
}

func (r MetricRule) toJSON() ruleJSON {
	out := ruleJSON{Metric: r.Metric, WindowDays: r.WindowDays}
	if v, ok := r.Bound.Min(); ok {
		out.Gte = &v
	}
	if v, ok := r.Bound.Max(); ok {
		out.Lte = &v
	}
	return out
}

func (j ruleJSON) toRule() (MetricRule, error) {
	return NewMetricRule(j.Metric, j.Gte, j.Lte, j.WindowDays)
}

// MarshalJSON implements json.Marshaler.
func (r MetricRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.toJSON())
}

// UnmarshalJSON implements json.Unmarshaler and validates the rule.
func (r *MetricRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := strictDecode(data, &raw); err != nil {
		return err
	}
	rule, err := raw.toRule()
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Requirements) MarshalJSON() ([]byte, error) {
	out := requirementsJSON{Logic: r.Logic, Rules: make([]ruleJSON, 0, len(r.Rules))}
	for _, rule := range r.Rules {
		out.Rules = append(out.Rules, rule.toJSON())
	}
	for _, rule := range r.UnlockAnyOf {
		out.UnlockAnyOf = append(out.UnlockAnyOf, rule.toJSON())
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler and validates the requirements.
func (r *Requirements) UnmarshalJSON(data []byte) error {
	req, err := ParseRequirements(data)
	if err != nil {
		return err
	}
	*r = req
	return nil
}

// ParseRequirements decodes and validates the composite form
// {"logic": "AND", "rules": [...], "unlock_any_of": [...]}.
func ParseRequirements(data []byte) (Requirements, error) {
	var raw requirementsJSON
	if err := strictDecode(data, &raw); err != nil {
		return Requirements{}, err
	}
	return raw.build()
}

// ParseCondition decodes a task condition, which is either a single rule
// object or the composite requirements form. A single rule becomes a one-rule
// AND requirement.
func ParseCondition(data []byte) (Requirements, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Requirements{}, fmt.Errorf("failed to decode condition: %w", err)
	}
	if _, single := fields["metric"]; single {
		var rule MetricRule
		if err := rule.UnmarshalJSON(data); err != nil {
			return Requirements{}, err
		}
		return NewRequirements(LogicAnd, []MetricRule{rule}, nil)
	}
	return ParseRequirements(data)
}

func (j requirementsJSON) build() (Requirements, error) {
	rules := make([]MetricRule, 0, len(j.Rules))
	for i, raw := range j.Rules {
		rule, err := raw.toRule()
		if err != nil {
			return Requirements{}, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}

	var bonus []MetricRule
	for i, raw := range j.UnlockAnyOf {
		rule, err := raw.toRule()
		if err != nil {
			return Requirements{}, fmt.Errorf("unlock_any_of[%d]: %w", i, err)
		}
		bonus = append(bonus, rule)
	}

	return NewRequirements(j.Logic, rules, bonus)
}

// strictDecode rejects unknown fields so typos in authored content fail loudly.
func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
