package ruleengine

// Evaluate checks every rule of req against m and combines the verdicts.
//
// The algorithm:
//  1. Each main rule is evaluated independently. A metric absent from m is
//     unsatisfied; it is never read as zero.
//  2. Partial is satisfied / total over the main rules only.
//  3. AND needs every main rule, OR needs any one.
//  4. If any UnlockAnyOf rule is satisfied, Met is forced true. Bonus rules
//     never contribute to Partial.
//
// Evaluate is pure: it has no side effects and the same inputs always give an
// equal Result.
func Evaluate(req Requirements, m Metrics) Result {
	var res Result
	if m == nil {
		m = Values(nil)
	}

	satisfied := 0
	for _, rule := range req.Rules {
		st := EvaluateRule(rule, m)
		if st.Satisfied {
			satisfied++
			res.MetRules = append(res.MetRules, st)
		} else {
			res.UnmetRules = append(res.UnmetRules, st)
		}
	}

	total := len(req.Rules)
	if total > 0 {
		res.Partial = float64(satisfied) / float64(total)
		switch req.Logic {
		case LogicOr:
			res.Met = satisfied > 0
		default:
			res.Met = satisfied == total
		}
	}

	if !res.Met {
		for _, rule := range req.UnlockAnyOf {
			if EvaluateRule(rule, m).Satisfied {
				res.Met = true
				res.Bypassed = true
				break
			}
		}
	}

	return res
}

// EvaluateRule evaluates a single rule and reports how close the user is.
func EvaluateRule(rule MetricRule, m Metrics) RuleStatus {
	st := RuleStatus{
		Metric:     rule.Metric,
		WindowDays: rule.WindowDays,
		Target:     rule.Bound.Target(),
	}

	current, ok := m.Lookup(rule.Metric, rule.WindowDays)
	if !ok {
		return st
	}

	st.Present = true
	st.Current = current
	st.Satisfied = rule.Bound.Contains(current)
	st.Progress = progressToward(rule.Bound, current, st.Satisfied)
	return st
}

// progressToward expresses how far current is toward satisfying b, in [0,1].
func progressToward(b Bound, current float64, satisfied bool) float64 {
	if satisfied {
		return 1
	}
	if lo, ok := b.Min(); ok && current < lo {
		if lo <= 0 || current <= 0 {
			return 0
		}
		return clamp01(current / lo)
	}
	if hi, ok := b.Max(); ok && current > hi {
		if hi <= 0 {
			return 0
		}
		return clamp01(hi / current)
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
