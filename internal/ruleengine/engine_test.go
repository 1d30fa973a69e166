package ruleengine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, metric string, gte, lte *float64) MetricRule {
	t.Helper()
	r, err := NewMetricRule(metric, gte, lte, 0)
	require.NoError(t, err)
	return r
}

func mustReq(t *testing.T, logic Logic, rules []MetricRule, bonus []MetricRule) Requirements {
	t.Helper()
	r, err := NewRequirements(logic, rules, bonus)
	require.NoError(t, err)
	return r
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	workouts := mustRule(t, "workouts_per_week", ptr(3), nil)
	weighIns := mustRule(t, "weigh_ins", ptr(1), nil)
	sugar := mustRule(t, "sugar_g", nil, ptr(50))
	streak := mustRule(t, "streak_days", ptr(30), nil)

	tests := []struct {
		name        string
		req         Requirements
		metrics     Values
		wantMet     bool
		wantPartial float64
		wantBypass  bool
		wantUnmet   []string
	}{
		{
			name:        "AND with one rule missed gives half partial",
			req:         mustReq(t, LogicAnd, []MetricRule{workouts, weighIns}, nil),
			metrics:     Values{"workouts_per_week": 3, "weigh_ins": 0},
			wantMet:     false,
			wantPartial: 0.5,
			wantUnmet:   []string{"weigh_ins"},
		},
		{
			name:        "AND with every rule satisfied",
			req:         mustReq(t, LogicAnd, []MetricRule{workouts, weighIns}, nil),
			metrics:     Values{"workouts_per_week": 5, "weigh_ins": 2},
			wantMet:     true,
			wantPartial: 1,
		},
		{
			name:        "OR with one rule satisfied",
			req:         mustReq(t, LogicOr, []MetricRule{workouts, weighIns}, nil),
			metrics:     Values{"workouts_per_week": 1, "weigh_ins": 1},
			wantMet:     true,
			wantPartial: 0.5,
			wantUnmet:   []string{"workouts_per_week"},
		},
		{
			name:        "missing metric is unsatisfied, not zero",
			req:         mustReq(t, LogicAnd, []MetricRule{sugar}, nil),
			metrics:     Values{},
			wantMet:     false,
			wantPartial: 0,
			wantUnmet:   []string{"sugar_g"},
		},
		{
			name:        "upper bound satisfied by zero when present",
			req:         mustReq(t, LogicAnd, []MetricRule{sugar}, nil),
			metrics:     Values{"sugar_g": 0},
			wantMet:     true,
			wantPartial: 1,
		},
		{
			name:        "bypass forces met without touching partial",
			req:         mustReq(t, LogicAnd, []MetricRule{workouts, weighIns}, []MetricRule{streak}),
			metrics:     Values{"workouts_per_week": 0, "weigh_ins": 0, "streak_days": 45},
			wantMet:     true,
			wantPartial: 0,
			wantBypass:  true,
			wantUnmet:   []string{"workouts_per_week", "weigh_ins"},
		},
		{
			name:        "unsatisfied bypass changes nothing",
			req:         mustReq(t, LogicAnd, []MetricRule{workouts}, []MetricRule{streak}),
			metrics:     Values{"workouts_per_week": 1, "streak_days": 3},
			wantMet:     false,
			wantPartial: 0,
			wantUnmet:   []string{"workouts_per_week"},
		},
		{
			name:        "zero requirements never match",
			req:         Requirements{},
			metrics:     Values{"anything": 1},
			wantMet:     false,
			wantPartial: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Act
			got := Evaluate(tt.req, tt.metrics)

			// Assert
			assert.Equal(t, tt.wantMet, got.Met, "met")
			assert.InDelta(t, tt.wantPartial, got.Partial, 1e-9, "partial")
			assert.Equal(t, tt.wantBypass, got.Bypassed, "bypassed")

			var unmet []string
			for _, st := range got.UnmetRules {
				unmet = append(unmet, st.Metric)
			}
			assert.Equal(t, tt.wantUnmet, unmet, "unmet rules")
		})
	}
}

func TestEvaluateRule_ReportsCurrentTargetProgress(t *testing.T) {
	t.Parallel()

	protein := mustRule(t, "protein_avg_g", ptr(120), nil)

	st := EvaluateRule(protein, Values{"protein_avg_g": 95})

	assert.False(t, st.Satisfied)
	assert.True(t, st.Present)
	assert.Equal(t, 95.0, st.Current)
	assert.Equal(t, 120.0, st.Target)
	assert.InDelta(t, 95.0/120.0, st.Progress, 1e-9)
}

func TestEvaluateRule_UpperBoundProgress(t *testing.T) {
	t.Parallel()

	sugar := mustRule(t, "sugar_g", nil, ptr(50))

	st := EvaluateRule(sugar, Values{"sugar_g": 100})

	assert.False(t, st.Satisfied)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
}

func TestWindowed_Lookup(t *testing.T) {
	t.Parallel()

	m := Windowed{
		Default:  Values{"steps": 100},
		ByWindow: map[int]Values{30: {"steps": 3000}},
	}

	v, ok := m.Lookup("steps", 0)
	assert.True(t, ok)
	assert.Equal(t, 100.0, v)

	v, ok = m.Lookup("steps", 30)
	assert.True(t, ok)
	assert.Equal(t, 3000.0, v)

	_, ok = m.Lookup("steps", 90)
	assert.False(t, ok, "unfetched window must read as absent")
}

// TestEvaluate_Properties checks determinism and the partial ratio on random
// rule sets and metric maps.
func TestEvaluate_Properties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 1337))
	names := []string{"a", "b", "c", "d", "e", "f"}

	randomRule := func() MetricRule {
		name := names[rng.IntN(len(names))]
		var gte, lte *float64
		switch rng.IntN(3) {
		case 0:
			gte = ptr(float64(rng.IntN(10)))
		case 1:
			lte = ptr(float64(rng.IntN(10)))
		default:
			lo := float64(rng.IntN(10))
			gte, lte = ptr(lo), ptr(lo+float64(rng.IntN(5)))
		}
		return mustRule(t, name, gte, lte)
	}

	for i := 0; i < 500; i++ {
		// Arrange
		rules := make([]MetricRule, 1+rng.IntN(5))
		for j := range rules {
			rules[j] = randomRule()
		}
		var bonus []MetricRule
		for j := 0; j < rng.IntN(3); j++ {
			bonus = append(bonus, randomRule())
		}
		logic := LogicAnd
		if rng.IntN(2) == 0 {
			logic = LogicOr
		}
		req := mustReq(t, logic, rules, bonus)

		metrics := Values{}
		for _, n := range names {
			if rng.IntN(4) > 0 {
				metrics[n] = float64(rng.IntN(15))
			}
		}

		// Act
		first := Evaluate(req, metrics)
		second := Evaluate(req, metrics)

		// Assert
		require.Equal(t, first, second, "evaluation must be deterministic")

		satisfied := 0
		for _, r := range rules {
			v, ok := metrics[r.Metric]
			if ok && r.Bound.Contains(v) {
				satisfied++
			}
		}
		require.InDelta(t, float64(satisfied)/float64(len(rules)), first.Partial, 1e-9, "partial ratio")
		require.Len(t, first.MetRules, satisfied)
		require.Len(t, first.UnmetRules, len(rules)-satisfied)

		withoutBonus := Evaluate(mustReq(t, logic, rules, nil), metrics)
		require.InDelta(t, withoutBonus.Partial, first.Partial, 1e-9, "bonus rules must not affect partial")

		if first.Bypassed {
			require.False(t, withoutBonus.Met)
			require.True(t, first.Met)
		}
	}
}
