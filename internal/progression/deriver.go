// Package progression owns the journey's state machine: deriving a stage's
// lifecycle status from its evaluation, and orchestrating the atomic completion
// of tasks with the cascade to stage completion and next-stage unlock.
package progression

import (
	"fmt"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
)

const (
	// DefaultInProgressPartial is the share of satisfied rules that moves a stage to in_progress.
	DefaultInProgressPartial = 0.4
	// DefaultInProgressPoints is the share of earned points that moves a stage to in_progress.
	DefaultInProgressPoints = 0.5
)

// Policy holds the thresholds of the status derivation.
type Policy struct {
	InProgressPartial float64
	InProgressPoints  float64
}

// DefaultPolicy returns the product defaults.
func DefaultPolicy() Policy {
	return Policy{
		InProgressPartial: DefaultInProgressPartial,
		InProgressPoints:  DefaultInProgressPoints,
	}
}

// Validate checks that both thresholds are ratios.
func (p Policy) Validate() error {
	if p.InProgressPartial < 0 || p.InProgressPartial > 1 {
		return fmt.Errorf("in-progress partial threshold must be in [0,1], got %v", p.InProgressPartial)
	}
	if p.InProgressPoints < 0 || p.InProgressPoints > 1 {
		return fmt.Errorf("in-progress points threshold must be in [0,1], got %v", p.InProgressPoints)
	}
	return nil
}

// StageInput is everything the deriver needs to know about one stage.
type StageInput struct {
	Current       journey.Status
	PointsCurrent int
	PointsTotal   int
	// First is true for the stage at position 0.
	First bool
	// PrevCompleted is true when the stage at the previous position is completed.
	PrevCompleted bool
}

// Derivation is the derived state of a stage.
type Derivation struct {
	Status   journey.Status
	Progress float64
}

// Derive computes the stage's status. Rules, in priority order:
//  1. completed is terminal.
//  2. A stage that is not reachable (not first, previous not completed) stays
//     at its current status with zero progress. Evaluation cannot skip ahead.
//  3. Requirements met, or points_current >= points_total with points_total > 0,
//     gives completed.
//  4. partial >= InProgressPartial, or the points ratio >= InProgressPoints,
//     gives in_progress.
//  5. Otherwise available.
//
// The result is never earlier than Current.
func (p Policy) Derive(in StageInput, eval ruleengine.Result) Derivation {
	if in.Current == journey.StatusCompleted {
		return Derivation{Status: journey.StatusCompleted, Progress: 1}
	}

	pointsRatio := 0.0
	if in.PointsTotal > 0 {
		pointsRatio = float64(in.PointsCurrent) / float64(in.PointsTotal)
		if pointsRatio > 1 {
			pointsRatio = 1
		}
	}
	progress := max(eval.Partial, pointsRatio)

	reachable := in.First || in.PrevCompleted
	if !reachable {
		current := in.Current
		if !current.Valid() {
			current = journey.StatusLocked
		}
		return Derivation{Status: current}
	}

	var next journey.Status
	switch {
	case eval.Met || (in.PointsTotal > 0 && in.PointsCurrent >= in.PointsTotal):
		next = journey.StatusCompleted
	case eval.Partial >= p.InProgressPartial || (in.PointsTotal > 0 && pointsRatio >= p.InProgressPoints):
		next = journey.StatusInProgress
	default:
		next = journey.StatusAvailable
	}

	next = journey.Max(in.Current, next)
	if next == journey.StatusCompleted {
		progress = 1
	}
	return Derivation{Status: next, Progress: progress}
}
