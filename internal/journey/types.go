// Package journey defines the domain model of the gamified progression journey:
// chapter and stage templates, per-user stage and task instances, and the
// append-only points ledger.
package journey

import (
	"fmt"
	"time"

	"github.com/vitalpath/journey/internal/ruleengine"
)

// Status is the lifecycle state of a user's stage instance.
// The declaration order is the only legal direction of travel.
type Status string

const (
	StatusLocked     Status = "locked"
	StatusAvailable  Status = "available"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Rank returns the position of the status in the forward-only order
// locked < available < in_progress < completed. Unknown values rank below locked.
func (s Status) Rank() int {
	switch s {
	case StatusLocked:
		return 0
	case StatusAvailable:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Unlocked reports whether the stage may accept task completions.
func (s Status) Unlocked() bool {
	return s.Rank() > StatusLocked.Rank()
}

// Max returns the later of the two statuses.
func Max(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage status %q", raw)
	}
	return s, nil
}

// Category groups stages by the kind of habit they train.
type Category string

const (
	CategoryWorkout   Category = "workout"
	CategoryNutrition Category = "nutrition"
	CategoryHabit     Category = "habit"
	CategoryMixed     Category = "mixed"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryWorkout, CategoryNutrition, CategoryHabit, CategoryMixed:
		return true
	}
	return false
}

// Source identifies which stage set a user's instances were selected from.
// A user only ever sees one source at a time.
type Source string

const (
	SourcePersonalized Source = "personalized"
	SourceSeed         Source = "seed"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourcePersonalized || s == SourceSeed
}

// Chapter is a display grouping of stages.
type Chapter struct {
	ID         int64
	Code       string
	Title      string
	OrderIndex int
}

// Stage is the immutable template for one step of the journey.
type Stage struct {
	ID           int64
	Code         string
	ChapterCode  string
	OrderIndex   int
	Title        string
	Description  string
	Icon         string
	Category     Category
	Requirements ruleengine.Requirements
	RewardPoints int
	// Seed marks the stage as part of the default set used for users
	// without a personalized selection.
	Seed  bool
	Tasks []Task
}

// Task is the immutable template for one actionable item inside a stage.
type Task struct {
	ID          int64
	StageID     int64
	Code        string
	OrderIndex  int
	Description string
	Condition   ruleengine.Requirements
	Points      int
}

// UserStage is a user's progress instance against a Stage.
type UserStage struct {
	ID            string
	UserID        string
	StageID       int64
	StageCode     string
	ChapterCode   string
	Source        Source
	Position      int
	Status        Status
	Progress      float64
	PointsCurrent int
	PointsTotal   int
	StartedAt     *time.Time
	CompletedAt   *time.Time

	// Template fields, filled by read queries that join the stage.
	Title       string
	Description string
	Icon        string
	Category    Category
}

// UserTask is a user's completion instance against a Task.
// IsCompleted only ever moves from false to true.
type UserTask struct {
	ID          string
	UserID      string
	UserStageID string
	TaskID      int64
	TaskCode    string
	OrderIndex  int
	Description string
	Points      int
	IsCompleted bool
	CompletedAt *time.Time
	Note        string
}

// LedgerEntry is an append-only points award.
type LedgerEntry struct {
	ID         int64
	UserID     string
	UserTaskID string
	Amount     int
	Reason     string
	CreatedAt  time.Time
}
