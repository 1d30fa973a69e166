package progression

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitalpath/journey/internal/ruleengine"
	"github.com/vitalpath/journey/internal/store"
)

var (
	// ErrNotFound means the task or stage instance does not exist, or the
	// task does not belong to the named stage.
	ErrNotFound = errors.New("progression: not found")

	// ErrForbidden means the instance belongs to another user.
	ErrForbidden = errors.New("progression: forbidden")

	// ErrStageLocked means the owning stage has not been unlocked yet.
	ErrStageLocked = errors.New("progression: stage locked")

	// ErrConditionsNotMet is matched by *ConditionsNotMetError.
	ErrConditionsNotMet = errors.New("progression: conditions not met")

	// ErrUnavailable wraps failures after which nothing was committed and the
	// request can be retried: timeouts, metrics provider errors, aborted
	// transactions.
	ErrUnavailable = errors.New("progression: temporarily unavailable")

	// ErrInvalidRequest reports malformed input such as an unknown source.
	ErrInvalidRequest = errors.New("progression: invalid request")
)

// ConditionsNotMetError carries the per-rule state of an unmet task
// condition so clients can render what is missing.
type ConditionsNotMetError struct {
	Rules []ruleengine.RuleStatus
}

func (e *ConditionsNotMetError) Error() string {
	return fmt.Sprintf("progression: conditions not met (%d rule(s) unsatisfied)", len(e.Rules))
}

// Is makes errors.Is(err, ErrConditionsNotMet) true.
func (e *ConditionsNotMetError) Is(target error) bool {
	return target == ErrConditionsNotMet
}

// unavailable tags err as retryable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// fromStore maps read-path store errors onto the progression taxonomy.
func fromStore(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, store.ErrRetriesExhausted):
		return unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// outcomeLabel names err for the completions counter.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStageLocked):
		return "stage_locked"
	case errors.Is(err, ErrConditionsNotMet):
		return "conditions_not_met"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
