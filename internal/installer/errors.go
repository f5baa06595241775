package installer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthorizationDenied reports that elevation was refused or unavailable.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrRegistrationFailed reports that the helper could not be put in place or registered.
	ErrRegistrationFailed = errors.New("helper registration failed")
	// ErrRemovalFailed reports that uninstall stopped part way.
	ErrRemovalFailed = errors.New("helper removal failed")
)

// RemovalError describes where an uninstall stopped. Re-running Uninstall
// resumes the remaining steps.
type RemovalError struct {
	Step      Step
	Completed []Step
	Remaining []Step
	Err       error
}

func (e *RemovalError) Error() string {
	return fmt.Sprintf("%v at step %s (completed: %s; remaining: %s): %v",
		ErrRemovalFailed, e.Step, joinSteps(e.Completed), joinSteps(e.Remaining), e.Err)
}

func (e *RemovalError) Unwrap() []error {
	return []error{ErrRemovalFailed, e.Err}
}

// RollbackError reports an install whose cleanup after a failure was incomplete.
type RollbackError struct {
	// Cause is the failure that triggered the rollback.
	Cause error
	// Remaining lists artifacts that could not be removed.
	Remaining []string
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v; rollback incomplete, remaining: %s: %v",
		e.Cause, strings.Join(e.Remaining, ", "), e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Cause, e.Err}
}

func joinSteps(steps []Step) string {
	if len(steps) == 0 {
		return "none"
	}
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
