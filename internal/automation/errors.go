package automation

import "errors"

// Domain errors for the automation package.
var (
	// ErrAutomationNotFound is returned when an automation ID or entity does
	// not exist.
	ErrAutomationNotFound = errors.New("automation: not found")

	// ErrInvalidAutomation is returned when a definition fails validation.
	ErrInvalidAutomation = errors.New("automation: invalid")

	// ErrInvalidTrigger is returned for malformed triggers.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidCondition is returned for malformed conditions.
	ErrInvalidCondition = errors.New("automation: invalid condition")

	// ErrInvalidAction is returned for malformed actions.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrNotNumeric is returned when a numeric_state condition reads a value
	// that is not a number.
	ErrNotNumeric = errors.New("automation: value is not numeric")
)
