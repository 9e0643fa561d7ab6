// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// ErrIllegalTransition is the class of every rejected status change.
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError carries the forbidden edge and the table's reason.
type TransitionError struct {
	From   eventlog.JobStatus
	To     eventlog.JobStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition: %s -> %s (%s)", e.From, e.To, e.Reason)
}

// Unwrap lets errors.Is match both ErrIllegalTransition and, for terminal
// jobs, eventlog.ErrJobTerminal.
func (e *TransitionError) Unwrap() []error {
	if e.Reason == ForbiddenTerminalAbsorbing {
		return []error{ErrIllegalTransition, eventlog.ErrJobTerminal}
	}
	return []error{ErrIllegalTransition}
}
