package download

import (
	"fmt"

	"github.com/srg/bledive/internal/engine"
)

// Outcome classifies a terminal Status.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDone
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDone:
		return "done"
	default:
		return "error"
	}
}

// Status is the terminal result of one download. Code is meaningful only for
// OutcomeError.
type Status struct {
	Outcome Outcome
	Code    engine.Status
}

// StatusFrom maps an engine status code onto a terminal Status.
func StatusFrom(code engine.Status) Status {
	switch code {
	case engine.StatusSuccess:
		return Status{Outcome: OutcomeSuccess}
	case engine.StatusDone:
		return Status{Outcome: OutcomeDone, Code: code}
	default:
		return Status{Outcome: OutcomeError, Code: code}
	}
}

// OK reports whether the download finished without error.
func (s Status) OK() bool { return s.Outcome != OutcomeError }

func (s Status) String() string {
	if s.Outcome == OutcomeError {
		return fmt.Sprintf("error(%d %s)", int(s.Code), s.Code)
	}
	return s.Outcome.String()
}

// Err returns nil for success and done, otherwise the engine status as an error.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return s.Code
}

// MarshalText renders the status string in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
