package flow

import "fmt"

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// GraphIntegrityError signals corrupted run bookkeeping: the advancer
// found no step in a resumable state. Tasks failing with it must not be
// retried.
type GraphIntegrityError struct {
	ActivityKey int64
	RunKey      int64
	Msg         string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("workflow run %d on activity %d is corrupted: %s", e.RunKey, e.ActivityKey, e.Msg)
}
