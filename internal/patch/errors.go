package patch

import (
	"errors"
	"fmt"
)

var (
	errHunkTooLong  = errors.New("hunk has more lines than its header counts")
	errHunkTooShort = errors.New("hunk has fewer lines than its header counts")
)

// MalformedPatchError reports input that is not text or a line that does
// not conform to the diff format. Line is 1-based; zero when the error is
// not tied to a line.
type MalformedPatchError struct {
	Line   int
	Text   string
	Reason string
	Err    error
}

func (e *MalformedPatchError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("malformed patch: %s", e.Reason)
	}
	return fmt.Sprintf("malformed patch at line %d (%q): %s", e.Line, e.Text, e.Reason)
}

func (e *MalformedPatchError) Unwrap() error {
	return e.Err
}

// malformedAt builds a MalformedPatchError for the line at index i.
func malformedAt(i int, text string, err error) *MalformedPatchError {
	return &MalformedPatchError{
		Line:   i + 1,
		Text:   text,
		Reason: err.Error(),
		Err:    err,
	}
}
