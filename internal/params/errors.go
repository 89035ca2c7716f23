package params

import "fmt"

// IndexedError attaches the offending element (tile, slot, role, segment,
// pipe) to a failure.
type IndexedError struct {
	What  string
	Index int
	Err   error
}

func (e *IndexedError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.What, e.Index, e.Err)
}

func (e *IndexedError) Unwrap() error { return e.Err }

// At wraps err with the index of the element that caused it.
func At(what string, index int, err error) error {
	return &IndexedError{What: what, Index: index, Err: err}
}
