package search

import "fmt"

// BackendError indicates the vector search backend failed while executing a
// query. Embedding failures are not BackendErrors; they surface as the
// embedding package's own error types.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("search backend error (%s): %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
