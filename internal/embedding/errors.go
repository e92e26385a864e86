package embedding

import (
	"errors"
	"fmt"
)

// errRetriesExhausted marks a batch failure as transient-but-exhausted, the
// only failure mode promoted to ServiceUnavailableError. Caller errors and
// context cancellation never carry it.
var errRetriesExhausted = errors.New("retries exhausted")

// ServiceUnavailableError indicates the embedding service kept failing after
// the retry ceiling was exhausted. ChunkIndexes identifies the input chunks of
// the failed batch so the caller can decide its partial-retry policy.
type ServiceUnavailableError struct {
	Model        string
	ChunkIndexes []int
	Err          error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("embedding service unavailable (model %s, %d chunks affected): %v",
		e.Model, len(e.ChunkIndexes), e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }
