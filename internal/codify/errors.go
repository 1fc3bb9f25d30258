package codify

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse marks an LLM reply that could not be used.
var ErrMalformedResponse = errors.New("malformed llm response")

// InvalidInputError rejects a request before any matching is attempted.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// IsInvalidInput reports whether err is or wraps an InvalidInputError.
func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// ExternalServiceError wraps a failure of the catalog store, the embedding
// provider or the LLM. Stages degrade on it; it never reaches callers.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
