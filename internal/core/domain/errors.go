package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrAdapter marks store unreachable/timeout failures. Call sites retry
	// once with backoff, then degrade to the next-broader strategy.
	ErrAdapter = errors.New("store adapter failure")

	// ErrEmbedding is fatal for the current query when it affects the query
	// embedding itself; otherwise the affected facet is treated as absent.
	ErrEmbedding = errors.New("embedding failure")

	// ErrValidator (judge unreachable) is treated as an INVALID verdict and
	// consumes one retry iteration.
	ErrValidator = errors.New("validator unavailable")

	ErrTemporary = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
