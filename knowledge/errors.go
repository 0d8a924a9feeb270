package knowledge

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent signals that ingestion received no extractable text.
	ErrEmptyContent = errors.New("knowledge: no text content found")
	// ErrSourceNotFound signals that the referenced source id does not exist.
	ErrSourceNotFound = errors.New("knowledge: source not found")
	// ErrRelationNotFound signals that the referenced relation id does not exist.
	ErrRelationNotFound = errors.New("knowledge: relation not found")
	// ErrUnauthorized signals that the caller lacks ownership or the required role.
	ErrUnauthorized = errors.New("knowledge: operation not permitted")
)

// EmbeddingError wraps a failure of the upstream embedding provider. During
// ingestion it is recoverable per chunk; during search it aborts the query.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("knowledge: embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

func embeddingFailure(err error) error {
	if err == nil {
		return nil
	}
	var existing *EmbeddingError
	if errors.As(err, &existing) {
		return err
	}
	return &EmbeddingError{Err: err}
}
