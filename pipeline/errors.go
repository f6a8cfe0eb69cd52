package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindEmbeddingProvider
	KindVectorSearch
	KindSchemaViolation
	KindGenerationProvider
	KindGroundingViolation
	KindTimeout
	KindCanceled
)

var (
	ErrValidation         = errors.New("validation error")
	ErrEmbeddingProvider  = errors.New("embedding provider error")
	ErrVectorSearch       = errors.New("vector search error")
	ErrSchemaViolation    = errors.New("schema violation error")
	ErrGenerationProvider = errors.New("generation provider error")
	ErrGroundingViolation = errors.New("grounding violation")
	ErrTimeout            = errors.New("pipeline timeout")
	ErrCanceled           = errors.New("pipeline canceled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindEmbeddingProvider:
		return ErrEmbeddingProvider
	case KindVectorSearch:
		return ErrVectorSearch
	case KindSchemaViolation:
		return ErrSchemaViolation
	case KindGenerationProvider:
		return ErrGenerationProvider
	case KindGroundingViolation:
		return ErrGroundingViolation
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEmbeddingProvider:
		return "embedding_provider"
	case KindVectorSearch:
		return "vector_search"
	case KindSchemaViolation:
		return "schema_violation"
	case KindGenerationProvider:
		return "generation_provider"
	case KindGroundingViolation:
		return "grounding_violation"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether the orchestrator retries a stage failing with k.
// Schema violations are retried once inside the reasoning stage itself.
func (k Kind) Retryable() bool {
	switch k {
	case KindEmbeddingProvider, KindVectorSearch, KindGenerationProvider:
		return true
	default:
		return false
	}
}

// HTTPStatus maps k onto the status an HTTP adapter should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return http.StatusServiceUnavailable
	case KindEmbeddingProvider, KindVectorSearch, KindSchemaViolation, KindGenerationProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the only error type AnswerQuery returns.
type Error struct {
	Kind     Kind
	Stage    State
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed in %s", e.Kind, e.Stage)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of e.Kind, so errors.Is(err, ErrTimeout) works
// without unwrapping to the cause.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind carried by err, or zero when err is not a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
