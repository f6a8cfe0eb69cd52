package sgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrSchemaViolation marks provider output that does not conform to the
	// requested schema, even after the stricter retry.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrProvider marks transport or provider failures of a structured call.
	ErrProvider = errors.New("structured generation provider failure")
)

// ViolationError describes why provider output was rejected.
type ViolationError struct {
	Schema string
	Reason string
	Raw    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s output rejected: %s", ErrSchemaViolation, e.Schema, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrSchemaViolation
}

// Outcome tags a Result.
type Outcome int

const (
	OutcomeConforming Outcome = iota
	OutcomeViolation
)

// Result is the typed form of one structured provider response: either a
// conforming payload or a violation reason. Untyped JSON never leaves this
// package.
type Result[T any] struct {
	Outcome   Outcome
	Value     T
	Violation string
}

func (r Result[T]) Conforming() bool {
	return r.Outcome == OutcomeConforming
}

func violation[T any](format string, args ...any) Result[T] {
	return Result[T]{Outcome: OutcomeViolation, Violation: fmt.Sprintf(format, args...)}
}

// Decode parses raw into T, validates struct tags and then runs check.
func Decode[T any](raw string, validate *validator.Validate, check func(*T) error) Result[T] {
	body := stripFences(raw)
	if body == "" {
		return violation[T]("empty response")
	}

	var value T
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&value); err != nil {
		return violation[T]("invalid JSON: %v", err)
	}
	if dec.More() {
		return violation[T]("trailing data after JSON object")
	}

	if err := validate.Struct(&value); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return violation[T]("%s", strings.Join(parts, "; "))
		}
		return violation[T]("validate: %v", err)
	}

	if check != nil {
		if err := check(&value); err != nil {
			return violation[T]("%v", err)
		}
	}
	return Result[T]{Outcome: OutcomeConforming, Value: value}
}

// stripFences removes a surrounding markdown code fence, which some models
// add even in JSON mode.
func stripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
