package registration

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidRegistration    = errors.New("invalid registration")
)

type Violation struct {
	Field   string
	Message string
}

// ValidationError lists every rejected field, it matches ErrInvalidRegistration.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+" "+v.Message)
	}
	return ErrInvalidRegistration.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRegistration
}

func lengthMessage(minLen, maxLen int) string {
	return fmt.Sprintf("must be between %d and %d characters", minLen, maxLen)
}
