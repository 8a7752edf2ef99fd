package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every problem found in one config.
type ValidationErrors []ValidationError

func (ve *ValidationErrors) Add(fieldPath, message string) {
	*ve = append(*ve, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// FormatStderr renders one "error:" line per problem for the CLI.
func (ve ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}
