package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies composition failures for callers that need to react
// differently to missing inputs versus failed commands.
type Category string

const (
	CategoryMissingInput   Category = "missing_input"   // Copy source or base image unavailable
	CategoryCommandFailure Category = "command_failure" // External command exited non-zero
	CategoryPartialBuild   Category = "partial_build"   // Composition aborted mid-sequence
	CategoryBaseImage      Category = "base_image"
	CategoryRecipe         Category = "recipe"
	CategoryManifest       Category = "manifest"
	CategoryCache          Category = "cache"
	CategoryExport         Category = "export"
	CategoryFilesystem     Category = "filesystem"
)

// ComposeError is the error type surfaced by the composer. StepIndex is the
// zero-based index of the failing step, or -1 when the failure is not tied to
// a specific step. Output holds the failing command's captured diagnostics.
type ComposeError struct {
	Category  Category `json:"category"`
	StepIndex int      `json:"step_index"`
	Message   string   `json:"message"`
	Output    string   `json:"output,omitempty"`
	ExitCode  int      `json:"exit_code,omitempty"`
	Cause     error    `json:"-"`
}

func (e *ComposeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Category)
	if e.StepIndex >= 0 {
		fmt.Fprintf(&b, " step %d", e.StepIndex+1)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ComposeError) Unwrap() error {
	return e.Cause
}

// Diagnostics returns the user-facing failure text: the message plus any
// captured command output, trimmed.
func (e *ComposeError) Diagnostics() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return e.Error()
	}
	return e.Error() + "\n" + out
}

func New(category Category, message string) *ComposeError {
	return &ComposeError{Category: category, StepIndex: -1, Message: message}
}

func Wrap(category Category, message string, cause error) *ComposeError {
	return &ComposeError{Category: category, StepIndex: -1, Message: message, Cause: cause}
}

func NewMissingInput(message string, cause error) *ComposeError {
	return &ComposeError{Category: CategoryMissingInput, StepIndex: -1, Message: message, Cause: cause}
}

func NewCommandFailure(message, output string, exitCode int) *ComposeError {
	return &ComposeError{
		Category:  CategoryCommandFailure,
		StepIndex: -1,
		Message:   message,
		Output:    output,
		ExitCode:  exitCode,
	}
}

func NewPartialBuild(message string, cause error) *ComposeError {
	return &ComposeError{Category: CategoryPartialBuild, StepIndex: -1, Message: message, Cause: cause}
}

// WithStep stamps the failing step index onto err when it is a ComposeError.
// Other errors are wrapped as a partial-build failure at that step.
func WithStep(err error, index int) error {
	if err == nil {
		return nil
	}
	var ce *ComposeError
	if errors.As(err, &ce) {
		ce.StepIndex = index
		return ce
	}
	return &ComposeError{
		Category:  CategoryPartialBuild,
		StepIndex: index,
		Message:   "step failed",
		Cause:     err,
	}
}

func CategoryOf(err error) Category {
	var ce *ComposeError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

func StepIndexOf(err error) int {
	var ce *ComposeError
	if errors.As(err, &ce) {
		return ce.StepIndex
	}
	return -1
}

func IsMissingInput(err error) bool {
	return CategoryOf(err) == CategoryMissingInput
}

func IsCommandFailure(err error) bool {
	return CategoryOf(err) == CategoryCommandFailure
}

func IsPartialBuild(err error) bool {
	return CategoryOf(err) == CategoryPartialBuild
}
