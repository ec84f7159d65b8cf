package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrBrickNotFound       = errors.New("brick not found")
	ErrNoRelatedFrame      = errors.New("no related frame")
	ErrUnsupportedTarget   = errors.New("unsupported target")
	ErrRemoteNotAllowed    = errors.New("brick is not allowed to run remotely")
	ErrRootNotFound        = errors.New("root element not found")
	ErrRootAmbiguous       = errors.New("root selector matched multiple elements")
	ErrNoRenderer          = errors.New("pipeline does not include a renderer")
	ErrRendererNotTerminal = errors.New("renderer must be the last step of the pipeline")
	ErrHeadlessFanOut      = errors.New("renderer cannot run headless in a fan-out step")
	ErrContextKeyBound     = errors.New("context key already bound")
	ErrDestinationTimeout  = errors.New("destination timed out")
	ErrNoDisplaySurface    = errors.New("no display surface")
)

// GenericErrorMessage is the user-facing message for internal errors.
const GenericErrorMessage = "an unexpected error occurred"

// ErrorKind classifies run failures.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindBusiness   ErrorKind = "business"
	KindInternal   ErrorKind = "internal"
	KindAborted    ErrorKind = "aborted"
)

// ValidationIssue is one rendered-argument schema violation.
type ValidationIssue struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError reports rendered args that fail a brick input schema.
// Path is the config path of the first failing field.
type ValidationError struct {
	Path   string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("invalid brick input at %s", e.Path)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Message)
	}
	return fmt.Sprintf("invalid brick input at %s: %s", e.Path, strings.Join(parts, "; "))
}

// BusinessError is a configuration or usage mistake surfaced with a user-facing message.
type BusinessError struct {
	Err     error
	Message string
}

// NewBusinessError wraps err with a user-facing message.
func NewBusinessError(err error, format string, args ...any) *BusinessError {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &BusinessError{Err: err, Message: msg}
}

func (e *BusinessError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "business error"
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// StepError wraps a failure with the step that produced it.
type StepError struct {
	Kind       ErrorKind
	StepPath   string
	BrickID    string
	InstanceID string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.StepPath, e.BrickID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RemoteError is an error received from another frame in serialized form.
type RemoteError struct {
	Serialized SerializedError
}

func (e *RemoteError) Error() string {
	return e.Serialized.Message
}

// Is lets remote errors match local sentinels by message.
func (e *RemoteError) Is(target error) bool {
	return target != nil && target.Error() == e.Serialized.Message
}

// SerializedError is the wire and fan-out array form of an error.
type SerializedError struct {
	Name    string    `json:"name"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
}

// Error makes a SerializedError usable as an error value.
func (s SerializedError) Error() string {
	return s.Message
}

// SerializeError converts err into its wire form.
func SerializeError(err error) SerializedError {
	if err == nil {
		return SerializedError{}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Serialized
	}
	out := SerializedError{Kind: Classify(err), Message: err.Error()}
	var validation *ValidationError
	var step *StepError
	switch {
	case errors.As(err, &validation):
		out.Name = "ValidationError"
		out.Path = validation.Path
	case errors.Is(err, ErrDestinationTimeout):
		out.Name = "TimeoutError"
	case out.Kind == KindBusiness:
		out.Name = "BusinessError"
	case out.Kind == KindAborted:
		out.Name = "AbortError"
	default:
		out.Name = "Error"
	}
	if out.Path == "" && errors.As(err, &step) {
		out.Path = step.StepPath
	}
	return out
}

// DeserializeError rebuilds an error received from another frame.
func DeserializeError(s SerializedError) error {
	if s.Kind == KindValidation {
		return &ValidationError{Path: s.Path, Issues: []ValidationIssue{{Message: s.Message}}}
	}
	return &RemoteError{Serialized: s}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var step *StepError
	if errors.As(err, &step) && step.Kind != "" {
		return step.Kind
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Serialized.Kind != "" {
		return remote.Serialized.Kind
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return KindValidation
	}
	var business *BusinessError
	if errors.As(err, &business) {
		return KindBusiness
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindInternal
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the JSON error model returned by the frame agent HTTP API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
