package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents malformed input: unknown tools, bad
	// arguments, unsafe generated queries. Never retried.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTransient represents infrastructure trouble that may clear
	// on retry: timeouts, connection failures, upstream 5xx.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeGateway represents model gateway errors
	ErrorTypeGateway ErrorType = "gateway"
	// ErrorTypeTool represents tool execution errors
	ErrorTypeTool ErrorType = "tool"
	// ErrorTypeGraph represents graph database errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeOrchestration represents turn lifecycle violations and other
	// failures that terminate the whole turn
	ErrorTypeOrchestration ErrorType = "orchestration"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Failure classifications attached to tool calls. Validation failures are
// informative to answer synthesis; timeout and infrastructure failures are
// environmental noise and get logged distinctly.
const (
	ClassValidation     = "validation"
	ClassTimeout        = "timeout"
	ClassInfrastructure = "infrastructure"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// category is promoted into every typed error embedding *BaseError, so
// Category can read the type without relying on unwrap chains.
func (e *BaseError) category() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Validation Errors

// ErrEmptyConversation is returned when a turn is submitted without any
// usable user message
var ErrEmptyConversation = NewBaseError(ErrorTypeValidation, "conversation has no user message", nil)

// ErrUnknownTool is returned when the decide step requests a tool that is
// not in the catalog
type ErrUnknownTool struct {
	*BaseError
	ToolName string
}

func NewUnknownTool(toolName string) *ErrUnknownTool {
	return &ErrUnknownTool{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("unknown tool: %s", toolName), nil),
		ToolName:  toolName,
	}
}

// ErrInvalidArguments is returned when tool arguments fail schema validation
type ErrInvalidArguments struct {
	*BaseError
	ToolName string
	Reason   string
}

func NewInvalidArguments(toolName, reason string) *ErrInvalidArguments {
	return &ErrInvalidArguments{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("invalid arguments for %s: %s", toolName, reason), nil),
		ToolName:  toolName,
		Reason:    reason,
	}
}

// ErrUnsafeQuery is returned when a generated database query fails the
// read-only safety gate
type ErrUnsafeQuery struct {
	*BaseError
	Query  string
	Reason string
}

func NewUnsafeQuery(query, reason string) *ErrUnsafeQuery {
	return &ErrUnsafeQuery{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("unsafe query rejected: %s", reason), nil),
		Query:     query,
		Reason:    reason,
	}
}

// ErrTurnNotFound is returned when a turn id is not in the registry
type ErrTurnNotFound struct {
	*BaseError
	TurnID string
}

func NewTurnNotFound(turnID string) *ErrTurnNotFound {
	return &ErrTurnNotFound{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("turn not found: %s", turnID), nil),
		TurnID:    turnID,
	}
}

// Gateway Errors

// ErrGatewayFailed is returned when a model gateway request fails after all
// retry attempts
type ErrGatewayFailed struct {
	*BaseError
	Operation string
	Model     string
	Attempts  int
	Retryable bool
}

func NewGatewayFailed(operation, model string, attempts int, retryable bool, err error) *ErrGatewayFailed {
	return &ErrGatewayFailed{
		BaseError: NewBaseError(ErrorTypeGateway, fmt.Sprintf("%s failed after %d attempts", operation, attempts), err),
		Operation: operation,
		Model:     model,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// ErrEmptyCompletion is returned when the model returns no usable content
var ErrEmptyCompletion = NewBaseError(ErrorTypeGateway, "model returned an empty completion", nil)

// Tool Errors

// ErrToolTimeout is returned when a tool call exceeds its per-call deadline
type ErrToolTimeout struct {
	*BaseError
	ToolName string
	Timeout  time.Duration
}

func NewToolTimeout(toolName string, timeout time.Duration) *ErrToolTimeout {
	return &ErrToolTimeout{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("tool timed out: %s (limit: %v)", toolName, timeout), nil),
		ToolName:  toolName,
		Timeout:   timeout,
	}
}

// ErrToolUnreachable is returned when the tool's upstream cannot be reached
// at the transport level
type ErrToolUnreachable struct {
	*BaseError
	ToolName string
}

func NewToolUnreachable(toolName string, err error) *ErrToolUnreachable {
	return &ErrToolUnreachable{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("tool upstream unreachable: %s", toolName), err),
		ToolName:  toolName,
	}
}

// ErrToolUpstream is returned when the tool's upstream answers with a
// non-success status. 4xx means the request itself was bad and is treated
// as validation, everything else as transient.
type ErrToolUpstream struct {
	*BaseError
	ToolName   string
	StatusCode int
}

func NewToolUpstream(toolName string, statusCode int, err error) *ErrToolUpstream {
	errType := ErrorTypeTransient
	if statusCode >= 400 && statusCode < 500 {
		errType = ErrorTypeValidation
	}
	return &ErrToolUpstream{
		BaseError:  NewBaseError(errType, fmt.Sprintf("tool upstream returned %d: %s", statusCode, toolName), err),
		ToolName:   toolName,
		StatusCode: statusCode,
	}
}

// ErrToolFailed is returned when a tool call gives up after exhausting its
// retry allowance
type ErrToolFailed struct {
	*BaseError
	ToolName string
	Attempts int
}

func NewToolFailed(toolName string, attempts int, err error) *ErrToolFailed {
	return &ErrToolFailed{
		BaseError: NewBaseError(ErrorTypeTool, fmt.Sprintf("tool failed after %d attempts: %s", attempts, toolName), err),
		ToolName:  toolName,
		Attempts:  attempts,
	}
}

// Graph Errors

// ErrGraphConnectionFailed is returned when the Neo4j connection fails
type ErrGraphConnectionFailed struct {
	*BaseError
	URI string
}

func NewGraphConnectionFailed(uri string, err error) *ErrGraphConnectionFailed {
	return &ErrGraphConnectionFailed{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("failed to connect to Neo4j: %s", uri), err),
		URI:       uri,
	}
}

// ErrGraphQueryFailed is returned when a graph query fails at execution time
type ErrGraphQueryFailed struct {
	*BaseError
	Query string
}

func NewGraphQueryFailed(query string, err error) *ErrGraphQueryFailed {
	return &ErrGraphQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, "query failed", err),
		Query:     query,
	}
}

// Orchestration Errors

// ErrNoValidAction is returned when the decide step leaves the turn with
// nothing runnable: no answer text and no valid tool request
var ErrNoValidAction = NewBaseError(ErrorTypeOrchestration, "no valid action remains for this turn", nil)

// ErrResultAlreadySet is returned on an attempt to set a turn result twice
var ErrResultAlreadySet = NewBaseError(ErrorTypeOrchestration, "turn result already set", nil)

// ErrMalformedDecision is returned when the decide step output cannot be
// interpreted as either an answer or tool requests
type ErrMalformedDecision struct {
	*BaseError
	Reason string
}

func NewMalformedDecision(reason string) *ErrMalformedDecision {
	return &ErrMalformedDecision{
		BaseError: NewBaseError(ErrorTypeOrchestration, fmt.Sprintf("malformed decision: %s", reason), nil),
		Reason:    reason,
	}
}

// ErrInvalidTransition is returned when a turn is driven backward or out of
// order through its states
type ErrInvalidTransition struct {
	*BaseError
	From string
	To   string
}

func NewInvalidTransition(from, to string) *ErrInvalidTransition {
	return &ErrInvalidTransition{
		BaseError: NewBaseError(ErrorTypeOrchestration, fmt.Sprintf("invalid transition: %s -> %s", from, to), nil),
		From:      from,
		To:        to,
	}
}

// ErrTurnDeadline is returned when the overall turn deadline expires before
// the turn reaches a terminal state
type ErrTurnDeadline struct {
	*BaseError
	Elapsed time.Duration
}

func NewTurnDeadline(elapsed time.Duration, err error) *ErrTurnDeadline {
	return &ErrTurnDeadline{
		BaseError: NewBaseError(ErrorTypeOrchestration, fmt.Sprintf("turn deadline exceeded after %v", elapsed.Round(time.Millisecond)), err),
		Elapsed:   elapsed,
	}
}

// Config Errors

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// Category returns the taxonomy type carried by err or any error it wraps,
// or the empty string when none is found.
func Category(err error) ErrorType {
	type carrier interface{ category() ErrorType }
	for err != nil {
		if c, ok := err.(carrier); ok {
			return c.category()
		}
		err = stderrors.Unwrap(err)
	}
	return ""
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	return Category(err) == errType
}

// IsRetryable reports whether retrying the failed operation could help.
// Validation and orchestration errors never clear on retry; context
// cancellation means the caller is done waiting.
func IsRetryable(err error) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gw *ErrGatewayFailed
	if stderrors.As(err, &gw) {
		return gw.Retryable
	}
	return Category(err) == ErrorTypeTransient
}

// Classification buckets a failure for tool call records and log routing:
// ClassValidation for bad input, ClassTimeout for deadline expiry,
// ClassInfrastructure for everything environmental.
func Classification(err error) string {
	if err == nil {
		return ""
	}
	var timeout *ErrToolTimeout
	if stderrors.As(err, &timeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	switch Category(err) {
	case ErrorTypeValidation:
		return ClassValidation
	case ErrorTypeTransient, ErrorTypeTool, ErrorTypeGateway, ErrorTypeGraph:
		return ClassInfrastructure
	default:
		return ClassInfrastructure
	}
}
