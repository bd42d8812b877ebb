package loom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of engine or validation failure.
type ErrorCode string

// Validation codes (preflight).
const (
	CodeNoStartNode           ErrorCode = "NO_START_NODE"
	CodeMultipleStartNodes    ErrorCode = "MULTIPLE_START_NODES"
	CodeDisconnectedNode      ErrorCode = "DISCONNECTED_NODE"
	CodeDanglingEdge          ErrorCode = "DANGLING_EDGE"
	CodeUnknownHandle         ErrorCode = "UNKNOWN_HANDLE"
	CodeMissingModel          ErrorCode = "MISSING_MODEL"
	CodeEmptyPrompt           ErrorCode = "EMPTY_PROMPT"
	CodeDuplicateSourceHandle ErrorCode = "DUPLICATE_SOURCE_HANDLE"
	CodeMissingRequiredPort   ErrorCode = "MISSING_REQUIRED_PORT"
	CodeMissingSubflowID      ErrorCode = "MISSING_SUBFLOW_ID"
	CodeSubflowNotFound       ErrorCode = "SUBFLOW_NOT_FOUND"
	CodeMissingInputMapping   ErrorCode = "MISSING_INPUT_MAPPING"
	CodeMissingConditionPrompt ErrorCode = "MISSING_CONDITION_PROMPT"
	CodeInvalidMaxIterations  ErrorCode = "INVALID_MAX_ITERATIONS"
)

// Runtime codes.
const (
	CodeNodeCapExceeded       ErrorCode = "NODE_CAP_EXCEEDED"
	CodeGlobalCapExceeded     ErrorCode = "GLOBAL_CAP_EXCEEDED"
	CodeToolIterationExceeded ErrorCode = "TOOL_ITERATION_EXCEEDED"
	CodeRouterInvalidRoute    ErrorCode = "ROUTER_INVALID_ROUTE"
	CodeBranchTimeout         ErrorCode = "BRANCH_TIMEOUT"
	CodeOutputSchemaInvalid   ErrorCode = "OUTPUT_SCHEMA_INVALID"
	CodeRateLimit             ErrorCode = "RATE_LIMIT"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeNetwork               ErrorCode = "NETWORK"
	CodeLLMError              ErrorCode = "LLM_ERROR"
	CodeValidation            ErrorCode = "VALIDATION"
	CodeCancelled             ErrorCode = "CANCELLED"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// RetryAttempt records one failed execution attempt inside the retry wrapper.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryInfo summarizes the retry history attached to a surfaced error.
type RetryInfo struct {
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	History     []RetryAttempt `json:"history,omitempty"`
}

// NodeError is an error attributed to a single node execution.
type NodeError struct {
	NodeID    string     `json:"node_id,omitempty"`
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	Retry     *RetryInfo `json:"retry,omitempty"`
}

func (e *NodeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Code, e.Message)
}

// nodeErr builds a non-retryable NodeError.
func nodeErr(nodeID string, code ErrorCode, format string, args ...any) *NodeError {
	return &NodeError{NodeID: nodeID, Code: code, Message: fmt.Sprintf(format, args...)}
}

// retryableErr builds a retryable NodeError.
func retryableErr(nodeID string, code ErrorCode, format string, args ...any) *NodeError {
	return &NodeError{NodeID: nodeID, Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// classifyError maps an arbitrary error to an ErrorCode. Cancellation is
// detected structurally; everything else is pattern-matched on the message
// text, case-insensitive.
func classifyError(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate-limit") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota"):
		return CodeRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline"):
		return CodeTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "dial") || strings.Contains(msg, "dns") ||
		strings.Contains(msg, "econnrefused") || strings.Contains(msg, "unreachable"):
		return CodeNetwork
	case strings.Contains(msg, "llm") || strings.Contains(msg, "model") ||
		strings.Contains(msg, "provider") || strings.Contains(msg, "completion"):
		return CodeLLMError
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "schema"):
		return CodeValidation
	default:
		return CodeUnknown
	}
}

// defaultRetryable is the set of codes the retry wrapper retries when the
// node's policy does not list retryOn codes explicitly.
var defaultRetryable = map[ErrorCode]bool{
	CodeRateLimit: true,
	CodeTimeout:   true,
	CodeNetwork:   true,
	CodeLLMError:  true,
	CodeUnknown:   true,
}
