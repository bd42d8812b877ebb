package loom

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// errorHandling is the optional per-node error policy decoded from node data.
type errorHandling struct {
	Mode  string       `json:"mode,omitempty"` // "stop" (default), "continue", "branch"
	Retry *retryPolicy `json:"retry,omitempty"`
}

// Error-handling modes.
const (
	errModeStop     = "stop"
	errModeContinue = "continue"
	errModeBranch   = "branch"
)

// retryPolicy configures the retry wrapper for one node. Delays are in
// milliseconds to match the authored graph format.
type retryPolicy struct {
	MaxRetries int      `json:"maxRetries"`
	BaseDelay  int      `json:"baseDelay"`
	MaxDelay   int      `json:"maxDelay,omitempty"`
	RetryOn    []string `json:"retryOn,omitempty"`
	SkipOn     []string `json:"skipOn,omitempty"`
}

// errorPolicyOf decodes a node's errorHandling block. Absent or malformed
// blocks yield the default stop-mode policy with no retries.
func errorPolicyOf(n *Node) errorHandling {
	var d struct {
		ErrorHandling *errorHandling `json:"errorHandling"`
	}
	if decodeData(n, &d) != nil || d.ErrorHandling == nil {
		return errorHandling{Mode: errModeStop}
	}
	eh := *d.ErrorHandling
	if eh.Mode == "" {
		eh.Mode = errModeStop
	}
	return eh
}

// shouldRetry decides whether a classified error is retried under a policy.
// skipOn wins over retryOn; an empty retryOn falls back to the default
// transient set.
func shouldRetry(policy *retryPolicy, code ErrorCode) bool {
	for _, skip := range policy.SkipOn {
		if ErrorCode(skip) == code {
			return false
		}
	}
	if len(policy.RetryOn) == 0 {
		return defaultRetryable[code]
	}
	for _, on := range policy.RetryOn {
		if ErrorCode(on) == code {
			return true
		}
	}
	return false
}

// retryBackoff returns the delay before retrying attempt i (0-indexed).
// Exponential: base * 2^i, plus up to base/2 random jitter, capped at max
// when max is positive.
func retryBackoff(base, max time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	d := exp + jitter
	if max > 0 && d > max {
		d = max
	}
	return d
}

// executeWithRetry runs one node through its executor, applying the node's
// retry policy. CANCELLED is never retried. The returned error is a
// NodeError carrying the node id, classified code, and the attempt history
// when retries were configured.
func executeWithRetry(ctx context.Context, ec *ExecContext, node *Node, exec NodeExecutor, logger *slog.Logger) (Result, error) {
	policy := errorPolicyOf(node).Retry
	attempts := 1
	if policy != nil && policy.MaxRetries > 0 {
		attempts = policy.MaxRetries + 1
	}

	var history []RetryAttempt
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := safeExecute(ctx, ec, node, exec)
		if err == nil {
			return res, nil
		}
		code := classifyError(err)
		if code == CodeCancelled {
			return Result{}, wrapNodeError(node.ID, code, err, nil)
		}
		lastErr = err
		history = append(history, RetryAttempt{Attempt: i + 1, Error: err.Error(), Timestamp: time.Now()})
		if policy == nil || i == attempts-1 || !shouldRetry(policy, code) {
			break
		}
		logger.Warn("retrying node",
			"node_id", node.ID,
			"code", code,
			"attempt", i+1,
			"max_attempts", attempts)
		delay := retryBackoff(
			time.Duration(policy.BaseDelay)*time.Millisecond,
			time.Duration(policy.MaxDelay)*time.Millisecond, i)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, wrapNodeError(node.ID, CodeCancelled, ctx.Err(), nil)
		case <-timer.C:
		}
	}

	var info *RetryInfo
	if policy != nil && policy.MaxRetries > 0 {
		info = &RetryInfo{Attempts: len(history), MaxAttempts: attempts, History: history}
		logger.Error("node failed after retries",
			"node_id", node.ID,
			"attempts", len(history),
			"error", lastErr)
	}
	return Result{}, wrapNodeError(node.ID, classifyError(lastErr), lastErr, info)
}

// safeExecute invokes the executor, converting a panic into an error so a
// misbehaving executor cannot take down the run.
func safeExecute(ctx context.Context, ec *ExecContext, node *Node, exec NodeExecutor) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nodeErr(node.ID, CodeUnknown, "executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, ec, node)
}

// wrapNodeError normalizes an executor error into a NodeError attributed to
// the node, preserving an existing NodeError's code and message.
func wrapNodeError(nodeID string, code ErrorCode, err error, info *RetryInfo) *NodeError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &NodeError{
		NodeID:    nodeID,
		Code:      code,
		Message:   msg,
		Retryable: defaultRetryable[code],
		Retry:     info,
	}
}
