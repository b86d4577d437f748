package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors mapped to API error codes by the HTTP layer.
var (
	// ErrDuplicateActiveRequest fires when a non-terminal request already
	// exists for the same target agent and operation type.
	ErrDuplicateActiveRequest = errors.New("an active request already exists for this agent and operation")

	// ErrInvalidApprovalSet fires when authority resolution yields no
	// approvers and no autonomy directive waives the requirement. Fail
	// closed: a misconfigured roster must never silently auto-approve.
	ErrInvalidApprovalSet = errors.New("approval resolution produced an empty approver set")

	// ErrPasswordRequired gates approvals on critical-risk requests until
	// the governance password has been verified.
	ErrPasswordRequired = errors.New("governance password verification required before approvals")

	ErrInvalidPassword = errors.New("governance password does not match")

	// ErrUnknownApprover fires when the acting principal holds none of the
	// request's required roles, or the role was pinned to someone else.
	ErrUnknownApprover = errors.New("actor is not a required approver for this request")

	// ErrAlreadyDecided rejects approvals and executions against terminal
	// requests; rejection and execution are absolute.
	ErrAlreadyDecided = errors.New("request is already in a terminal state")

	ErrDuplicateApproval = errors.New("role has already recorded a decision for this request")

	// ErrNotDualApproved blocks execution until every required role has
	// approved.
	ErrNotDualApproved = errors.New("request does not have all required approvals")

	// ErrConcurrencyConflict surfaces after the bounded optimistic-retry
	// loop is exhausted. Callers may retry the whole operation.
	ErrConcurrencyConflict = errors.New("request was modified concurrently; retry")

	ErrNoPassword = errors.New("request has no governance password requirement")
)

// RateLimitedError reports a rejected create along with the seconds until
// the oldest entry leaves the sliding window.
type RateLimitedError struct {
	Principal         string
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %ds", e.Principal, e.RetryAfterSeconds)
}
