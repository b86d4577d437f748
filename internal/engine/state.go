package engine

import (
	"govline/internal/domain"
)

// computeStatus derives the request status purely from the scope, the required
// role set and the recorded decisions. Any rejection is absolute. The
// partially-approved state exists only for cross-team requests: it marks
// exactly one side (source roles vs target roles) fully approved while the
// other side still waits. Local requests stay pending until every required
// role has approved. Stored status is never an input, so replaying the same
// approvals always converges on the same answer.
func computeStatus(scope string, required map[string]string, approvals []domain.Approval) string {
	approved := map[string]bool{}
	for _, a := range approvals {
		if a.Decision == domain.DecisionReject {
			return domain.StatusRejected
		}
		if a.Decision == domain.DecisionApprove {
			approved[a.Role] = true
		}
	}
	if len(required) == 0 {
		// Only reachable for waived requests; they are created dual-approved.
		return domain.StatusDualApproved
	}
	allApproved := true
	for role := range required {
		if !approved[role] {
			allApproved = false
			break
		}
	}
	if allApproved {
		return domain.StatusDualApproved
	}
	if scope == "cross-team" && oneSideComplete(required, approved) {
		return domain.StatusPartiallyApproved
	}
	return domain.StatusPending
}

// oneSideComplete reports whether exactly one side of a cross-team role set
// has fully approved. Both sides must be present in the required set for the
// notion of a completed side to apply.
func oneSideComplete(required map[string]string, approved map[string]bool) bool {
	sourceTotal, sourceDone := 0, 0
	targetTotal, targetDone := 0, 0
	for role := range required {
		switch role {
		case domain.RoleSourceManager, domain.RoleSourceCoS:
			sourceTotal++
			if approved[role] {
				sourceDone++
			}
		case domain.RoleTargetManager, domain.RoleTargetCoS:
			targetTotal++
			if approved[role] {
				targetDone++
			}
		}
	}
	if sourceTotal == 0 || targetTotal == 0 {
		return false
	}
	sourceComplete := sourceDone == sourceTotal
	targetComplete := targetDone == targetTotal
	return sourceComplete != targetComplete
}

// decisionByRole returns the recorded decision for a role, if any.
func decisionByRole(approvals []domain.Approval, role string) (domain.Approval, bool) {
	for _, a := range approvals {
		if a.Role == role {
			return a, true
		}
	}
	return domain.Approval{}, false
}
