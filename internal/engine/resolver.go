package engine

import (
	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/roster"
)

var riskRank = map[string]int{
	"low": 0, "medium": 1, "high": 2, "critical": 3,
}

// resolveApprovers pins each required authority role to a concrete principal
// at creation time. The returned map is immutable for the life of the
// request: later roster changes never shift who may approve an in-flight
// request.
//
// Resolution order: autonomy directives first (explicit waiver beats
// everything), then the configured role set for the request shape, unioned
// with the critical role set when risk is critical. Roles the roster cannot
// staff are dropped; if nothing survives and no directive waived the request,
// resolution fails closed with ErrInvalidApprovalSet.
func resolveApprovers(cfg *config.Config, dir roster.Directory, req domain.Request) (map[string]string, bool, error) {
	if directiveWaives(cfg, req) {
		return map[string]string{}, true, nil
	}

	roles := cfg.OperationRoles(req.OperationType, req.Scope, req.Kind == domain.KindTransfer)
	if req.RiskLevel == "critical" {
		roles = unionRoles(roles, cfg.Approvals.CriticalRoles)
	}

	required := map[string]string{}
	for _, role := range roles {
		principal := principalForRole(dir, role, req)
		if principal == "" {
			continue
		}
		// The submitter cannot sit on their own approval chain.
		if principal == req.Submitter {
			continue
		}
		required[role] = principal
	}
	if len(required) == 0 {
		return nil, false, ErrInvalidApprovalSet
	}
	return required, false, nil
}

func directiveWaives(cfg *config.Config, req domain.Request) bool {
	for _, d := range cfg.Autonomy.Directives {
		if d.Submitter != req.Submitter {
			continue
		}
		if len(d.Operations) > 0 && !contains(d.Operations, req.OperationType) {
			continue
		}
		if d.MaxRisk != "" && riskRank[req.RiskLevel] > riskRank[d.MaxRisk] {
			continue
		}
		return true
	}
	return false
}

func principalForRole(dir roster.Directory, role string, req domain.Request) string {
	targetTeam := req.SourceTeam
	if req.TargetTeam != nil && *req.TargetTeam != "" {
		targetTeam = *req.TargetTeam
	}
	switch role {
	case domain.RoleSourceManager:
		return dir.ManagerFor(req.SourceTeam)
	case domain.RoleTargetManager:
		return dir.ManagerFor(targetTeam)
	case domain.RoleSourceCoS:
		return dir.ChiefOfStaffFor(req.SourceTeam)
	case domain.RoleTargetCoS:
		return dir.ChiefOfStaffFor(targetTeam)
	}
	return ""
}

func unionRoles(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, role := range b {
		if !contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
