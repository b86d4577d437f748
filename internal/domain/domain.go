package domain

// Request kinds.
const (
	KindGovernance = "governance"
	KindTransfer   = "transfer"
)

// Request statuses.
const (
	StatusPending           = "pending"
	StatusPartiallyApproved = "partially-approved"
	StatusDualApproved      = "dual-approved"
	StatusExecuted          = "executed"
	StatusRejected          = "rejected"
)

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Authority roles.
const (
	RoleSourceManager = "source-manager"
	RoleTargetManager = "target-manager"
	RoleSourceCoS     = "source-cos"
	RoleTargetCoS     = "target-cos"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusExecuted || status == StatusRejected
}

type Request struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind" enum:"governance,transfer"`
	OperationType string  `json:"operation_type" enum:"spawn,terminate,hibernate,wake,install-plugin,configure-agent,critical-operation,transfer"`
	Scope         string  `json:"scope" enum:"local,cross-team"`
	RiskLevel     string  `json:"risk_level" enum:"low,medium,high,critical"`
	TargetAgent   string  `json:"target_agent"`
	Submitter     string  `json:"submitter"`
	SourceTeam    string  `json:"source_team"`
	TargetTeam    *string `json:"target_team,omitempty"`
	Justification string  `json:"justification"`
	RollbackPlan  string  `json:"rollback_plan"`
	PasswordHash  *string `json:"-"`
	// PasswordCheckedAt is set once the governance password has been verified;
	// approvals on critical requests count only after that.
	PasswordCheckedAt *string `json:"password_checked_at,omitempty" format:"date-time"`
	// RequiredApprovals maps each required authority role to the principal
	// pinned to it at creation time. Immutable after creation.
	RequiredApprovals map[string]string `json:"required_approvals"`
	Waived            bool              `json:"waived"`
	Status            string            `json:"status" enum:"pending,partially-approved,dual-approved,executed,rejected"`
	Version           int64             `json:"version"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
	DecidedAt         *string           `json:"decided_at,omitempty" format:"date-time"`
	ExecutedAt        *string           `json:"executed_at,omitempty" format:"date-time"`
	// Approvals is the received-approvals log, at most one entry per role.
	Approvals []Approval `json:"approvals"`
}

// Approval is one recorded vote by a required authority role.
type Approval struct {
	RequestID string `json:"request_id"`
	Role      string `json:"role"`
	Decision  string `json:"decision" enum:"approve,reject"`
	ActorID   string `json:"actor_id"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Escalation stages, fired at fixed offsets from request creation.
const (
	StageReminder   = "reminder"
	StageUrgent     = "urgent"
	StageAutoAction = "auto-action"
)

// Escalation records that a stage fired for a request, exactly once.
type Escalation struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage" enum:"reminder,urgent,auto-action"`
	FiredAt   string `json:"fired_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
