package server

import (
	"encoding/json"

	"govline/internal/domain"
)

// Request payloads

type CreateRequestRequest struct {
	ID            *string `json:"id,omitempty"`
	OperationType string  `json:"operation_type" enum:"spawn,terminate,hibernate,wake,install-plugin,configure-agent,critical-operation,transfer"`
	Scope         string  `json:"scope,omitempty" enum:"local,cross-team"`
	RiskLevel     string  `json:"risk_level" enum:"low,medium,high,critical"`
	TargetAgent   string  `json:"target_agent"`
	SourceTeam    string  `json:"source_team"`
	TargetTeam    *string `json:"target_team,omitempty"`
	Justification string  `json:"justification"`
	RollbackPlan  *string `json:"rollback_plan,omitempty"`
	// GovernancePassword is required when risk_level is critical. It is
	// stored as a bcrypt hash and never echoed back.
	GovernancePassword *string `json:"governance_password,omitempty"`
}

type SubmitApprovalRequest struct {
	Decision           string  `json:"decision" enum:"approve,reject"`
	Role               *string `json:"role,omitempty" enum:"source-manager,target-manager,source-cos,target-cos"`
	Comment            *string `json:"comment,omitempty"`
	GovernancePassword *string `json:"governance_password,omitempty"`
}

type VerifyPasswordRequest struct {
	GovernancePassword string `json:"governance_password"`
}

// Response payloads

type ApprovalResponse struct {
	Role      string `json:"role" enum:"source-manager,target-manager,source-cos,target-cos"`
	Decision  string `json:"decision" enum:"approve,reject"`
	ActorID   string `json:"actor_id"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RequestResponse struct {
	ID                string             `json:"id"`
	Kind              string             `json:"kind" enum:"governance,transfer"`
	OperationType     string             `json:"operation_type" enum:"spawn,terminate,hibernate,wake,install-plugin,configure-agent,critical-operation,transfer"`
	Scope             string             `json:"scope" enum:"local,cross-team"`
	RiskLevel         string             `json:"risk_level" enum:"low,medium,high,critical"`
	TargetAgent       string             `json:"target_agent"`
	Submitter         string             `json:"submitter"`
	SourceTeam        string             `json:"source_team"`
	TargetTeam        *string            `json:"target_team,omitempty"`
	Justification     string             `json:"justification"`
	RollbackPlan      string             `json:"rollback_plan,omitempty"`
	RequiredApprovals map[string]string  `json:"required_approvals"`
	Approvals         []ApprovalResponse `json:"approvals"`
	Waived            bool               `json:"waived"`
	PasswordVerified  bool               `json:"password_verified"`
	Status            string             `json:"status" enum:"pending,partially-approved,dual-approved,executed,rejected"`
	Version           int64              `json:"version"`
	CreatedAt         string             `json:"created_at" format:"date-time"`
	UpdatedAt         string             `json:"updated_at" format:"date-time"`
	DecidedAt         *string            `json:"decided_at,omitempty" format:"date-time"`
	ExecutedAt        *string            `json:"executed_at,omitempty" format:"date-time"`
}

type EscalationResponse struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage" enum:"reminder,urgent,auto-action"`
	FiredAt   string `json:"fired_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts" format:"date-time"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"`
}

func toRequestResponse(req domain.Request) RequestResponse {
	approvals := make([]ApprovalResponse, 0, len(req.Approvals))
	for _, a := range req.Approvals {
		approvals = append(approvals, ApprovalResponse{
			Role:      a.Role,
			Decision:  a.Decision,
			ActorID:   a.ActorID,
			Comment:   a.Comment,
			CreatedAt: a.CreatedAt,
		})
	}
	required := req.RequiredApprovals
	if required == nil {
		required = map[string]string{}
	}
	return RequestResponse{
		ID:                req.ID,
		Kind:              req.Kind,
		OperationType:     req.OperationType,
		Scope:             req.Scope,
		RiskLevel:         req.RiskLevel,
		TargetAgent:       req.TargetAgent,
		Submitter:         req.Submitter,
		SourceTeam:        req.SourceTeam,
		TargetTeam:        req.TargetTeam,
		Justification:     req.Justification,
		RollbackPlan:      req.RollbackPlan,
		RequiredApprovals: required,
		Approvals:         approvals,
		Waived:            req.Waived,
		PasswordVerified:  req.PasswordCheckedAt != nil,
		Status:            req.Status,
		Version:           req.Version,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
		DecidedAt:         req.DecidedAt,
		ExecutedAt:        req.ExecutedAt,
	}
}

func toEventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		RequestID: evt.RequestID,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}
}
