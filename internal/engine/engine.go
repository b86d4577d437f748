package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/notify"
	"govline/internal/ratelimit"
	"govline/internal/repo"
	"govline/internal/roster"
)

// casRetries bounds the optimistic-concurrency retry loop before surfacing
// ErrConcurrencyConflict to the caller.
const casRetries = 3

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Roster   roster.Directory
	Limiter  *ratelimit.Limiter
	Notifier notify.Dispatcher
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Roster:   roster.FromConfig(cfg),
		Limiter:  ratelimit.New(cfg.RateLimit.MaxCreates, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		Notifier: notify.LogDispatcher{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	// Notification failures never fail the decision they describe.
	_ = e.Notifier.Dispatch(ctx, n)
}

// NewRequestID mints a governance request ID: GR-<UTC timestamp>-<8 hex>.
func NewRequestID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("GR-%s-%s", now.UTC().Format("20060102150405"), suffix)
}

var validOperations = map[string]bool{
	"spawn": true, "terminate": true, "hibernate": true, "wake": true,
	"install-plugin": true, "configure-agent": true, "critical-operation": true,
	"transfer": true,
}

var validScopes = map[string]bool{"local": true, "cross-team": true}

// RequestCreateOptions are parameters for submitting a governance request.
type RequestCreateOptions struct {
	ID            string
	OperationType string
	Scope         string
	RiskLevel     string
	TargetAgent   string
	Submitter     string
	SourceTeam    string
	TargetTeam    string
	Justification string
	RollbackPlan  string
	// GovernancePassword is required for critical-risk requests; it is
	// bcrypt-hashed and must be re-presented before approvals count.
	GovernancePassword string
}

func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if !validOperations[opts.OperationType] {
		return domain.Request{}, fmt.Errorf("unknown operation type %q", opts.OperationType)
	}
	if opts.Scope == "" {
		opts.Scope = "local"
	}
	if !validScopes[opts.Scope] {
		return domain.Request{}, fmt.Errorf("unknown scope %q", opts.Scope)
	}
	if _, ok := riskRank[opts.RiskLevel]; !ok {
		return domain.Request{}, fmt.Errorf("unknown risk level %q", opts.RiskLevel)
	}
	if opts.TargetAgent == "" {
		return domain.Request{}, errors.New("target_agent is required")
	}
	if opts.Submitter == "" {
		return domain.Request{}, errors.New("submitter is required")
	}
	if opts.SourceTeam == "" {
		return domain.Request{}, errors.New("source_team is required")
	}
	if strings.TrimSpace(opts.Justification) == "" {
		return domain.Request{}, errors.New("justification is required")
	}
	if (opts.RiskLevel == "high" || opts.RiskLevel == "critical") && strings.TrimSpace(opts.RollbackPlan) == "" {
		return domain.Request{}, errors.New("rollback_plan is required for high and critical risk")
	}
	kind := domain.KindGovernance
	if opts.OperationType == "transfer" {
		kind = domain.KindTransfer
		if opts.TargetTeam == "" {
			return domain.Request{}, errors.New("target_team is required for transfers")
		}
	}
	if opts.Scope == "cross-team" && opts.TargetTeam == "" {
		return domain.Request{}, errors.New("target_team is required for cross-team scope")
	}

	now := e.now().UTC()
	if e.Limiter != nil {
		if ok, retryAfter := e.Limiter.Allow(opts.Submitter, now); !ok {
			return domain.Request{}, &RateLimitedError{Principal: opts.Submitter, RetryAfterSeconds: retryAfter}
		}
	}
	req := domain.Request{
		ID:            opts.ID,
		Kind:          kind,
		OperationType: opts.OperationType,
		Scope:         opts.Scope,
		RiskLevel:     opts.RiskLevel,
		TargetAgent:   opts.TargetAgent,
		Submitter:     opts.Submitter,
		SourceTeam:    opts.SourceTeam,
		TargetTeam:    optionalString(opts.TargetTeam),
		Justification: opts.Justification,
		RollbackPlan:  opts.RollbackPlan,
		CreatedAt:     now.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if req.ID == "" {
		req.ID = NewRequestID(now)
	}

	required, waived, err := resolveApprovers(e.Config, e.Roster, req)
	if err != nil {
		return domain.Request{}, err
	}
	req.RequiredApprovals = required
	req.Waived = waived
	if waived {
		req.Status = domain.StatusDualApproved
		decided := req.CreatedAt
		req.DecidedAt = &decided
	} else {
		req.Status = domain.StatusPending
	}

	if opts.RiskLevel == "critical" {
		if opts.GovernancePassword == "" {
			return domain.Request{}, ErrPasswordRequired
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.GovernancePassword), bcrypt.DefaultCost)
		if err != nil {
			return domain.Request{}, err
		}
		h := string(hash)
		req.PasswordHash = &h
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	// Duplicate check and insert share one transaction; the partial unique
	// index on (target_agent, operation_type) backstops racing creators.
	exists, err := e.Repo.HasActiveRequestTx(ctx, tx, opts.TargetAgent, opts.OperationType)
	if err != nil {
		return domain.Request{}, err
	}
	if exists {
		return domain.Request{}, ErrDuplicateActiveRequest
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		if repo.IsActivePairConflict(err) {
			return domain.Request{}, ErrDuplicateActiveRequest
		}
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "request.created", req.ID, opts.Submitter, events.EventPayload{
		"operation_type": req.OperationType,
		"target_agent":   req.TargetAgent,
		"risk_level":     req.RiskLevel,
		"scope":          req.Scope,
		"status":         req.Status,
	}); err != nil {
		return domain.Request{}, err
	}
	if waived {
		if err := e.Events.Append(ctx, tx, "request.waived", req.ID, opts.Submitter, events.EventPayload{
			"reason": "autonomy-directive",
		}); err != nil {
			return domain.Request{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	if !waived {
		e.notify(ctx, notify.ApprovalNeeded(req))
	}
	return req, nil
}

// ApprovalOptions are parameters for recording a decision on a request.
type ApprovalOptions struct {
	RequestID string
	ActorID   string
	Decision  string
	Comment   string
	// Role optionally names which required role the actor is exercising.
	// When empty it is inferred from the roles pinned to the actor.
	Role string
	// GovernancePassword may be supplied inline to satisfy the critical-risk
	// gate in the same call.
	GovernancePassword string
}

func (e Engine) SubmitApproval(ctx context.Context, opts ApprovalOptions) (domain.Request, error) {
	if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
		return domain.Request{}, fmt.Errorf("decision must be approve or reject, got %q", opts.Decision)
	}
	if opts.ActorID == "" {
		return domain.Request{}, errors.New("actor is required")
	}
	var out domain.Request
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		out, err = e.submitApprovalOnce(ctx, opts)
		if !errors.Is(err, repo.ErrVersionConflict) {
			return out, err
		}
	}
	return domain.Request{}, ErrConcurrencyConflict
}

func (e Engine) submitApprovalOnce(ctx context.Context, opts ApprovalOptions) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, ErrAlreadyDecided
	}
	role, err := pickRole(req, opts.ActorID, opts.Role)
	if err != nil {
		return req, err
	}

	// Critical requests gate approvals behind the governance password.
	passwordJustChecked := false
	if req.RiskLevel == "critical" && req.PasswordCheckedAt == nil {
		if opts.GovernancePassword == "" {
			return req, ErrPasswordRequired
		}
		if err := checkPassword(req, opts.GovernancePassword); err != nil {
			return req, err
		}
		checked := e.now().UTC().Format(time.RFC3339)
		req.PasswordCheckedAt = &checked
		passwordJustChecked = true
	}

	now := e.now().UTC().Format(time.RFC3339)
	approval := domain.Approval{
		RequestID: req.ID,
		Role:      role,
		Decision:  opts.Decision,
		ActorID:   opts.ActorID,
		Comment:   opts.Comment,
		CreatedAt: now,
	}
	if err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return req, err
	}
	req.Approvals = append(req.Approvals, approval)

	prevStatus := req.Status
	req.Status = computeStatus(req.Scope, req.RequiredApprovals, req.Approvals)
	req.UpdatedAt = now
	if req.Status == domain.StatusRejected || req.Status == domain.StatusDualApproved {
		req.DecidedAt = &now
	}
	expected := req.Version
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return req, err
	}
	req.Version = expected + 1

	if passwordJustChecked {
		if err := e.Events.Append(ctx, tx, "request.password.verified", req.ID, opts.ActorID, events.EventPayload{}); err != nil {
			return req, err
		}
	}
	if err := e.Events.Append(ctx, tx, "approval.recorded", req.ID, opts.ActorID, events.EventPayload{
		"role":     role,
		"decision": opts.Decision,
		"comment":  opts.Comment,
	}); err != nil {
		return req, err
	}
	if req.Status != prevStatus {
		if err := e.Events.Append(ctx, tx, "request.status.changed", req.ID, opts.ActorID, events.EventPayload{
			"from": prevStatus,
			"to":   req.Status,
		}); err != nil {
			return req, err
		}
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	if req.Status == domain.StatusRejected || req.Status == domain.StatusDualApproved {
		e.notify(ctx, notify.Notification{
			Kind:       "decided",
			RequestID:  req.ID,
			Recipients: []string{req.Submitter},
			Subject:    fmt.Sprintf("request %s is %s", req.ID, req.Status),
		})
	}
	return req, nil
}

// pickRole finds the required role the actor exercises. An explicit role must
// be pinned to the actor; otherwise the first undecided role pinned to the
// actor is chosen.
func pickRole(req domain.Request, actorID, explicit string) (string, error) {
	if len(req.RequiredApprovals) == 0 {
		return "", ErrUnknownApprover
	}
	if explicit != "" {
		principal, ok := req.RequiredApprovals[explicit]
		if !ok || principal != actorID {
			return "", ErrUnknownApprover
		}
		if _, decided := decisionByRole(req.Approvals, explicit); decided {
			return "", ErrDuplicateApproval
		}
		return explicit, nil
	}
	pinned := false
	for role, principal := range req.RequiredApprovals {
		if principal != actorID {
			continue
		}
		pinned = true
		if _, decided := decisionByRole(req.Approvals, role); !decided {
			return role, nil
		}
	}
	if pinned {
		return "", ErrDuplicateApproval
	}
	return "", ErrUnknownApprover
}

func checkPassword(req domain.Request, password string) error {
	if req.PasswordHash == nil {
		return ErrNoPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*req.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// VerifyPassword satisfies the critical-risk gate ahead of any approval call.
func (e Engine) VerifyPassword(ctx context.Context, requestID, actorID, password string) (domain.Request, error) {
	var out domain.Request
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		out, err = e.verifyPasswordOnce(ctx, requestID, actorID, password)
		if !errors.Is(err, repo.ErrVersionConflict) {
			return out, err
		}
	}
	return domain.Request{}, ErrConcurrencyConflict
}

func (e Engine) verifyPasswordOnce(ctx context.Context, requestID, actorID, password string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, ErrAlreadyDecided
	}
	if req.PasswordHash == nil {
		return req, ErrNoPassword
	}
	if req.PasswordCheckedAt != nil {
		return req, nil
	}
	if err := checkPassword(req, password); err != nil {
		return req, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	req.PasswordCheckedAt = &now
	req.UpdatedAt = now
	expected := req.Version
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return req, err
	}
	req.Version = expected + 1
	if err := e.Events.Append(ctx, tx, "request.password.verified", req.ID, actorID, events.EventPayload{}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

// ExecuteRequest carries out a dual-approved request and records the terminal
// executed status.
func (e Engine) ExecuteRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	var out domain.Request
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		out, err = e.executeOnce(ctx, requestID, actorID)
		if !errors.Is(err, repo.ErrVersionConflict) {
			return out, err
		}
	}
	return domain.Request{}, ErrConcurrencyConflict
}

func (e Engine) executeOnce(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, ErrAlreadyDecided
	}
	if req.Status != domain.StatusDualApproved {
		return req, ErrNotDualApproved
	}
	now := e.now().UTC().Format(time.RFC3339)
	req.Status = domain.StatusExecuted
	req.ExecutedAt = &now
	req.UpdatedAt = now
	expected := req.Version
	if err := e.Repo.UpdateRequestCAS(ctx, tx, req, expected); err != nil {
		return req, err
	}
	req.Version = expected + 1
	if err := e.Events.Append(ctx, tx, "request.executed", req.ID, actorID, events.EventPayload{
		"operation_type": req.OperationType,
		"target_agent":   req.TargetAgent,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.notify(ctx, notify.Notification{
		Kind:       "decided",
		RequestID:  req.ID,
		Recipients: []string{req.Submitter},
		Subject:    fmt.Sprintf("request %s executed", req.ID),
	})
	return req, nil
}

// GetRequest loads a request after reconciling any overdue escalation stages
// against the wall clock. Readers therefore always observe the state the
// schedule implies, without a background timer.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	if _, err := e.ReconcileRequest(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Request{}, err
	}
	return e.Repo.GetRequest(ctx, id)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	if f.Now.IsZero() {
		f.Now = e.now()
	}
	return e.Repo.ListRequests(ctx, f)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
