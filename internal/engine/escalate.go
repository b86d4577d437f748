package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/notify"
	"govline/internal/repo"
)

// stageOffsets returns the escalation schedule as ordered (stage, offset)
// pairs.
func (e Engine) stageOffsets() []struct {
	Stage  string
	Offset time.Duration
} {
	esc := e.Config.Escalation
	return []struct {
		Stage  string
		Offset time.Duration
	}{
		{domain.StageReminder, time.Duration(esc.ReminderSeconds) * time.Second},
		{domain.StageUrgent, time.Duration(esc.UrgentSeconds) * time.Second},
		{domain.StageAutoAction, time.Duration(esc.AutoActionSeconds) * time.Second},
	}
}

// ReconcileRequest fires every escalation stage that is due for a request and
// has not fired yet. Stage firing is idempotent: the escalations primary key
// absorbs concurrent reconcilers, so each stage notifies at most once no
// matter how many callers race. Returns the stages fired by this call.
func (e Engine) ReconcileRequest(ctx context.Context, requestID string) ([]domain.Escalation, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.reconcile(ctx, req)
}

// ReconcileAll sweeps every active request. Intended for the escalate-run
// command and periodic invocation by an external scheduler.
func (e Engine) ReconcileAll(ctx context.Context) ([]domain.Escalation, error) {
	reqs, err := e.Repo.ListActiveRequests(ctx)
	if err != nil {
		return nil, err
	}
	var fired []domain.Escalation
	for _, req := range reqs {
		f, err := e.reconcile(ctx, req)
		if err != nil {
			return fired, fmt.Errorf("reconcile %s: %w", req.ID, err)
		}
		fired = append(fired, f...)
	}
	return fired, nil
}

func (e Engine) reconcile(ctx context.Context, req domain.Request) ([]domain.Escalation, error) {
	// Escalation tracks unanswered approvals only. Terminal requests are
	// settled and waived requests never had approvers to chase.
	if domain.IsTerminal(req.Status) || req.Waived {
		return nil, nil
	}
	createdAt, err := time.Parse(time.RFC3339, req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", req.ID, err)
	}
	now := e.now().UTC()
	age := now.Sub(createdAt)

	var fired []domain.Escalation
	for _, so := range e.stageOffsets() {
		if age < so.Offset {
			break
		}
		if domain.IsTerminal(req.Status) {
			break
		}
		esc, firedNow, err := e.fireStage(ctx, &req, so.Stage, now)
		if err != nil {
			return fired, err
		}
		if firedNow {
			fired = append(fired, esc)
		}
	}
	return fired, nil
}

func (e Engine) fireStage(ctx context.Context, req *domain.Request, stage string, now time.Time) (domain.Escalation, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, false, err
	}
	defer tx.Rollback()

	esc := domain.Escalation{
		RequestID: req.ID,
		Stage:     stage,
		FiredAt:   now.Format(time.RFC3339),
	}
	inserted, err := e.Repo.InsertEscalation(ctx, tx, esc)
	if err != nil {
		return esc, false, err
	}
	if !inserted {
		// Already fired, by us or a concurrent reconciler.
		return esc, false, nil
	}
	if err := e.Events.Append(ctx, tx, "escalation."+stage, req.ID, "system", events.EventPayload{
		"stage": stage,
	}); err != nil {
		return esc, false, err
	}

	autoOutcome := ""
	if stage == domain.StageAutoAction {
		autoOutcome = domain.StatusRejected
		if e.Config.AutoProceeds(req.OperationType) {
			autoOutcome = domain.StatusExecuted
		}
		nowStr := now.Format(time.RFC3339)
		req.Status = autoOutcome
		req.UpdatedAt = nowStr
		req.DecidedAt = &nowStr
		if autoOutcome == domain.StatusExecuted {
			req.ExecutedAt = &nowStr
		}
		expected := req.Version
		if err := e.Repo.UpdateRequestCAS(ctx, tx, *req, expected); err != nil {
			// Someone decided the request while we were firing; the stage
			// record rolls back with the tx and a later reconcile re-reads.
			if errors.Is(err, repo.ErrVersionConflict) {
				return esc, false, nil
			}
			return esc, false, err
		}
		req.Version = expected + 1
		if err := e.Events.Append(ctx, tx, "request.auto."+autoOutcome, req.ID, "system", events.EventPayload{
			"reason":  "auto-action-timeout",
			"outcome": autoOutcome,
		}); err != nil {
			return esc, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return esc, false, err
	}

	// Reminder and urgent stages chase only the approvers who have not yet
	// decided. The auto-action notice goes to everyone plus the submitter.
	recipients := make([]string, 0, len(req.RequiredApprovals)+1)
	for role, principal := range req.RequiredApprovals {
		if stage != domain.StageAutoAction {
			if _, decided := decisionByRole(req.Approvals, role); decided {
				continue
			}
		}
		recipients = append(recipients, principal)
	}
	if stage == domain.StageAutoAction {
		recipients = append(recipients, req.Submitter)
	}
	e.notify(ctx, notify.Notification{
		Kind:       stage,
		RequestID:  req.ID,
		Recipients: recipients,
		Subject:    escalationSubject(stage, *req, autoOutcome),
	})
	return esc, true, nil
}

func escalationSubject(stage string, req domain.Request, autoOutcome string) string {
	switch stage {
	case domain.StageReminder:
		return fmt.Sprintf("reminder: request %s awaits your approval", req.ID)
	case domain.StageUrgent:
		return fmt.Sprintf("urgent: request %s still undecided", req.ID)
	case domain.StageAutoAction:
		return fmt.Sprintf("request %s auto-%s after approval timeout", req.ID, autoOutcome)
	}
	return fmt.Sprintf("request %s escalation %s", req.ID, stage)
}
