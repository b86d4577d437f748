// Package notify is the outbound notification boundary. The engine hands it
// structured notifications; delivery (webhooks, chat bridges) lives behind
// the interface so decision logic never blocks on a transport.
package notify

import (
	"context"
	"log/slog"

	"govline/internal/domain"
)

// Notification is one message owed to a set of principals.
type Notification struct {
	Kind       string // approval-needed, reminder, urgent, auto-action, decided
	RequestID  string
	Recipients []string
	Subject    string
	Body       string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the structured log. The audit trail
// already records the triggering event; this is the default sink when no
// webhook is configured.
type LogDispatcher struct {
	Log *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification",
		"kind", n.Kind,
		"request_id", n.RequestID,
		"recipients", n.Recipients,
		"subject", n.Subject)
	return nil
}

// Fanout dispatches to every child and returns the first error after all
// have been attempted.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n Notification) error {
	var first error
	for _, d := range f {
		if err := d.Dispatch(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ApprovalNeeded builds the standard notification for a freshly created
// request.
func ApprovalNeeded(req domain.Request) Notification {
	var recipients []string
	for _, principal := range req.RequiredApprovals {
		recipients = append(recipients, principal)
	}
	return Notification{
		Kind:       "approval-needed",
		RequestID:  req.ID,
		Recipients: recipients,
		Subject:    "approval needed: " + req.OperationType + " on " + req.TargetAgent,
		Body:       req.Justification,
	}
}
