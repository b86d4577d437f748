package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/events"
	"govline/internal/migrate"
	"govline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertRequest(t *testing.T, r repo.Repo, id, target string, createdAt time.Time) domain.Request {
	t.Helper()
	ts := createdAt.UTC().Format(time.RFC3339)
	req := domain.Request{
		ID:                id,
		Kind:              domain.KindGovernance,
		OperationType:     "spawn",
		Scope:             "local",
		RiskLevel:         "low",
		TargetAgent:       target,
		Submitter:         "worker-1",
		SourceTeam:        "alpha",
		Justification:     "test",
		RequiredApprovals: map[string]string{domain.RoleSourceManager: "alice-mgr"},
		Status:            domain.StatusPending,
		Version:           1,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertRequest(context.Background(), tx, req); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return req
}

func TestGetRequestRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := insertRequest(t, r, "GR-20240101000000-aaaa0001", "agent-1", base)

	got, err := r.GetRequest(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != want.ID || got.Status != want.Status || got.CreatedAt != want.CreatedAt {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.RequiredApprovals[domain.RoleSourceManager] != "alice-mgr" {
		t.Fatalf("required approvals = %v", got.RequiredApprovals)
	}
	if got.TargetTeam != nil || got.PasswordHash != nil || got.DecidedAt != nil {
		t.Fatalf("nullable fields should be nil: %+v", got)
	}

	if _, err := r.GetRequest(context.Background(), "GR-missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasActiveRequest(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := insertRequest(t, r, "GR-20240101000000-aaaa0002", "agent-2", base)

	active, err := r.HasActiveRequest(ctx, "agent-2", "spawn")
	if err != nil || !active {
		t.Fatalf("active = %v err = %v", active, err)
	}
	if active, _ = r.HasActiveRequest(ctx, "agent-2", "terminate"); active {
		t.Fatal("different operation should not count")
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	req.Status = domain.StatusRejected
	if err := r.UpdateRequestCAS(ctx, tx, req, req.Version); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if active, _ = r.HasActiveRequest(ctx, "agent-2", "spawn"); active {
		t.Fatal("terminal request should not count as active")
	}
}

func TestActiveRequestUniqueIndex(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := insertRequest(t, r, "GR-20240101000000-aaaa0010", "agent-10", base)

	// a second active row for the same (target, operation) violates the
	// partial unique index even without the read-then-insert check
	dup := req
	dup.ID = "GR-20240101000001-aaaa0011"
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = r.InsertRequest(ctx, tx, dup)
	if err == nil {
		t.Fatal("expected unique violation for duplicate active pair")
	}
	if !repo.IsActivePairConflict(err) {
		t.Fatalf("conflict not recognized: %v", err)
	}
	tx.Rollback()

	// terminal rows free the slot
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	req.Status = domain.StatusRejected
	if err := r.UpdateRequestCAS(ctx, tx, req, req.Version); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	insertRequest(t, r, "GR-20240101000002-aaaa0012", "agent-10", base.Add(time.Minute))
}

func TestListRequestsCursorPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("GR-2024010100000%d-aaaa000%d", i, i)
		insertRequest(t, r, id, fmt.Sprintf("agent-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	first, err := r.ListRequests(ctx, repo.RequestFilters{Limit: 2, Now: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("page 1 size = %d", len(first))
	}
	// newest first
	if first[0].CreatedAt < first[1].CreatedAt {
		t.Fatalf("not descending: %s then %s", first[0].CreatedAt, first[1].CreatedAt)
	}

	last := first[len(first)-1]
	second, err := r.ListRequests(ctx, repo.RequestFilters{
		Limit:           10,
		Now:             base.Add(time.Hour),
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("page 2 size = %d", len(second))
	}
	for _, req := range second {
		if req.ID == first[0].ID || req.ID == first[1].ID {
			t.Fatalf("cursor returned already-seen request %s", req.ID)
		}
	}

	// min age filters out the newest rows
	aged, err := r.ListRequests(ctx, repo.RequestFilters{
		Limit:         10,
		Now:           base.Add(4 * time.Minute),
		MinAgeSeconds: 150,
	})
	if err != nil {
		t.Fatalf("list aged: %v", err)
	}
	if len(aged) != 2 {
		t.Fatalf("aged size = %d", len(aged))
	}
}

func TestInsertEscalationIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := insertRequest(t, r, "GR-20240101000000-aaaa0003", "agent-3", base)

	stamp := base.Add(61 * time.Second).Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	inserted, err := r.InsertEscalation(ctx, tx, domain.Escalation{RequestID: req.ID, Stage: domain.StageReminder, FiredAt: stamp})
	if err != nil || !inserted {
		t.Fatalf("first insert = %v err = %v", inserted, err)
	}
	inserted, err = r.InsertEscalation(ctx, tx, domain.Escalation{RequestID: req.ID, Stage: domain.StageReminder, FiredAt: stamp})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("same stage recorded twice")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	escs, err := r.ListEscalations(ctx, req.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(escs))
	}
}

func TestEventCursors(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := events.Writer{DB: r.DB, Now: func() time.Time { return now }}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := w.Append(ctx, tx, "request.created", fmt.Sprintf("GR-%d", i), "worker-1", events.EventPayload{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if latest == 0 {
		t.Fatal("expected events recorded")
	}

	after, err := r.EventsAfter(ctx, 10, latest-2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(after))
	}
	for _, evt := range after {
		if evt.ID <= latest-2 {
			t.Fatalf("event %d not after cursor", evt.ID)
		}
	}
}
