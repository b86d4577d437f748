package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"govline/internal/config"
	"govline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals a lost optimistic-concurrency race; callers
// reload the request and retry.
var ErrVersionConflict = errors.New("request version conflict")

const requestColumns = `id,kind,operation_type,scope,risk_level,target_agent,submitter,source_team,target_team,justification,rollback_plan,password_hash,password_checked_at,required_approvals_json,waived,status,version,created_at,updated_at,decided_at,executed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var r domain.Request
	var targetTeam, passwordHash, passwordChecked, decidedAt, executedAt sql.NullString
	var requiredJSON string
	var waived int
	err := row.Scan(&r.ID, &r.Kind, &r.OperationType, &r.Scope, &r.RiskLevel, &r.TargetAgent, &r.Submitter,
		&r.SourceTeam, &targetTeam, &r.Justification, &r.RollbackPlan, &passwordHash, &passwordChecked,
		&requiredJSON, &waived, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt, &decidedAt, &executedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if targetTeam.Valid {
		r.TargetTeam = &targetTeam.String
	}
	if passwordHash.Valid {
		r.PasswordHash = &passwordHash.String
	}
	if passwordChecked.Valid {
		r.PasswordCheckedAt = &passwordChecked.String
	}
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.String
	}
	if executedAt.Valid {
		r.ExecutedAt = &executedAt.String
	}
	r.Waived = waived != 0
	if err := json.Unmarshal([]byte(requiredJSON), &r.RequiredApprovals); err != nil {
		return r, fmt.Errorf("decode required approvals for %s: %w", r.ID, err)
	}
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	requiredJSON, err := json.Marshal(req.RequiredApprovals)
	if err != nil {
		return fmt.Errorf("encode required approvals: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Kind, req.OperationType, req.Scope, req.RiskLevel, req.TargetAgent, req.Submitter,
		req.SourceTeam, nullableStringPtr(req.TargetTeam), req.Justification, req.RollbackPlan,
		nullableStringPtr(req.PasswordHash), nullableStringPtr(req.PasswordCheckedAt),
		string(requiredJSON), boolInt(req.Waived), req.Status, req.Version,
		req.CreatedAt, req.UpdatedAt, nullableStringPtr(req.DecidedAt), nullableStringPtr(req.ExecutedAt))
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	req, err := scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	req.Approvals, err = r.ListApprovals(ctx, req.ID)
	return req, err
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	req.Approvals, err = r.listApprovalsTx(ctx, tx, req.ID)
	return req, err
}

// HasActiveRequest reports whether a non-terminal request already exists for
// the same target agent and operation type.
func (r Repo) HasActiveRequest(ctx context.Context, targetAgent, operationType string) (bool, error) {
	return hasActiveRequest(r.DB.QueryRowContext(ctx, activeRequestQuery,
		targetAgent, operationType, domain.StatusExecuted, domain.StatusRejected))
}

// HasActiveRequestTx is HasActiveRequest inside a transaction, so the check
// and the insert that follows see the same snapshot.
func (r Repo) HasActiveRequestTx(ctx context.Context, tx *sql.Tx, targetAgent, operationType string) (bool, error) {
	return hasActiveRequest(tx.QueryRowContext(ctx, activeRequestQuery,
		targetAgent, operationType, domain.StatusExecuted, domain.StatusRejected))
}

const activeRequestQuery = `SELECT 1 FROM requests WHERE target_agent=? AND operation_type=? AND status NOT IN (?,?) LIMIT 1`

func hasActiveRequest(row *sql.Row) (bool, error) {
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsActivePairConflict reports whether err is the unique-index violation from
// idx_requests_active_pair, the schema-level backstop behind HasActiveRequestTx.
func IsActivePairConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "requests.target_agent")
}

// UpdateRequestCAS writes the mutable request fields guarded by the version
// column. The write succeeds only if the stored version still matches
// expectedVersion; otherwise ErrVersionConflict is returned and nothing is
// changed.
func (r Repo) UpdateRequestCAS(ctx context.Context, tx *sql.Tx, req domain.Request, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, password_checked_at=?, updated_at=?, decided_at=?, executed_at=?, version=version+1
WHERE id=? AND version=?`,
		req.Status, nullableStringPtr(req.PasswordCheckedAt), req.UpdatedAt,
		nullableStringPtr(req.DecidedAt), nullableStringPtr(req.ExecutedAt),
		req.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

type RequestFilters struct {
	Status          string
	MinAgeSeconds   int
	Now             time.Time
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.MinAgeSeconds > 0 {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		cutoff := now.UTC().Add(-time.Duration(f.MinAgeSeconds) * time.Second).Format(time.RFC3339)
		clauses = append(clauses, "created_at <= ?")
		args = append(args, cutoff)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Approvals, err = r.ListApprovals(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListActiveRequests returns every non-terminal request, oldest first. Used
// by batch escalation reconciliation.
func (r Repo) ListActiveRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE status NOT IN (?,?) ORDER BY created_at ASC, id ASC`,
		domain.StatusExecuted, domain.StatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Approvals, err = r.ListApprovals(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(request_id,role,decision,actor_id,comment,created_at) VALUES (?,?,?,?,?,?)`,
		a.RequestID, a.Role, a.Decision, a.ActorID, nullable(a.Comment), a.CreatedAt)
	return err
}

func (r Repo) ListApprovals(ctx context.Context, requestID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,role,decision,actor_id,COALESCE(comment,''),created_at FROM approvals WHERE request_id=? ORDER BY created_at ASC, role ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (r Repo) listApprovalsTx(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Approval, error) {
	rows, err := tx.QueryContext(ctx, `SELECT request_id,role,decision,actor_id,COALESCE(comment,''),created_at FROM approvals WHERE request_id=? ORDER BY created_at ASC, role ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows *sql.Rows) ([]domain.Approval, error) {
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.RequestID, &a.Role, &a.Decision, &a.ActorID, &a.Comment, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertEscalation records a fired stage. The (request_id, stage) primary key
// makes the insert idempotent: re-firing an already-fired stage reports
// inserted=false and changes nothing.
func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO escalations(request_id,stage,fired_at) VALUES (?,?,?)`,
		e.RequestID, e.Stage, e.FiredAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) ListEscalations(ctx context.Context, requestID string) ([]domain.Escalation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,stage,fired_at FROM escalations WHERE request_id=? ORDER BY fired_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		var e domain.Escalation
		if err := rows.Scan(&e.RequestID, &e.Stage, &e.FiredAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, requestID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, requestID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, requestID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(request_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(request_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) UpsertEngineConfig(ctx context.Context, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, engineID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, engineID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, engineID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Engine.ID = engineID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_configs(engine_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(engine_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, engineID, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, engineID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_configs WHERE engine_id=?`, engineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.ID == "" {
		cfg.Engine.ID = engineID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
