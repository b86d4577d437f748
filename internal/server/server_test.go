package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/migrate"
	"govline/internal/repo"
	"govline/internal/server"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Client *http.Client
	now    *time.Time
}

func (ts *testServer) advance(d time.Duration) {
	*ts.now = ts.now.Add(d)
}

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) *testServer {
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

	cfg := config.Default("eng-test")
	cfg.Roster.Teams = map[string]config.TeamEntry{
		"alpha": {Manager: "alice-mgr", ChiefOfStaff: "amy-cos"},
		"beta":  {Manager: "bob-mgr", ChiefOfStaff: "ben-cos"},
	}
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		Client: &http.Client{Timeout: 5 * time.Second},
		now:    &now,
	}
}

func doJSON(t *testing.T, ts *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, raw []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", raw, err)
	}
	return env
}

func decodeRequest(t *testing.T, raw []byte) server.RequestResponse {
	t.Helper()
	var out server.RequestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode request %s: %v", raw, err)
	}
	return out
}

func createBody(op, risk, target string) map[string]any {
	return map[string]any{
		"operation_type": op,
		"risk_level":     risk,
		"target_agent":   target,
		"source_team":    "alpha",
		"justification":  "test flow",
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := doJSON(t, ts, http.MethodGet, "/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, raw)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-1"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestRequestLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-1"), asActor("worker-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, raw)
	}
	req := decodeRequest(t, raw)
	if req.Status != domain.StatusPending {
		t.Fatalf("status = %s", req.Status)
	}
	if req.RequiredApprovals[domain.RoleSourceManager] != "alice-mgr" {
		t.Fatalf("required_approvals = %v", req.RequiredApprovals)
	}
	if req.Submitter != "worker-1" {
		t.Fatalf("submitter = %s, want the authenticated actor", req.Submitter)
	}

	// same agent and operation while active
	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-1"), asActor("worker-2"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "duplicate_active_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/approvals",
		map[string]any{"decision": "approve", "comment": "lgtm"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, raw)
	}
	if got := decodeRequest(t, raw); got.Status != domain.StatusDualApproved {
		t.Fatalf("status after approve = %s", got.Status)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/execute", nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.StatusCode, raw)
	}
	got := decodeRequest(t, raw)
	if got.Status != domain.StatusExecuted || got.ExecutedAt == nil {
		t.Fatalf("status after execute = %s", got.Status)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, "/v1/requests/"+req.ID, nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, raw)
	}
	if got := decodeRequest(t, raw); got.Status != domain.StatusExecuted {
		t.Fatalf("persisted status = %s", got.Status)
	}
}

func TestApprovalErrors(t *testing.T) {
	ts := newTestServer(t)
	_, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-2"), asActor("worker-1"))
	req := decodeRequest(t, raw)

	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/approvals",
		map[string]any{"decision": "approve"}, asActor("stranger"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unknown approver: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "unknown_approver" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/GR-00000000000000-deadbeef/approvals",
		map[string]any{"decision": "approve"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing request: %d %s", resp.StatusCode, raw)
	}
}

func TestPasswordFlow(t *testing.T) {
	ts := newTestServer(t)
	body := createBody("critical-operation", "critical", "agent-3")
	body["scope"] = "cross-team"
	body["target_team"] = "beta"
	body["rollback_plan"] = "restore backup"

	// critical risk without a password is refused up front
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", body, asActor("worker-1"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("create without password: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "password_required" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	body["governance_password"] = "open-sesame"
	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests", body, asActor("worker-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create critical: %d %s", resp.StatusCode, raw)
	}
	req := decodeRequest(t, raw)
	if req.PasswordVerified {
		t.Fatal("password should not be verified at creation")
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/approvals",
		map[string]any{"decision": "approve"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("approve without password: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "password_required" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/password",
		map[string]any{"governance_password": "wrong"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong password: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "invalid_password" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/password",
		map[string]any{"governance_password": "open-sesame"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify password: %d %s", resp.StatusCode, raw)
	}
	if got := decodeRequest(t, raw); !got.PasswordVerified {
		t.Fatal("password_verified not set")
	}

	resp, raw = doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/approvals",
		map[string]any{"decision": "approve"}, asActor("alice-mgr"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve after verify: %d %s", resp.StatusCode, raw)
	}
}

func TestJWTAuth(t *testing.T) {
	ts := newTestServer(t)
	_, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-4"), asActor("worker-1"))
	req := decodeRequest(t, raw)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice-mgr"}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests/"+req.ID+"/approvals",
		map[string]any{"decision": "approve"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt approve: %d %s", resp.StatusCode, raw)
	}
	if got := decodeRequest(t, raw); got.Status != domain.StatusDualApproved {
		t.Fatalf("status = %s", got.Status)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, "/v1/status", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	rawKey := "gvk-123456"
	if err := ts.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "worker-9",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(rawKey),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-5"),
		map[string]string{"X-Api-Key": rawKey})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("api key create: %d %s", resp.StatusCode, raw)
	}
	if req := decodeRequest(t, raw); req.Submitter != "worker-9" {
		t.Fatalf("submitter = %s, want key's actor", req.Submitter)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, "/v1/status", nil,
		map[string]string{"X-Api-Key": "unknown-key"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown key: %d %s", resp.StatusCode, raw)
	}
}

func TestListRequestsAndEvents(t *testing.T) {
	ts := newTestServer(t)
	_, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("spawn", "low", "agent-6"), asActor("worker-1"))
	req := decodeRequest(t, raw)
	doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("terminate", "low", "agent-7"), asActor("worker-1"))

	resp, raw := doJSON(t, ts, http.MethodGet, "/v1/requests?status=pending", nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, raw)
	}
	var list struct {
		Requests []server.RequestResponse `json:"requests"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Requests) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list.Requests))
	}

	resp, raw = doJSON(t, ts, http.MethodGet, "/v1/events?request_id="+req.ID, nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, raw)
	}
	var events struct {
		Events []server.EventResponse `json:"events"`
	}
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	found := false
	for _, evt := range events.Events {
		if evt.Type == "request.created" {
			found = true
		}
	}
	if !found {
		t.Fatalf("request.created missing from %v", events.Events)
	}
}

func TestEscalationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, raw := doJSON(t, ts, http.MethodPost, "/v1/requests", createBody("terminate", "low", "agent-8"), asActor("worker-1"))
	req := decodeRequest(t, raw)

	ts.advance(121 * time.Second)
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/escalations/run", nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run escalations: %d %s", resp.StatusCode, raw)
	}
	var run struct {
		Fired []server.EscalationResponse `json:"fired"`
	}
	if err := json.Unmarshal(raw, &run); err != nil {
		t.Fatalf("decode fired: %v", err)
	}
	if len(run.Fired) != 3 {
		t.Fatalf("expected 3 stages, got %d: %s", len(run.Fired), raw)
	}

	resp, raw = doJSON(t, ts, http.MethodGet, "/v1/requests/"+req.ID+"/escalations", nil, asActor("worker-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list escalations: %d %s", resp.StatusCode, raw)
	}
	var list struct {
		Escalations []server.EscalationResponse `json:"escalations"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode escalations: %v", err)
	}
	if len(list.Escalations) != 3 {
		t.Fatalf("expected 3 stages recorded, got %d", len(list.Escalations))
	}
	if last := list.Escalations[len(list.Escalations)-1]; last.Stage != domain.StageAutoAction {
		t.Fatalf("last stage = %s", last.Stage)
	}

	// terminate does not auto-proceed, so the timeout rejects it
	_, raw = doJSON(t, ts, http.MethodGet, "/v1/requests/"+req.ID, nil, asActor("worker-1"))
	if got := decodeRequest(t, raw); got.Status != domain.StatusRejected {
		t.Fatalf("status after auto action = %s", got.Status)
	}
}

func TestRateLimitOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	max := ts.Engine.Config.RateLimit.MaxCreates
	for i := 0; i < max; i++ {
		resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests",
			createBody("spawn", "low", fmt.Sprintf("agent-rl-%d", i)), asActor("busy-worker"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: %d %s", i, resp.StatusCode, raw)
		}
	}
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests",
		createBody("spawn", "low", "agent-rl-extra"), asActor("busy-worker"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", resp.StatusCode, raw)
	}
	env := decodeError(t, raw)
	if env.Error.Code != "rate_limited" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if _, ok := env.Error.Details["retry_after_seconds"]; !ok {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestValidationErrorsAreBadRequest(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := doJSON(t, ts, http.MethodPost, "/v1/requests",
		map[string]any{"risk_level": "low"}, asActor("worker-1"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, raw)
	}
	if env := decodeError(t, raw); env.Error.Code != "bad_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}
