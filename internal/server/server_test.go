package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"opsync/internal/config"
	"opsync/internal/db"
	"opsync/internal/docstore"
	"opsync/internal/domain"
	"opsync/internal/engine"
	"opsync/internal/identity"
	"opsync/internal/migrate"
	"opsync/internal/stream"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	Store  *docstore.SQLStore
	Stream *stream.Multiplexer
	Clock  *clock
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := docstore.NewSQLStore(conn)
	cfg := config.Default()

	ctx, cancel := context.WithCancel(context.Background())
	mux := stream.New(store, domain.DefaultOperationConfig(cfg.Operation.DefaultMapURL), nil)
	if err := mux.Start(ctx); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if err := mux.WaitLoaded(ctx); err != nil {
		t.Fatalf("wait loaded: %v", err)
	}
	tokens, err := identity.NewJWTProvider("test-secret")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	e, err := engine.New(store, mux, tokens, cfg, "admin123")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e.Now = clk.Now

	handler, err := New(Config{Engine: e, Stream: mux, Tokens: tokens, Changes: store.Events, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		Stream: mux,
		Clock:  clk,
		client: &http.Client{},
		close: func() {
			srv.Close()
			cancel()
			<-mux.Done()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", v, err, string(data))
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func (s *testServer) loginAdmin(t *testing.T) string {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/auth/login", LoginRequest{Admin: true, Password: "admin123"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin login status %d: %s", res.StatusCode, string(data))
	}
	return decode[LoginResponse](t, data).Token
}

func (s *testServer) loginOperator(t *testing.T, callsign string) LoginResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/auth/login", LoginRequest{Callsign: callsign}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("operator login status %d: %s", res.StatusCode, string(data))
	}
	return decode[LoginResponse](t, data)
}

func (s *testServer) waitState(t *testing.T, what string, cond func(domain.OperationState) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.Stream.Snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *testServer) createMission(t *testing.T, admin, parentID string) domain.Mission {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/missions", CreateMissionRequest{ParentID: parentID}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create mission status %d: %s", res.StatusCode, string(data))
	}
	m := decode[domain.Mission](t, data)
	s.waitState(t, "mission "+m.ID, func(st domain.OperationState) bool {
		_, ok := st.Mission(m.ID)
		return ok
	})
	return m
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/state", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAdminLoginRejectsWrongPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", LoginRequest{Admin: true, Password: "nope"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}
}

func TestOperatorLoginAndState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	login := srv.loginOperator(t, " ghost ")
	if login.Role != string(identity.RoleOperator) || login.Operator == nil {
		t.Fatalf("unexpected login response: %+v", login)
	}
	if login.Operator.Callsign != "GHOST" || login.DeviceToken == "" {
		t.Fatalf("expected normalized callsign and device token, got %+v", login)
	}
	srv.waitState(t, "operator in roster", func(s domain.OperationState) bool {
		_, ok := s.Operator(login.Operator.ID)
		return ok
	})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/state", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state status %d: %s", res.StatusCode, string(data))
	}
	state := decode[domain.OperationState](t, data)
	if state.Name != domain.DefaultOperationName || len(state.Operators) != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}

	// The same device resumes the same operator.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", LoginRequest{Callsign: "GHOST", DeviceToken: login.DeviceToken}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d: %s", res.StatusCode, string(data))
	}
	if again := decode[LoginResponse](t, data); again.Operator.ID != login.Operator.ID {
		t.Fatalf("expected resumed operator %s, got %s", login.Operator.ID, again.Operator.ID)
	}

	// Another device may not take the callsign.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", LoginRequest{Callsign: "ghost"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "callsign_conflict" {
		t.Fatalf("expected callsign_conflict, got %s", code)
	}
}

func TestShortCallsignRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", LoginRequest{Callsign: "ab"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_callsign" {
		t.Fatalf("expected invalid_callsign, got %s", code)
	}
}

func TestValidateMissionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	m := srv.createMission(t, admin, "")
	op := srv.loginOperator(t, "VIPER")
	url := srv.URL + "/v1/missions/" + m.ID + "/validate"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, ValidateMissionRequest{Code: m.ValidationCode}, bearer(op.Token))
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 during cooldown, got %d: %s", res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "validation_cooldown" || env.Error.Details["remaining_minutes"] != float64(5) {
		t.Fatalf("unexpected cooldown error: %+v", env.Error)
	}

	srv.Clock.Advance(5 * time.Minute)
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, ValidateMissionRequest{Code: "code-0000"}, bearer(op.Token))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_code" {
		t.Fatalf("expected invalid_code, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, ValidateMissionRequest{Code: strings.ToLower(m.ValidationCode)}, bearer(op.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	got := decode[domain.Operator](t, data)
	if got.Score != m.Points || !got.HasCompleted(m.ID) {
		t.Fatalf("unexpected operator after validation: %+v", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, ValidateMissionRequest{Code: m.ValidationCode}, bearer(op.Token))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "mission_already_completed" {
		t.Fatalf("expected replay conflict, got %d: %s", res.StatusCode, string(data))
	}

	status := "OFFLINE"
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/operators/me", UpdateMeRequest{Status: &status}, bearer(op.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update me status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[domain.Operator](t, data); me.Score != m.Points || !me.HasCompleted(m.ID) {
		t.Fatalf("self update must keep score and completions: %+v", me)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, ValidateMissionRequest{Code: m.ValidationCode}, bearer(admin))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected admin validation to be denied, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRemovedOperatorSessionInvalidated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	op := srv.loginOperator(t, "RAVEN")
	srv.waitState(t, "operator in roster", func(s domain.OperationState) bool {
		_, ok := s.Operator(op.Operator.ID)
		return ok
	})

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/operators/"+op.Operator.ID, nil, bearer(admin))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status %d: %s", res.StatusCode, string(data))
	}
	srv.waitState(t, "operator removed", func(s domain.OperationState) bool {
		_, ok := s.Operator(op.Operator.ID)
		return !ok
	})

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/operators/me", nil, bearer(op.Token))
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "session_invalidated" {
		t.Fatalf("expected session_invalidated, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOperatorRoutesRequireAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := srv.loginOperator(t, "HAWK")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/missions", CreateMissionRequest{}, bearer(op.Token))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "access_denied" {
		t.Fatalf("expected access_denied, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/changes", nil, bearer(op.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for changes, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUpdateMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	op := srv.loginOperator(t, "WOLF")
	srv.waitState(t, "operator in roster", func(s domain.OperationState) bool {
		_, ok := s.Operator(op.Operator.ID)
		return ok
	})
	callsign := "lone wolf"
	status := "KIA"
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/operators/me", UpdateMeRequest{Callsign: &callsign, Status: &status}, bearer(op.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update me status %d: %s", res.StatusCode, string(data))
	}
	got := decode[domain.Operator](t, data)
	if got.Callsign != "LONE WOLF" || got.Status != domain.OperatorKIA {
		t.Fatalf("unexpected operator: %+v", got)
	}
}

func TestCascadeDeleteMission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	parent := srv.createMission(t, admin, "")
	child := srv.createMission(t, admin, parent.ID)
	if child.Type != domain.MissionSecondary || child.Parent() != parent.ID {
		t.Fatalf("unexpected child: %+v", child)
	}

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/missions/"+parent.ID, nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[DeleteMissionResponse](t, data); got.Deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", got.Deleted)
	}
	srv.waitState(t, "missions cleared", func(s domain.OperationState) bool { return len(s.Missions) == 0 })

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/missions/"+parent.ID, nil, bearer(admin))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted mission, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEditMissionRejectsOrphanSecondary(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	m := srv.createMission(t, admin, "")
	req := UpdateMissionRequest{
		Title:          "HOLD THE BRIDGE",
		Description:    "Keep it.",
		Type:           string(domain.MissionSecondary),
		Status:         string(domain.MissionActive),
		Points:         40,
		ValidationCode: "CODE-4242",
		Duration:       30,
	}
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/missions/"+m.ID, req, bearer(admin))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "mission_integrity" {
		t.Fatalf("expected mission_integrity, got %d: %s", res.StatusCode, string(data))
	}

	req.Type = string(domain.MissionPrimary)
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/missions/"+m.ID, req, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Mission](t, data); got.Title != "HOLD THE BRIDGE" || got.Points != 40 {
		t.Fatalf("unexpected mission: %+v", got)
	}
}

func TestOperationPatchAndScore(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	name := "NIGHT RAID"
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/operation", UpdateOperationRequest{Name: &name}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.OperationConfig](t, data); got.Name != name || got.Description != domain.DefaultOperationDescription {
		t.Fatalf("unexpected config: %+v", got)
	}
	srv.waitState(t, "renamed operation", func(s domain.OperationState) bool { return s.Name == name })

	op := srv.loginOperator(t, "FALCON")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operators/"+op.Operator.ID+"/score", AdjustScoreRequest{Delta: 1500}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score status %d: %s", res.StatusCode, string(data))
	}
	got := decode[domain.Operator](t, data)
	if got.Score != 1500 || got.Rank != domain.RankFor(1500) {
		t.Fatalf("unexpected operator: %+v", got)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/operators/"+op.Operator.ID+"/score", AdjustScoreRequest{Delta: -9999}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Operator](t, data); got.Score != 0 {
		t.Fatalf("expected score floored at 0, got %d", got.Score)
	}
}

func TestResetSteps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	srv.createMission(t, admin, "")
	op := srv.loginOperator(t, "DELTA")
	srv.waitState(t, "operator in roster", func(s domain.OperationState) bool {
		_, ok := s.Operator(op.Operator.ID)
		return ok
	})
	post := func(step string) (*http.Response, []byte) {
		return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reset", ResetRequest{Step: step}, bearer(admin))
	}

	res, data := post("confirm")
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "reset_not_armed" {
		t.Fatalf("expected reset_not_armed, got %d: %s", res.StatusCode, string(data))
	}
	for _, want := range []struct{ step, phase string }{
		{"begin", string(engine.ResetConfirmStep1)},
		{"abort", string(engine.ResetNone)},
		{"begin", string(engine.ResetConfirmStep1)},
		{"confirm", string(engine.ResetConfirmStep2)},
		{"confirm", string(engine.ResetNone)},
	} {
		res, data := post(want.step)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", want.step, res.StatusCode, string(data))
		}
		if got := decode[ResetResponse](t, data); got.Phase != want.phase {
			t.Fatalf("%s: expected phase %s, got %s", want.step, want.phase, got.Phase)
		}
	}
	srv.waitState(t, "reset applied", func(s domain.OperationState) bool {
		return len(s.Operators) == 0 && s.Description == domain.ResetDescription
	})

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reset", ResetRequest{Step: "begin"}, bearer(op.Token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected removed operator to be rejected, got %d: %s", res.StatusCode, string(data))
	}
}

func TestChangesPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)
	for i := 0; i < 3; i++ {
		srv.createMission(t, admin, "")
	}
	srv.loginOperator(t, "ECHO")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/changes?collection=missions&limit=2", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changes status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedChanges](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", page)
	}
	for _, c := range page.Items {
		if c.Collection != domain.CollectionMissions {
			t.Fatalf("unexpected collection %s", c.Collection)
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/changes?collection=missions&limit=2&cursor="+page.NextCursor, nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("changes status %d: %s", res.StatusCode, string(data))
	}
	next := decode[paginatedChanges](t, data)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected last page of one, got %+v", next)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/changes?cursor=abc", nil, bearer(admin))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStateStream(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := srv.loginAdmin(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/state/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var state domain.OperationState
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &state); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if !state.Loaded || state.Name != domain.DefaultOperationName {
			t.Fatalf("unexpected first snapshot: %+v", state)
		}
		return
	}
	t.Fatalf("stream ended without data: %v", scanner.Err())
}
