package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casetrack/internal/config"
	"casetrack/internal/db"
	"casetrack/internal/domain"
	"casetrack/internal/engine"
	"casetrack/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, mutate func(*config.Config)) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e := engine.New(conn, cfg)
	if _, err := e.ImportCatalog(ctx, cfg, "tester"); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	if err := e.GrantRole(ctx, "tester", "owner", "tester"); err != nil {
		t.Fatalf("grant owner: %v", err)
	}
	return e
}

func newTestServer(t *testing.T, opts ...func(*AuthConfig)) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, nil)
	authCfg := AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
	}
	for _, opt := range opts {
		opt(&authCfg)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
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

var asTester = map[string]string{"X-Actor-Id": "tester"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createCase(t *testing.T, srv *testServer, caseType, subtype string) domain.Case {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"title":     "Cleaning services",
		"case_type": caseType,
		"subtype":   subtype,
	}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var c domain.Case
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func uploadArtifact(t *testing.T, srv *testServer, caseID, stageID string) ArtifactResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+caseID+"/artifacts", map[string]any{
		"stage_id":  stageID,
		"file_name": stageID + ".pdf",
	}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out ArtifactResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCase(t, srv, "direct-award", "")
	assert.Equal(t, domain.StatusOpen, c.Status)

	var last ArtifactResponse
	for _, stage := range []string{"da-requisition", "da-quotes", "da-justification", "da-order"} {
		last = uploadArtifact(t, srv, c.ID, stage)
	}
	assert.Equal(t, domain.StatusComplete, last.Case.Status)
	assert.Equal(t, 100, last.Case.CompletionPercentage)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/"+c.ID+"/progress", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p ProgressResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 100, p.Percentage)
	assert.Equal(t, 4, p.TotalCount)
	assert.Empty(t, p.Pending)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/"+c.ID+"/lifecycle", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history itemsResponse[domain.LifecycleEvent]
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history.Items, 1)
	assert.Equal(t, domain.ReasonAutoCompleted, history.Items[0].Reason)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/cases/"+c.ID+"/artifacts/"+last.Artifact.ID, nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var regressed domain.Case
	require.NoError(t, json.Unmarshal(data, &regressed))
	assert.Equal(t, domain.StatusOpen, regressed.Status)
	assert.Equal(t, 75, regressed.CompletionPercentage)
}

func TestProgressOfPartialCase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCase(t, srv, "direct-award", "")
	uploadArtifact(t, srv, c.ID, "da-quotes")
	uploadArtifact(t, srv, c.ID, "da-order")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/"+c.ID+"/progress", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p ProgressResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 50, p.Percentage)
	assert.Equal(t, 2, p.SatisfiedCount)
	assert.Equal(t, []string{"da-requisition", "da-justification"}, p.Pending)
	require.Len(t, p.Stages, 4)
	assert.Equal(t, "da-requisition", p.Stages[0].ID)
}

func TestRejectCase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCase(t, srv, "direct-award", "")
	rejectURL := srv.URL + "/v0/cases/" + c.ID + "/reject"

	res, data := doJSON(t, srv.Client(), http.MethodPost, rejectURL, map[string]any{"reason": "   "}, asTester)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, rejectURL, map[string]any{"reason": "budget withdrawn"}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rejected domain.Case
	require.NoError(t, json.Unmarshal(data, &rejected))
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	assert.Equal(t, "budget withdrawn", rejected.RejectionReason)

	res, data = doJSON(t, srv.Client(), http.MethodPost, rejectURL, map[string]any{"reason": "again"}, asTester)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/"+c.ID+"/progress", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var p ProgressResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 0, p.Percentage)
	assert.Equal(t, 0, p.TotalCount)
	assert.Empty(t, p.Stages)
}

func TestNotFoundAndValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/missing", nil, asTester)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)

	c := createCase(t, srv, "direct-award", "")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+c.ID+"/artifacts", map[string]any{"stage_id": "no-such-stage"}, asTester)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases?cursor=broken", nil, asTester)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestForbiddenWithoutRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{"case_type": "direct-award"}, map[string]string{"X-Actor-Id": "stranger"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	env := decodeError(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "case.create", env.Error.Details["permission"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rbac/grants", map[string]any{"actor_id": "stranger", "role_id": "capturist"}, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var access engine.ActorAccess
	require.NoError(t, json.Unmarshal(data, &access))
	assert.Contains(t, access.Roles, "capturist")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{"case_type": "direct-award"}, map[string]string{"X-Actor-Id": "stranger"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func withDevLogin(cfg *AuthConfig) { cfg.EnableDevLogin = true }

func devLogin(t *testing.T, srv *testServer, body map[string]any) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", body, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)
	return map[string]string{"Authorization": "Bearer " + login.Token}
}

func TestDevLoginTokenUsesStoredRoles(t *testing.T) {
	srv, cleanup := newTestServer(t, withDevLogin)
	defer cleanup()
	c := createCase(t, srv, "direct-award", "")

	bearer := devLogin(t, srv, map[string]any{"actor_id": "outsider"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "outsider", me.ActorID)
	assert.Empty(t, me.Roles)
	assert.Empty(t, me.Permissions)
	assert.Equal(t, "jwt", me.Source)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+c.ID+"/reject", map[string]any{"reason": "no access"}, bearer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "case.reject", decodeError(t, data).Error.Details["permission"])

	got, err := srv.Engine.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	evts, err := srv.Engine.ListLifecycleEvents(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, evts)

	require.NoError(t, srv.Engine.GrantRole(context.Background(), "outsider", "reviewer", "tester"))
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+c.ID+"/reject", map[string]any{"reason": "duplicate"}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestTokenClaimsDoNotGrantPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCase(t, srv, "direct-award", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         "outsider",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"roles":       []string{"owner"},
		"permissions": []string{"case.reject"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/"+c.ID+"/reject",
		map[string]any{"reason": "no access"}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "outsider"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "outsider"}, asTester)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListCasesPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		createCase(t, srv, "direct-award", "")
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases?limit=2", nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedCases
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	for _, c := range page.Items {
		seen[c.ID] = true
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/cases?limit=2&cursor=%s", srv.URL, url.QueryEscape(page.NextCursor)), nil, asTester)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedCases
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.False(t, seen[next.Items[0].ID])
}

func TestStagesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	fetch := func(query string) []domain.StageDefinition {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages"+query, nil, asTester)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var out itemsResponse[domain.StageDefinition]
		require.NoError(t, json.Unmarshal(data, &out))
		return out.Items
	}
	short := fetch("?case_type=open-tender&subtype=own-funds")
	long := fetch("?case_type=open-tender&subtype=open-tender_own-funds")
	assert.Equal(t, short, long)
	assert.Len(t, fetch("?case_type=direct-award"), 4)
	assert.Greater(t, len(fetch("")), 4)
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/cases/{id}/progress")
}
