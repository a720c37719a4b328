package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"editorial/api/internal/config"
	"editorial/api/internal/guard"
	"editorial/api/internal/logging"
	"editorial/api/internal/store"
	"editorial/api/internal/tally"

	"github.com/sirupsen/logrus/hooks/test"
)

type pingFailStore struct {
	*store.MemoryStore
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

type httpEnv struct {
	*testEnv
	handler http.Handler
	hook    *test.Hook
}

func newHTTPEnv(t *testing.T, boards ...store.Board) *httpEnv {
	t.Helper()
	env := newTestEnv(t, boards...)
	logger, hook := test.NewNullLogger()
	return &httpEnv{testEnv: env, handler: NewHTTPServer(env.svc, logger).Handler(), hook: hook}
}

func (h *httpEnv) do(t *testing.T, method, target, userID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr, payload
}

func (h *httpEnv) expect(t *testing.T, method, target, userID string, body any, status int) map[string]any {
	t.Helper()
	rr, payload := h.do(t, method, target, userID, body)
	if rr.Code != status {
		t.Fatalf("%s %s: status %d, want %d (%s)", method, target, rr.Code, status, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPEnv(t)
	payload := h.expect(t, http.MethodGet, "/api/health", "", nil, http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload)
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	svc := New(config.Config{}, pingFailStore{store.NewMemoryStore()}, newFakeGit(), guard.NewLocalGuard(), nil, logging.Discard())
	logger, _ := test.NewNullLogger()
	handler := NewHTTPServer(svc, logger).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		OK     bool                      `json:"ok"`
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OK || payload.Status != "not_ready" || payload.Checks["database"]["status"] != "error" {
		t.Fatalf("unexpected readiness payload %+v", payload)
	}
}

func TestWriteRoutesRequireUserHeader(t *testing.T) {
	h := newHTTPEnv(t)
	payload := h.expect(t, http.MethodPost, "/api/publications", "", map[string]any{"title": "x"}, http.StatusUnauthorized)
	if payload["code"] != "UNAUTHENTICATED" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestUnknownBodyFieldsAreRejected(t *testing.T) {
	h := newHTTPEnv(t)
	h.expect(t, http.MethodPost, "/api/users", "", map[string]any{"id": "ana", "name": "Ana", "role": "admin"}, http.StatusBadRequest)
}

func TestRequestLoggingFields(t *testing.T) {
	h := newHTTPEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed")
	}
	entry := h.hook.LastEntry()
	if entry == nil {
		t.Fatalf("no request log entry")
	}
	if entry.Data["request_id"] != "req-42" || entry.Data["path"] != "/api/health" || entry.Data["status"] != http.StatusOK {
		t.Fatalf("unexpected log fields %v", entry.Data)
	}
	if _, ok := entry.Data["duration_ms"]; !ok {
		t.Fatalf("missing duration_ms")
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	h := newHTTPEnv(t, percentBoard("hgv", nil, 50, "hgv_meta"))
	for _, id := range []string{"ana", "m1", "m2", "m3"} {
		h.expect(t, http.MethodPost, "/api/users", "", map[string]any{"id": id, "name": id}, http.StatusCreated)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		h.expect(t, http.MethodPut, "/api/boards/hgv/members/"+id, "", nil, http.StatusOK)
	}
	board := h.expect(t, http.MethodGet, "/api/boards/hgv", "", nil, http.StatusOK)
	if members, _ := board["members"].([]any); len(members) != 3 {
		t.Fatalf("expected three members, got %v", board["members"])
	}

	pub := h.expect(t, http.MethodPost, "/api/publications", "ana", map[string]any{"title": "P.Oxy. 1 1"}, http.StatusCreated)
	pubID := pub["id"].(string)
	ident := h.expect(t, http.MethodPost, "/api/publications/"+pubID+"/identifiers", "ana", map[string]any{"type": "hgv_meta"}, http.StatusCreated)
	identID := ident["id"].(string)

	h.expect(t, http.MethodPut, "/api/identifiers/"+identID+"/content", "ana", map[string]any{"content": "<TEI>", "comment": ""}, http.StatusUnprocessableEntity)
	saved := h.expect(t, http.MethodPut, "/api/identifiers/"+identID+"/content", "ana", map[string]any{"content": sampleXML, "comment": "dated"}, http.StatusOK)
	if rev, _ := saved["revisionId"].(string); len(rev) != 40 {
		t.Fatalf("expected revision id, got %v", saved)
	}

	h.expect(t, http.MethodPost, "/api/publications/"+pubID+"/submit", "ana", map[string]any{"comment": "please review"}, http.StatusOK)
	view := h.expect(t, http.MethodGet, "/api/publications/"+pubID, "", nil, http.StatusOK)
	children := view["children"].([]any)
	if len(children) != 1 {
		t.Fatalf("expected one branch, got %d", len(children))
	}
	branchID := children[0].(map[string]any)["id"].(string)
	branchView := h.expect(t, http.MethodGet, "/api/publications/"+branchID, "", nil, http.StatusOK)
	branchIdentID := branchView["identifiers"].([]any)[0].(map[string]any)["id"].(string)

	votePath := "/api/publications/" + branchID + "/votes"
	h.expect(t, http.MethodPost, votePath, "ana", map[string]any{"identifierId": branchIdentID, "choice": "yes"}, http.StatusForbidden)
	first := h.expect(t, http.MethodPost, votePath, "m1", map[string]any{"identifierId": branchIdentID, "choice": "yes"}, http.StatusOK)
	if _, resolved := first["decision"]; resolved {
		t.Fatalf("first vote must not resolve")
	}
	second := h.expect(t, http.MethodPost, votePath, "m2", map[string]any{"identifierId": branchIdentID, "choice": "yes", "comment": "agreed"}, http.StatusOK)
	copied, ok := second["copy"].(map[string]any)
	if !ok || copied["status"] != "finalizing" || copied["owner"] != "user:m2" {
		t.Fatalf("expected finalizing copy for m2, got %v", second["copy"])
	}

	stale := h.expect(t, http.MethodPost, votePath, "m3", map[string]any{"identifierId": branchIdentID, "choice": "yes"}, http.StatusConflict)
	if stale["code"] != "STALE_VOTE" {
		t.Fatalf("expected STALE_VOTE, got %v", stale)
	}

	comments := h.expect(t, http.MethodGet, "/api/identifiers/"+branchIdentID+"/comments", "", nil, http.StatusOK)
	if got := len(comments["comments"].([]any)); got != 3 {
		t.Fatalf("expected commit, submit and vote comments along the chain, got %d", got)
	}
	history := h.expect(t, http.MethodGet, "/api/identifiers/"+branchIdentID+"/history", "", nil, http.StatusOK)
	if got := len(history["commits"].([]any)); got != 3 {
		t.Fatalf("expected three commits, got %d", got)
	}
	revision := h.expect(t, http.MethodGet, "/api/identifiers/"+branchIdentID+"/revisions/"+saved["revisionId"].(string), "", nil, http.StatusOK)
	if revision["content"] != sampleXML {
		t.Fatalf("expected saved content at revision, got %v", revision["content"])
	}
	h.expect(t, http.MethodGet, "/api/identifiers/"+branchIdentID+"/revisions/zz", "", nil, http.StatusUnprocessableEntity)
}

func TestBranchEndpointConflicts(t *testing.T) {
	h := newHTTPEnv(t)
	h.user(t, "ana")
	h.user(t, "ben")
	pub, _ := h.draft(t, "ana", "hgv_meta")

	path := fmt.Sprintf("/api/publications/%s/branches", pub.ID)
	h.expect(t, http.MethodPost, path, "ana", map[string]any{"owner": "ben"}, http.StatusUnprocessableEntity)
	h.expect(t, http.MethodPost, path, "ana", map[string]any{"owner": "user:ben"}, http.StatusCreated)
	payload := h.expect(t, http.MethodPost, path, "ana", map[string]any{"owner": "user:ben"}, http.StatusConflict)
	if payload["code"] != "BRANCH_EXISTS" {
		t.Fatalf("expected BRANCH_EXISTS, got %v", payload)
	}
	h.expect(t, http.MethodGet, "/api/publications/missing", "", nil, http.StatusNotFound)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{validationError("bad"), http.StatusUnprocessableEntity, "VALIDATION"},
		{notEligible("no"), http.StatusForbidden, "NOT_ELIGIBLE"},
		{closedForVoting("closed"), http.StatusConflict, "CLOSED_FOR_VOTING"},
		{staleVote("pub_1", "approve"), http.StatusConflict, "STALE_VOTE"},
		{branchExists("pub_1", "board:hgv"), http.StatusConflict, "BRANCH_EXISTS"},
		{branchInProgress("pub_1"), http.StatusConflict, "BRANCH_IN_PROGRESS"},
		{revisionStoreError("commit", errors.New("boom")), http.StatusBadGateway, "REVISION_STORE"},
		{fmt.Errorf("publication x: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: hgv", tally.ErrUnknownDecree), http.StatusUnprocessableEntity, "VALIDATION"},
		{errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: got %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
