package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Admins = []string{"admin-1"}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func createTestDeal(t *testing.T, srv *testServer) DealResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"initiator_id": "brand-1",
		"fulfiller_id": "creator-2",
		"deliverables": "1 reel",
		"amount":       500,
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", res.StatusCode, string(data))
	}
	var deal DealResponse
	if err := json.Unmarshal(data, &deal); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	return deal
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deals", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", res.StatusCode)
	}
}

func TestDealLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	deal := createTestDeal(t, srv)
	if deal.Stage != "OFFER" {
		t.Fatalf("expected OFFER, got %s", deal.Stage)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage": "SIGNING",
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var moved DealResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Stage != "SIGNING" {
		t.Fatalf("expected SIGNING, got %s", moved.Stage)
	}

	// both signatures auto-advance
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage":    "SIGNING",
		"metadata": map[string]any{"initiator_signed": true},
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage":    "SIGNING",
		"metadata": map[string]any{"fulfiller_signed": true},
	}, asActor("creator-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("countersign status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &moved)
	if moved.Stage != "LOGISTICS" {
		t.Fatalf("expected auto-advance to LOGISTICS, got %s", moved.Stage)
	}

	// the conversation thread records each change
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/"+deal.ID+"/messages", nil, asActor("creator-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messages status %d: %s", res.StatusCode, string(data))
	}
	var msgs []MessageResponse
	_ = json.Unmarshal(data, &msgs)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 system messages, got %d", len(msgs))
	}

	// counterparty notifications accumulate and can be marked read
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications?unread=true", nil, asActor("creator-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d", res.StatusCode)
	}
	var notifs []NotificationResponse
	_ = json.Unmarshal(data, &notifs)
	if len(notifs) != 2 {
		t.Fatalf("expected 2 unread notifications, got %d", len(notifs))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+notifs[0].ID+"/read", nil, asActor("creator-2"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("mark read status %d", res.StatusCode)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	deal := createTestDeal(t, srv)

	// skipping stages -> 422 invalid_transition
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage": "REVIEW",
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", envelope.Error.Code)
	}

	// unknown stage -> 400 invalid_stage
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage": "WARP",
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_stage" {
		t.Fatalf("expected invalid_stage, got %s", envelope.Error.Code)
	}

	// metadata violations -> 422 invalid_metadata with the field list
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage":    "SIGNING",
		"metadata": map[string]any{"initiator_signed": "yes"},
	}, asActor("brand-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_metadata" {
		t.Fatalf("expected invalid_metadata, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["fields"] == nil {
		t.Fatalf("expected field details, got %v", envelope.Error.Details)
	}

	// stranger -> 403 forbidden
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/"+deal.ID, nil, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	// unknown deal -> 404 not_found
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/nope", nil, asActor("brand-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", envelope.Error.Code)
	}
}

func TestTerminateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	deal := createTestDeal(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/terminate", map[string]any{
		"reason": "changed plans",
	}, asActor("creator-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("terminate status %d: %s", res.StatusCode, string(data))
	}
	var ended DealResponse
	_ = json.Unmarshal(data, &ended)
	if ended.Stage != "CANCELLED" {
		t.Fatalf("expected CANCELLED, got %s", ended.Stage)
	}
	if ended.Cancellation == nil || ended.Cancellation.Reason != "changed plans" {
		t.Fatalf("expected cancellation details, got %+v", ended.Cancellation)
	}
}

func TestListDealsVisibility(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createTestDeal(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals", nil, asActor("creator-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var deals []DealResponse
	_ = json.Unmarshal(data, &deals)
	if len(deals) != 1 {
		t.Fatalf("expected 1 deal, got %d", len(deals))
	}

	// all=true is admin only
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals?all=true", nil, asActor("creator-2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin all listing, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals?all=true", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "brand-1",
		"name":     "ci",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("expected plaintext key in response: %v %s", err, string(data))
	}

	// the key authenticates as its actor
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"initiator_id": "brand-1",
		"fulfiller_id": "creator-2",
		"deliverables": "1 post",
		"amount":       100,
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create via api key status %d: %s", res.StatusCode, string(data))
	}

	// a bogus key is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}

	// non-admins cannot mint keys
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{"actor_id": "x"}, asActor("brand-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	deal := createTestDeal(t, srv)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/transition", map[string]any{
		"stage": "SIGNING",
	}, asActor("brand-1"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?deal_id="+deal.ID, nil, asActor("brand-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	_ = json.Unmarshal(data, &events)
	if len(events) != 2 {
		t.Fatalf("expected deal.created and deal.transitioned, got %d", len(events))
	}

	// non-admins cannot scan the whole log
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, asActor("brand-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
}
