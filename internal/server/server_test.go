package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/treasury"
)

const testJWTSecret = "test-secret"

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), treasury.NewMemory())
	if err := e.InitLedger(context.Background(), "admin"); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			EnableDevLogin:         true,
			Logger:                 log.New(io.Discard, "", 0),
		},
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

func actorHeaders(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/streams", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/streams", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %q, want invalid_credentials", code)
	}
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/alice/deposit", map[string]any{
		"amount": 1000,
	}, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"worker":           "bob",
		"total_amount":     1000,
		"duration":         3600,
		"release_interval": 60,
	}, actorHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stream status %d: %s", res.StatusCode, string(data))
	}
	var created StreamResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal stream: %v", err)
	}
	if created.ID == 0 || created.Status != "active" {
		t.Fatalf("unexpected stream: %+v", created)
	}
	streamURL := srv.URL + "/v0/streams/" + itoa(created.ID)

	// interval has not elapsed yet
	res, data = doJSON(t, client, http.MethodPost, streamURL+"/release", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("early release status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "too_soon" {
		t.Fatalf("code = %q, want too_soon", code)
	}

	res, data = doJSON(t, client, http.MethodGet, streamURL, nil, actorHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stream status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, streamURL+"/cancel", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancelled StreamResponse
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatalf("unmarshal cancelled: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", cancelled.Status)
	}

	// cancel refunds the unreleased escrow
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/alice", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("account status %d: %s", res.StatusCode, string(data))
	}
	var account AccountResponse
	if err := json.Unmarshal(data, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if account.Balance != 1000 {
		t.Fatalf("balance = %d, want 1000 after full refund", account.Balance)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// unfunded payer
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"worker":           "bob",
		"total_amount":     500,
		"duration":         3600,
		"release_interval": 60,
	}, actorHeaders("alice"))
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_funds" {
		t.Fatalf("code = %q, want insufficient_funds", code)
	}

	// invalid stream parameters
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/streams", map[string]any{
		"worker":           "bob",
		"total_amount":     0,
		"duration":         3600,
		"release_interval": 60,
	}, actorHeaders("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code = %q, want bad_request", code)
	}

	// only the admin may grant recorder
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recorders", map[string]any{
		"principal": "rec",
	}, actorHeaders("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/streams/9999", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %q, want not_found", code)
	}
}

func TestUnknownAccountReadsZero(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/accounts/ghost", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var account AccountResponse
	if err := json.Unmarshal(data, &account); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if account.Principal != "ghost" || account.Balance != 0 {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/recorders", map[string]any{
		"principal": "rec",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add recorder status %d: %s", res.StatusCode, string(data))
	}

	// a token signed with the wrong key is rejected
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/recorders", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status %d: %s", res.StatusCode, string(data))
	}
}

func TestDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"principal": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login devLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/alice/deposit", map[string]any{
		"amount": 100,
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit via dev token status %d: %s", res.StatusCode, string(data))
	}
	var account AccountResponse
	if err := json.Unmarshal(data, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if account.Balance != 100 {
		t.Fatalf("balance = %d, want 100", account.Balance)
	}
}

func TestReputationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/recorders", map[string]any{
		"principal": "rec",
	}, actorHeaders("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add recorder status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reputation/bob/completions", map[string]any{
		"on_time": true,
		"rating":  5,
	}, actorHeaders("rec"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record completion status %d: %s", res.StatusCode, string(data))
	}
	var rep ReputationResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal reputation: %v", err)
	}
	if rep.Score != 106 {
		t.Fatalf("score = %d, want 106", rep.Score)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reputation/bob", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get reputation status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal reputation: %v", err)
	}
	if rep.TotalTasks != 1 || rep.CompletionRateBP != 10000 || rep.AverageRatingX100 != 500 {
		t.Fatalf("unexpected reputation: %+v", rep)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/alice/deposit", map[string]any{
			"amount": 10,
		}, actorHeaders("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("deposit %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next_cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) == 0 {
		t.Fatal("expected more events on second page")
	}
	for _, item := range next.Items {
		for _, prev := range page.Items {
			if item.ID == prev.ID {
				t.Fatalf("event %d repeated across pages", item.ID)
			}
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?kind=account.deposited", nil, actorHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events status %d: %s", res.StatusCode, string(data))
	}
	var filtered paginatedEvents
	if err := json.Unmarshal(data, &filtered); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(filtered.Items) != 3 {
		t.Fatalf("filtered items = %d, want 3", len(filtered.Items))
	}
	for _, item := range filtered.Items {
		if item.Kind != "account.deposited" {
			t.Fatalf("kind = %q, want account.deposited", item.Kind)
		}
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
