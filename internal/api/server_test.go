package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apimw "github.com/wavecall/wavecall/internal/api/middleware"
	"github.com/wavecall/wavecall/internal/call"
	"github.com/wavecall/wavecall/internal/config"
	"github.com/wavecall/wavecall/internal/gateway"
	"github.com/wavecall/wavecall/internal/notify"
	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

// capturingSender records pushes handed to the dispatcher.
type capturingSender struct {
	mu   sync.Mutex
	sent []notify.Payload
}

func (s *capturingSender) Send(ctx context.Context, token models.PushToken, payload notify.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

type testServer struct {
	*Server
	store  *store.Store
	db     *store.DB
	sender *capturingSender
}

// newTestServer wires a full handler over a temp SQLite store with a fake
// media gateway and push sender.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "wavecall.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	gwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/compose/submit") {
			w.Write([]byte(`{"status":true,"data":"job-1"}`))
			return
		}
		w.Write([]byte(`{"status":true,"data":{"token":"session-token"}}`))
	}))
	t.Cleanup(gwSrv.Close)

	gw := gateway.NewClient(gateway.Config{
		API:      gwSrv.URL,
		Gateways: []string{gwSrv.URL},
		Token:    "gw-secret",
	}, st.Groups)

	sender := &capturingSender{}
	orch := call.NewOrchestrator(st, gw, notify.NewDispatcher(sender, 4),
		notify.NewSIPNotifier("", ""), call.Config{PublicURL: "https://console.example.com"})

	cfg := &config.Config{
		PublicURL: "https://console.example.com",
		HookToken: "hook-secret",
	}

	srv := NewServer(st, orch, gw, cfg, testJWTSecret)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: st, db: db, sender: sender}
}

// addNumber seeds a directory entry with a hashed password.
func (ts *testServer) addNumber(t *testing.T, number, password string, mutate func(*models.PhoneNumber)) {
	t.Helper()

	n := models.PhoneNumber{Number: number, Name: "user " + number, State: models.PhoneNumberActive}
	if mutate != nil {
		mutate(&n)
	}
	hash, err := store.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	now := time.Now().UTC()
	_, err = ts.db.ExecContext(context.Background(),
		`INSERT INTO phone_numbers (number, name, password, avatar, sip_in, sip_out, alias_for, state, managed_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Number, n.Name, hash, n.Avatar, n.SIPIn, n.SIPOut, n.AliasFor, n.State, n.ManagedBy, now, now)
	if err != nil {
		t.Fatalf("seeding number %s: %v", number, err)
	}
	for _, gid := range n.GroupIDs {
		if _, err := ts.db.ExecContext(context.Background(),
			`INSERT INTO phone_number_groups (number, group_id) VALUES (?, ?)`, n.Number, gid); err != nil {
			t.Fatalf("seeding membership: %v", err)
		}
	}
}

// addDevice registers an active push token for a number.
func (ts *testServer) addDevice(t *testing.T, number, token string) {
	t.Helper()
	err := ts.store.PushTokens.Upsert(context.Background(), &models.PushToken{
		Token: token, Number: number, Platform: "apns", Active: true,
	})
	if err != nil {
		t.Fatalf("upserting token: %v", err)
	}
}

// authToken returns a valid bearer token for number.
func authToken(t *testing.T, number string) string {
	t.Helper()
	token, _, err := apimw.GenerateNumberToken(testJWTSecret, number)
	if err != nil {
		t.Fatalf("GenerateNumberToken() error: %v", err)
	}
	return token
}

// do performs a request against the handler and decodes the envelope.
func (ts *testServer) do(t *testing.T, method, path, bearer string, body string) (*httptest.ResponseRecorder, envelopeResult) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.9:51234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)

	var env envelopeResult
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

// envelopeResult mirrors the response envelope with raw data for re-decoding.
type envelopeResult struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (e envelopeResult) decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, dst); err != nil {
		t.Fatalf("decoding data %q: %v", string(e.Data), err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec, env := ts.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var data map[string]string
	env.decode(t, &data)
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/call/fetch_me"},
		{http.MethodGet, "/api/call/recents"},
		{http.MethodGet, "/api/rooms"},
	}
	for _, p := range paths {
		rec, _ := ts.do(t, p.method, p.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, rec.Code)
		}
	}

	rec, _ := ts.do(t, http.MethodGet, "/api/call/fetch_me", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}
}
