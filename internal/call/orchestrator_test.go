package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wavecall/wavecall/internal/gateway"
	"github.com/wavecall/wavecall/internal/notify"
	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// fakeSender records every push it is asked to deliver.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentPush
	fail map[string]error
}

type sentPush struct {
	Token   string
	Payload notify.Payload
}

func (f *fakeSender) Send(ctx context.Context, token models.PushToken, payload notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[token.Token]; ok {
		return err
	}
	f.sent = append(f.sent, sentPush{Token: token.Token, Payload: payload})
	return nil
}

func (f *fakeSender) pushes(typ string) []sentPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPush
	for _, p := range f.sent {
		if p.Payload.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

// newGatewayServer fakes the media gateway control plane: every session
// request succeeds and compose submissions return a fixed job id.
func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/compose/submit") {
			w.Write([]byte(`{"status":true,"data":"job-1"}`))
			return
		}
		w.Write([]byte(`{"status":true,"data":{"token":"session-token"}}`))
	}))
}

type testEnv struct {
	store  *store.Store
	db     *store.DB
	orch   *Orchestrator
	sender *fakeSender
	sipLog *sipRecorder
}

// sipRecorder captures make_call requests to the fake SIP bridge.
type sipRecorder struct {
	mu    sync.Mutex
	calls []sipCall
}

type sipCall struct {
	Dest    string
	Payload notify.Payload
}

func (r *sipRecorder) record(dest string, payload notify.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sipCall{Dest: dest, Payload: payload})
}

func (r *sipRecorder) all() []sipCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sipCall(nil), r.calls...)
}

// newTestEnv wires an orchestrator over a temp SQLite store, a fake gateway,
// a fake push sender and (optionally) a fake SIP bridge.
func newTestEnv(t *testing.T, withSIP bool, cfg Config) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "wavecall.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	gwSrv := newGatewayServer(t)
	t.Cleanup(gwSrv.Close)
	gw := gateway.NewClient(gateway.Config{
		API:      gwSrv.URL,
		Gateways: []string{gwSrv.URL},
		Token:    "gw-secret",
	}, st.Groups)

	sender := &fakeSender{fail: map[string]error{}}
	dispatcher := notify.NewDispatcher(sender, 4)

	sipLog := &sipRecorder{}
	sipURL := ""
	if withSIP {
		sipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// POST /call/{dest}/make_call
			parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
			var payload notify.Payload
			json.NewDecoder(r.Body).Decode(&payload)
			if len(parts) == 3 {
				sipLog.record(parts[1], payload)
			}
			w.Write([]byte(`{"ok":true}`))
		}))
		t.Cleanup(sipSrv.Close)
		sipURL = sipSrv.URL
	}
	sip := notify.NewSIPNotifier(sipURL, "sip-token")

	if cfg.PublicURL == "" {
		cfg.PublicURL = "https://console.example.com"
	}
	orch := NewOrchestrator(st, gw, dispatcher, sip, cfg)

	return &testEnv{store: st, db: db, orch: orch, sender: sender, sipLog: sipLog}
}

// addNumber inserts a directory entry and optional push tokens.
func (e *testEnv) addNumber(t *testing.T, number string, sipIn, sipOut bool, aliasFor *string, tokens ...string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := e.db.ExecContext(context.Background(),
		`INSERT INTO phone_numbers (number, name, password, avatar, sip_in, sip_out, alias_for, state, managed_by, created_at, updated_at)
		 VALUES (?, ?, '', '', ?, ?, ?, 'ACTIVE', NULL, ?, ?)`,
		number, "user "+number, sipIn, sipOut, aliasFor, now, now)
	if err != nil {
		t.Fatalf("inserting number %s: %v", number, err)
	}
	for _, tok := range tokens {
		err := e.store.PushTokens.Upsert(context.Background(), &models.PushToken{
			Token: tok, Number: number, Platform: "apns", Active: true,
		})
		if err != nil {
			t.Fatalf("upserting token %s: %v", tok, err)
		}
	}
}

// suspend flips a directory entry to SUSPENDED.
func (e *testEnv) suspend(t *testing.T, number string) {
	t.Helper()
	_, err := e.db.ExecContext(context.Background(),
		`UPDATE phone_numbers SET state = ? WHERE number = ?`,
		string(models.PhoneNumberSuspended), number)
	if err != nil {
		t.Fatalf("suspending %s: %v", number, err)
	}
}

func (e *testEnv) caller(t *testing.T, number string) *models.PhoneNumber {
	t.Helper()
	n, err := e.store.PhoneNumbers.GetByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("loading caller %s: %v", number, err)
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestPlaceCallPushPath(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "1002", false, false, nil, "dev-a", "dev-b")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "1002", "video")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	if res.Call.State != models.CallWaiting {
		t.Errorf("state = %s, want WAITING", res.Call.State)
	}
	if res.Call.Kind != "video" {
		t.Errorf("kind = %s, want video", res.Call.Kind)
	}
	if res.Media.Token != "session-token" || res.Media.PeerID != "1001" {
		t.Errorf("media = %+v, wrong caller session", res.Media)
	}
	wantHook := "https://console.example.com/api/call/hook/" + res.Call.ID + "?number=1001"
	if res.Hook != wantHook {
		t.Errorf("hook = %q, want %q", res.Hook, wantHook)
	}

	// Both participants get presence records up front.
	sessions, err := env.store.StreamSessions.ListByCall(ctx, res.Call.ID)
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}

	// Pushes are delivered asynchronously to every registered device.
	if !waitFor(t, 2*time.Second, func() bool { return len(env.sender.pushes(notify.TypeIncoming)) == 2 }) {
		t.Fatalf("incoming pushes = %d, want 2", len(env.sender.pushes(notify.TypeIncoming)))
	}
	p := env.sender.pushes(notify.TypeIncoming)[0].Payload
	if p.CallID != res.Call.ID || p.CallerIDNumber != "1001" {
		t.Errorf("push payload = %+v, wrong identity", p)
	}
	if p.Bluesea == nil || p.Bluesea.PeerID != "1002" || p.Bluesea.Token != "session-token" {
		t.Errorf("push bluesea = %+v, wrong callee session", p.Bluesea)
	}
	if !strings.Contains(p.Hook, res.Call.ID) || !strings.Contains(p.Hook, "number=1002") {
		t.Errorf("push hook = %q, want callee hook URL", p.Hook)
	}
}

func TestPlaceCallSIPOnly(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, true, nil)
	env.addNumber(t, "2002", true, false, nil) // SIP-capable, no devices

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	if res.Call.Kind != "audio" {
		t.Errorf("kind = %s, want audio default", res.Call.Kind)
	}

	// The SIP leg is placed synchronously.
	calls := env.sipLog.all()
	if len(calls) != 1 {
		t.Fatalf("sip calls = %d, want 1", len(calls))
	}
	if calls[0].Dest != "2002" {
		t.Errorf("sip dest = %s, want 2002", calls[0].Dest)
	}
	if calls[0].Payload.CallerIDNumber != "1001" {
		t.Errorf("sip caller id = %s, want 1001", calls[0].Payload.CallerIDNumber)
	}
	if len(env.sender.pushes(notify.TypeIncoming)) != 0 {
		t.Error("no pushes expected on the SIP-only path")
	}
}

func TestPlaceCallDestUnavailable(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)

	_, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "555999", "")
	if err != ErrDestUnavailable {
		t.Fatalf("PlaceCall() error = %v, want ErrDestUnavailable", err)
	}

	// The dead call is recorded as ERROR, visible in the caller's history.
	calls, _, err := env.store.Calls.ListRecents(ctx, "1001", 0, 10)
	if err != nil {
		t.Fatalf("ListRecents() error: %v", err)
	}
	if len(calls) != 1 || calls[0].State != models.CallError {
		t.Errorf("calls = %+v, want one ERROR call", calls)
	}
}

func TestPlaceCallSuspendedTarget(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2002", false, false, nil, "dev-a")
	env.suspend(t, "2002")

	_, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != ErrDestUnavailable {
		t.Fatalf("PlaceCall() error = %v, want ErrDestUnavailable", err)
	}

	// The devices of a suspended number must stay silent.
	time.Sleep(100 * time.Millisecond)
	if n := len(env.sender.pushes(notify.TypeIncoming)); n != 0 {
		t.Errorf("incoming pushes = %d, want 0", n)
	}

	// The call is refused before any state exists, so nothing lands in the
	// caller's history.
	calls, _, err := env.store.Calls.ListRecents(ctx, "1001", 0, 10)
	if err != nil {
		t.Fatalf("ListRecents() error: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("recents = %d, want 0", len(calls))
	}

	// An alias pointing at the suspended number is equally unreachable.
	target := "2002"
	env.addNumber(t, "2003", false, false, &target)
	if _, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2003", ""); err != ErrDestUnavailable {
		t.Errorf("PlaceCall(alias of suspended) error = %v, want ErrDestUnavailable", err)
	}

	// Same for room invites.
	env.addNumber(t, "3003", false, false, nil, "dev-b")
	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "3003", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	if _, err := env.orch.InviteToRoom(ctx, env.caller(t, "1001"), res.Call.RoomID, "2002", ""); err != ErrDestUnavailable {
		t.Errorf("InviteToRoom(suspended) error = %v, want ErrDestUnavailable", err)
	}
}

func TestPlaceCallToAliasRingsTarget(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2000", false, false, nil, "target-dev")
	target := "2000"
	env.addNumber(t, "2001", false, false, &target)

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2001", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	if res.Call.ToNumber != "2001" {
		t.Errorf("to = %s, the dialled alias should stay on the call", res.Call.ToNumber)
	}

	// The alias target's devices ring.
	if !waitFor(t, 2*time.Second, func() bool { return len(env.sender.pushes(notify.TypeIncoming)) == 1 }) {
		t.Fatal("alias target device never rang")
	}
	if env.sender.pushes(notify.TypeIncoming)[0].Token != "target-dev" {
		t.Errorf("rang %s, want target-dev", env.sender.pushes(notify.TypeIncoming)[0].Token)
	}
}

func TestSIPFallbackAfterSilentPush(t *testing.T) {
	env := newTestEnv(t, true, Config{FallbackDelay: 50 * time.Millisecond})
	ctx := context.Background()

	env.addNumber(t, "1001", false, true, nil)
	env.addNumber(t, "2002", true, false, nil, "dev-a")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	// No RINGING hook arrives, so the fallback fires: cancel the push leg,
	// then ring over SIP.
	if !waitFor(t, 3*time.Second, func() bool { return len(env.sipLog.all()) == 1 }) {
		t.Fatal("sip fallback never fired")
	}
	if got := env.sipLog.all()[0]; got.Dest != "2002" || got.Payload.CallID != res.Call.ID {
		t.Errorf("sip call = %+v, wrong leg", got)
	}
	if !waitFor(t, time.Second, func() bool { return len(env.sender.pushes(notify.TypeCancel)) == 1 }) {
		t.Error("ringing devices should get a cancel push before the SIP retry")
	}
}

func TestSIPFallbackSkippedOnceRinging(t *testing.T) {
	env := newTestEnv(t, true, Config{FallbackDelay: 50 * time.Millisecond})
	ctx := context.Background()

	env.addNumber(t, "1001", false, true, nil)
	env.addNumber(t, "2002", true, false, nil, "dev-a")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	// The device reports RINGING before the fallback window closes.
	_, err = env.orch.ApplyHookEvent(ctx, res.Call.ID, "2002", HookRequest{Action: models.ActionRinging}, "", "")
	if err != nil {
		t.Fatalf("ApplyHookEvent() error: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if calls := env.sipLog.all(); len(calls) != 0 {
		t.Errorf("sip calls = %d, want 0 once the device rang", len(calls))
	}
}

func TestWatchdogTimesOutWaitingCall(t *testing.T) {
	env := newTestEnv(t, false, Config{CallTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2002", false, false, nil, "dev-a")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		c, err := env.store.Calls.GetByID(ctx, res.Call.ID)
		return err == nil && c.State == models.CallTimeout
	})
	if !ok {
		t.Fatal("call never timed out")
	}
}

func TestInviteToRoom(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2002", false, false, nil, "dev-a")
	env.addNumber(t, "3003", false, false, nil, "dev-b")

	first, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	res, err := env.orch.InviteToRoom(ctx, env.caller(t, "1001"), first.Call.RoomID, "3003", "")
	if err != nil {
		t.Fatalf("InviteToRoom() error: %v", err)
	}
	if res.Call.RoomID != first.Call.RoomID {
		t.Errorf("invite room = %s, want %s", res.Call.RoomID, first.Call.RoomID)
	}

	// Only the invitee gets a new presence record.
	sessions, err := env.store.StreamSessions.ListByCall(ctx, res.Call.ID)
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Number != "3003" {
		t.Errorf("invite sessions = %+v, want one for 3003", sessions)
	}

	// Unknown rooms are rejected.
	if _, err := env.orch.InviteToRoom(ctx, env.caller(t, "1001"), "no-such-room", "3003", ""); err != store.ErrNotFound {
		t.Errorf("InviteToRoom(bad room) error = %v, want ErrNotFound", err)
	}
}

func TestApplyHookEventLifecycle(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2002", false, false, nil, "dev-a")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2002", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}
	id := res.Call.ID

	c, err := env.orch.ApplyHookEvent(ctx, id, "2002", HookRequest{
		Action: models.ActionRinging, Device: "iPhone15,2", OSName: "iOS", OSVersion: "19.1",
	}, "203.0.113.9", "wavecall-ios/2.1")
	if err != nil {
		t.Fatalf("ApplyHookEvent(RINGING) error: %v", err)
	}
	if c.State != models.CallRinging {
		t.Errorf("state = %s, want RINGING", c.State)
	}

	c, err = env.orch.ApplyHookEvent(ctx, id, "2002", HookRequest{Action: models.ActionAccept}, "", "")
	if err != nil {
		t.Fatalf("ApplyHookEvent(ACCEPT) error: %v", err)
	}
	if c.State != models.CallAccepted {
		t.Errorf("state = %s, want ACCEPTED", c.State)
	}

	c, err = env.orch.ApplyHookEvent(ctx, id, "1001", HookRequest{Action: models.ActionEnd}, "", "")
	if err != nil {
		t.Fatalf("ApplyHookEvent(END) error: %v", err)
	}
	if c.State != models.CallEnded {
		t.Errorf("state = %s, want ENDED", c.State)
	}

	// A second END loses but is not an error: the caller gets the current
	// call and the attempt lands in the audit log.
	c, err = env.orch.ApplyHookEvent(ctx, id, "2002", HookRequest{Action: models.ActionEnd}, "", "")
	if err != nil {
		t.Fatalf("ApplyHookEvent(repeat END) error: %v", err)
	}
	if c.State != models.CallEnded {
		t.Errorf("state = %s, want ENDED unchanged", c.State)
	}

	entries, err := env.store.ActionLogs.ListByCall(ctx, id)
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("log entries = %d, want 4", len(entries))
	}
	if !entries[0].Success || entries[0].Device != "iPhone15,2" || entries[0].IP != "203.0.113.9" {
		t.Errorf("first entry = %+v, want successful RINGING with device facts", entries[0])
	}
	last := entries[3]
	if last.Success || last.Error != "no call with accepted state" {
		t.Errorf("last entry = %+v, want failed END", last)
	}

	// Unknown actions are rejected outright.
	if _, err := env.orch.ApplyHookEvent(ctx, id, "2002", HookRequest{Action: models.HookAction("DANCE")}, "", ""); err == nil {
		t.Error("expected error for unknown action")
	}
	// Unknown calls surface ErrNotFound.
	if _, err := env.orch.ApplyHookEvent(ctx, "no-such-call", "2002", HookRequest{Action: models.ActionEnd}, "", ""); err != store.ErrNotFound {
		t.Errorf("unknown call error = %v, want ErrNotFound", err)
	}
}

func TestApplyHookEventCancelPushes(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	ctx := context.Background()

	env.addNumber(t, "1001", false, false, nil)
	env.addNumber(t, "2000", false, false, nil, "target-dev")
	target := "2000"
	env.addNumber(t, "2001", false, false, &target, "alias-dev")

	res, err := env.orch.PlaceCall(ctx, env.caller(t, "1001"), "2001", "")
	if err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	c, err := env.orch.ApplyHookEvent(ctx, res.Call.ID, "1001", HookRequest{Action: models.ActionCancel}, "", "")
	if err != nil {
		t.Fatalf("ApplyHookEvent(CANCEL) error: %v", err)
	}
	if c.State != models.CallCanceled {
		t.Errorf("state = %s, want CANCELED", c.State)
	}

	// Both the alias's own devices and the alias target's devices are told
	// to stop ringing.
	cancels := env.sender.pushes(notify.TypeCancel)
	got := map[string]bool{}
	for _, p := range cancels {
		got[p.Token] = true
	}
	if len(got) != 2 || !got["alias-dev"] || !got["target-dev"] {
		t.Errorf("cancel pushes went to %v, want alias-dev and target-dev", got)
	}
}
