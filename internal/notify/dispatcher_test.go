package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/wavecall/wavecall/internal/store/models"
)

// recordingSender fails tokens listed in fail and records the rest.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail map[string]error
}

func (s *recordingSender) Send(ctx context.Context, token models.PushToken, payload Payload) error {
	if err, ok := s.fail[token.Token]; ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, token.Token)
	return nil
}

func TestDispatchResultsInOrder(t *testing.T) {
	sender := &recordingSender{fail: map[string]error{}}
	d := NewDispatcher(sender, 3)

	var tokens []models.PushToken
	for i := 0; i < 10; i++ {
		tokens = append(tokens, models.PushToken{Token: fmt.Sprintf("tok-%d", i), Platform: "apns"})
	}

	results := d.Dispatch(context.Background(), tokens, NewCancel("c1", "audio", "", "1001"))
	if len(results) != 10 {
		t.Fatalf("len(results) = %d, want 10", len(results))
	}
	for i, r := range results {
		if r.Token != fmt.Sprintf("tok-%d", i) {
			t.Errorf("results[%d].Token = %s, out of input order", i, r.Token)
		}
		if !r.Delivered() {
			t.Errorf("results[%d] failed: %v", i, r.Err)
		}
	}
	if DeliveredCount(results) != 10 {
		t.Errorf("DeliveredCount = %d, want 10", DeliveredCount(results))
	}
}

func TestDispatchFailureIsolation(t *testing.T) {
	boom := errors.New("push service unavailable")
	sender := &recordingSender{fail: map[string]error{"bad-tok": boom}}
	d := NewDispatcher(sender, 2)

	tokens := []models.PushToken{
		{Token: "ok-1", Platform: "apns"},
		{Token: "bad-tok", Platform: "fcm"},
		{Token: "ok-2", Platform: "apns"},
	}

	results := d.Dispatch(context.Background(), tokens, NewCancel("c1", "audio", "", "1001"))
	if DeliveredCount(results) != 2 {
		t.Errorf("DeliveredCount = %d, want 2", DeliveredCount(results))
	}
	if results[1].Err != boom {
		t.Errorf("results[1].Err = %v, want the send error", results[1].Err)
	}
	if results[1].Platform != "fcm" {
		t.Errorf("results[1].Platform = %s, want fcm", results[1].Platform)
	}
	// The other two deliveries still went out.
	if len(sender.sent) != 2 {
		t.Errorf("sent = %v, want 2 deliveries", sender.sent)
	}
}

func TestDispatchEmptyTokenList(t *testing.T) {
	d := NewDispatcher(&recordingSender{}, 0) // default concurrency
	results := d.Dispatch(context.Background(), nil, NewCancel("c1", "audio", "", "1001"))
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}

func TestIncomingPayloadJSON(t *testing.T) {
	p := NewIncoming("call-1", "video", "Alice", "1001",
		"https://api.example.com/api/call/hook/call-1?number=1002",
		MediaSession{Gateways: []string{"https://gw1", "https://gw2"}, RoomID: "room-1", PeerID: "1002", Token: "tok"})

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		`"type":"incoming"`, `"call_id":"call-1"`, `"call_type":"video"`,
		`"caller_id_name":"Alice"`, `"caller_id_number":"1001"`,
		`"bluesea":{`, `"room_id":"room-1"`, `"peer_id":"1002"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("payload %s missing %s", body, want)
		}
	}
}

func TestCancelPayloadOmitsSession(t *testing.T) {
	raw, err := json.Marshal(NewCancel("call-1", "audio", "Alice", "1001"))
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	body := string(raw)
	if strings.Contains(body, "bluesea") || strings.Contains(body, "hook") {
		t.Errorf("cancel payload should omit hook and bluesea, got %s", body)
	}
	if !strings.Contains(body, `"type":"cancel"`) {
		t.Errorf("payload %s missing cancel type", body)
	}
}

// platformSender records which platform handled each token.
type platformSender struct {
	platform string
	calls    *[]string
	mu       *sync.Mutex
}

func (s platformSender) Send(ctx context.Context, token models.PushToken, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.calls = append(*s.calls, s.platform+":"+token.Token)
	return nil
}

func TestMultiSenderRoutesByPlatform(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	ms := NewMultiSender(map[string]Sender{
		"apns": platformSender{platform: "apns", calls: &calls, mu: &mu},
		"fcm":  platformSender{platform: "fcm", calls: &calls, mu: &mu},
	})

	ctx := context.Background()
	payload := NewCancel("c1", "audio", "", "1001")
	if err := ms.Send(ctx, models.PushToken{Token: "a", Platform: "apns"}, payload); err != nil {
		t.Fatalf("Send(apns) error: %v", err)
	}
	if err := ms.Send(ctx, models.PushToken{Token: "f", Platform: "fcm"}, payload); err != nil {
		t.Fatalf("Send(fcm) error: %v", err)
	}
	if err := ms.Send(ctx, models.PushToken{Token: "x", Platform: "wns"}, payload); err == nil {
		t.Error("expected error for unknown platform")
	}

	if len(calls) != 2 || calls[0] != "apns:a" || calls[1] != "fcm:f" {
		t.Errorf("calls = %v, wrong routing", calls)
	}
}
