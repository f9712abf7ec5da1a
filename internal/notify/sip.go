package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// SIPNotifier asks the external SIP bridge to ring a legacy endpoint. The
// bridge receives the same session block a push notification would carry, so
// the SIP leg joins the same media room.
type SIPNotifier struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewSIPNotifier creates a notifier for the SIP bridge at baseURL.
func NewSIPNotifier(baseURL, token string) *SIPNotifier {
	return &SIPNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// Configured returns true if a bridge endpoint is set.
func (s *SIPNotifier) Configured() bool {
	return s.baseURL != ""
}

// MakeCall instructs the bridge to place a call toward dest, delivering the
// incoming-call payload as the call context.
func (s *SIPNotifier) MakeCall(ctx context.Context, dest string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sip: marshalling request: %w", err)
	}

	endpoint := s.baseURL + "/call/" + url.PathEscape(dest) + "/make_call?token=" + url.QueryEscape(s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sip: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sip: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sip: bridge returned status %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Debug("sip call requested", "dest", dest, "call_id", payload.CallID)
	return nil
}
