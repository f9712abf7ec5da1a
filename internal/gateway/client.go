package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// Config is one resolved media gateway configuration: the control-plane API,
// the ordered edge gateway list, the shared secret, and whether sessions are
// recorded.
type Config struct {
	API      string
	Gateways []string
	Token    string
	Record   bool
}

// envelope is the gateway's standard response wrapper. Status false carries
// the failure reason in message or error.
type envelope struct {
	Status  bool            `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to the media gateway cluster. A group may override the global
// configuration; the override applies only when the group carries all of
// API, gateway list, and token.
type Client struct {
	httpClient *http.Client
	global     Config
	groups     store.GroupRepository
}

// NewClient creates a media gateway client with the given global
// configuration. groups may be nil when per-group overrides are not used.
func NewClient(global Config, groups store.GroupRepository) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		global:     global,
		groups:     groups,
	}
}

// Configured returns true if the client has a usable global configuration.
func (c *Client) Configured() bool {
	return c.global.API != "" && len(c.global.Gateways) > 0 && c.global.Token != ""
}

// Resolve returns the gateway configuration for a group, falling back to the
// global configuration when groupID is empty, unknown, or the group override
// is incomplete.
func (c *Client) Resolve(ctx context.Context, groupID string) (Config, error) {
	if groupID == "" || c.groups == nil {
		return c.global, nil
	}

	g, err := c.groups.GetByID(ctx, groupID)
	if err == store.ErrNotFound {
		return c.global, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("gateway: resolving group config: %w", err)
	}
	return c.configFor(g), nil
}

// configFor applies a group's gateway override on top of the global
// configuration. Partial overrides are ignored.
func (c *Client) configFor(g *models.Group) Config {
	if g.GatewayAPI == "" || g.Gateways == "" || g.GatewayToken == "" {
		return c.global
	}
	return Config{
		API:      g.GatewayAPI,
		Gateways: strings.Split(g.Gateways, ";"),
		Token:    g.GatewayToken,
		Record:   g.GatewayRecord,
	}
}

// CreateWebRTCToken requests a session token admitting peer into room,
// recorded per the configuration.
func (c *Client) CreateWebRTCToken(ctx context.Context, cfg Config, room, peer string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, cfg.API, "webrtc_session", cfg.Token, map[string]any{
		"room":   room,
		"peer":   peer,
		"record": cfg.Record,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

// CreateComposeToken requests a token authorizing composition of a room's
// recorded streams.
func (c *Client) CreateComposeToken(ctx context.Context, cfg Config, room string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, cfg.API, "compose_session", cfg.Token, map[string]any{
		"room": room,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

// SubmitCompose submits a compose job for the recording at source and
// returns the job id. The job goes to the first gateway in the list.
func (c *Client) SubmitCompose(ctx context.Context, cfg Config, source, token string) (string, error) {
	if len(cfg.Gateways) == 0 {
		return "", fmt.Errorf("gateway: no gateways configured")
	}
	var jobID string
	err := c.post(ctx, cfg.Gateways[0]+"/compose/submit", map[string]any{
		"token":  token,
		"source": source,
	}, &jobID)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// call invokes a control-plane RPC: POST {api}/app/{path}?app_secret={token}.
func (c *Client) call(ctx context.Context, api, path, token string, body any, out any) error {
	return c.post(ctx, api+"/app/"+path+"?app_secret="+url.QueryEscape(token), body, out)
}

func (c *Client) post(ctx context.Context, rawURL string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gateway: reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("gateway: decoding response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Status {
		reason := env.Message
		if reason == "" {
			reason = env.Error
		}
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Errorf("gateway: %s", reason)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("gateway: decoding response data: %w", err)
		}
	}

	slog.Debug("gateway rpc done", "url", rawURL)
	return nil
}
