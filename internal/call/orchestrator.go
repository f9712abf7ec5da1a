package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wavecall/wavecall/internal/gateway"
	"github.com/wavecall/wavecall/internal/notify"
	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// Errors surfaced to API handlers.
var (
	// ErrDestUnavailable means the destination cannot be reached: it is
	// suspended (refused before any call state exists), or it has neither
	// push devices nor a SIP route (the call was marked ERROR).
	ErrDestUnavailable = errors.New("number not available")
)

// Config holds the orchestrator's tunables.
type Config struct {
	// PublicURL is the externally reachable base URL of this service, used
	// to build the hook URL handed to callee devices.
	PublicURL string

	// FallbackDelay is how long to wait for a RINGING hook before retrying
	// the callee over SIP.
	FallbackDelay time.Duration

	// CallTimeout is how long an unanswered call may stay WAITING before
	// being forced to TIMEOUT.
	CallTimeout time.Duration
}

// Orchestrator drives the call lifecycle: placing calls, inviting peers into
// existing rooms, and applying client-originated state transitions.
type Orchestrator struct {
	store   *store.Store
	gateway *gateway.Client
	pushes  *notify.Dispatcher
	sip     *notify.SIPNotifier
	cfg     Config
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(st *store.Store, gw *gateway.Client, pushes *notify.Dispatcher, sip *notify.SIPNotifier, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   st,
		gateway: gw,
		pushes:  pushes,
		sip:     sip,
		cfg:     cfg,
	}
}

// PlaceResult is what the caller's device needs to join the call it placed.
type PlaceResult struct {
	Call  *models.Call
	Hook  string
	Media notify.MediaSession
}

// PlaceCall creates a room and a WAITING call from caller to dest, rings the
// destination over push (with delayed SIP fallback) or directly over SIP,
// and returns the caller-side session.
//
// When the destination has neither push devices nor a SIP route the call is
// marked ERROR and ErrDestUnavailable is returned.
func (o *Orchestrator) PlaceCall(ctx context.Context, caller *models.PhoneNumber, dest, kind string) (*PlaceResult, error) {
	if kind == "" {
		kind = "audio"
	}

	target, err := o.resolveTarget(ctx, dest)
	if err != nil {
		return nil, err
	}

	feedback, err := o.afterCallFeedback(ctx, caller)
	if err != nil {
		return nil, err
	}

	room := &models.Room{ID: uuid.NewString()}
	if err := o.store.Rooms.Create(ctx, room); err != nil {
		return nil, err
	}

	c := &models.Call{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		Kind:       kind,
		State:      models.CallWaiting,
		FromNumber: caller.Number,
		ToNumber:   dest,
		Feedback:   feedback,
	}
	if err := o.store.Calls.Create(ctx, c); err != nil {
		return nil, err
	}

	sessions := []models.StreamSession{
		{RoomID: room.ID, CallID: c.ID, Number: caller.Number},
		{RoomID: room.ID, CallID: c.ID, Number: dest},
	}
	if err := o.store.StreamSessions.CreateBatch(ctx, sessions); err != nil {
		return nil, err
	}

	gwCfg, err := o.gateway.Resolve(ctx, groupID(caller, target))
	if err != nil {
		return nil, err
	}

	fromToken, err := o.gateway.CreateWebRTCToken(ctx, gwCfg, room.ID, caller.Number)
	if err != nil {
		return nil, err
	}
	toToken, err := o.gateway.CreateWebRTCToken(ctx, gwCfg, room.ID, dest)
	if err != nil {
		return nil, err
	}

	hookBase := o.cfg.PublicURL + "/api/call/hook/" + c.ID
	payload := notify.NewIncoming(c.ID, kind, caller.Name, caller.Number,
		hookBase+"?number="+dest,
		notify.MediaSession{
			Gateways: gwCfg.Gateways,
			RoomID:   room.ID,
			PeerID:   dest,
			Token:    toToken,
		})

	if err := o.ring(ctx, c, caller, dest, target, payload); err != nil {
		return nil, err
	}

	return &PlaceResult{
		Call: c,
		Hook: hookBase + "?number=" + caller.Number,
		Media: notify.MediaSession{
			Gateways: gwCfg.Gateways,
			RoomID:   room.ID,
			PeerID:   caller.Number,
			Token:    fromToken,
		},
	}, nil
}

// InviteResult is what the inviter gets back: the new call leg and the hook
// URL for observing it.
type InviteResult struct {
	Call *models.Call
	Hook string
}

// InviteToRoom adds a new WAITING call leg from caller to dest inside an
// existing room and rings the destination the same way PlaceCall does.
func (o *Orchestrator) InviteToRoom(ctx context.Context, caller *models.PhoneNumber, roomID, dest, kind string) (*InviteResult, error) {
	if kind == "" {
		kind = "audio"
	}

	room, err := o.store.Rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	target, err := o.resolveTarget(ctx, dest)
	if err != nil {
		return nil, err
	}

	feedback, err := o.afterCallFeedback(ctx, caller)
	if err != nil {
		return nil, err
	}

	c := &models.Call{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		Kind:       kind,
		State:      models.CallWaiting,
		FromNumber: caller.Number,
		ToNumber:   dest,
		Feedback:   feedback,
	}
	if err := o.store.Calls.Create(ctx, c); err != nil {
		return nil, err
	}

	// The inviter is already in the room; only the invitee gets a session.
	sessions := []models.StreamSession{
		{RoomID: room.ID, CallID: c.ID, Number: dest},
	}
	if err := o.store.StreamSessions.CreateBatch(ctx, sessions); err != nil {
		return nil, err
	}

	gwCfg, err := o.gateway.Resolve(ctx, groupID(caller, target))
	if err != nil {
		return nil, err
	}

	toToken, err := o.gateway.CreateWebRTCToken(ctx, gwCfg, room.ID, dest)
	if err != nil {
		return nil, err
	}

	hookBase := o.cfg.PublicURL + "/api/call/hook/" + c.ID
	payload := notify.NewIncoming(c.ID, kind, caller.Name, caller.Number,
		hookBase+"?number="+dest,
		notify.MediaSession{
			Gateways: gwCfg.Gateways,
			RoomID:   room.ID,
			PeerID:   dest,
			Token:    toToken,
		})

	if err := o.ring(ctx, c, caller, dest, target, payload); err != nil {
		return nil, err
	}

	return &InviteResult{Call: c, Hook: hookBase}, nil
}

// ring delivers the incoming-call notification: over push when the target
// has registered devices (with a delayed SIP fallback), over SIP when it
// does not but a SIP route exists. With neither the call goes to ERROR.
func (o *Orchestrator) ring(ctx context.Context, c *models.Call, caller *models.PhoneNumber, dest string, target *models.PhoneNumber, payload notify.Payload) error {
	if target != nil && len(target.PushTokens) > 0 {
		tokens := target.PushTokens
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			results := o.pushes.Dispatch(sendCtx, tokens, payload)
			slog.Info("incoming pushes dispatched",
				"call_id", c.ID,
				"delivered", notify.DeliveredCount(results),
				"total", len(results),
			)
		}()

		o.scheduleSIPFallback(c.ID, c.Kind, caller, dest, tokens, payload)
		o.scheduleWatchdog(c.ID)
		return nil
	}

	sourceSIP, destSIP, err := o.sipRoute(ctx, caller.Number, dest)
	if err != nil {
		return err
	}
	if sourceSIP != "" && destSIP != "" && o.sip.Configured() {
		payload.CallerIDNumber = sourceSIP
		if err := o.sip.MakeCall(ctx, destSIP, payload); err != nil {
			return fmt.Errorf("ringing over sip: %w", err)
		}
		slog.Info("call routed over sip", "call_id", c.ID, "dest", destSIP)
		return nil
	}

	if _, err := o.store.Calls.TransitionState(ctx, c.ID, []models.CallState{models.CallWaiting}, models.CallError); err != nil {
		return err
	}
	return ErrDestUnavailable
}

// scheduleSIPFallback retries the callee over SIP if no device reported
// RINGING within the fallback window. The ringing devices get a cancel push
// first so they do not double-ring once the SIP leg connects.
func (o *Orchestrator) scheduleSIPFallback(callID, kind string, caller *models.PhoneNumber, dest string, tokens []models.PushToken, payload notify.Payload) {
	if o.cfg.FallbackDelay <= 0 || !o.sip.Configured() {
		return
	}

	time.AfterFunc(o.cfg.FallbackDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sourceSIP, destSIP, err := o.sipRoute(ctx, caller.Number, dest)
		if err != nil {
			slog.Error("sip fallback: resolving route", "call_id", callID, "error", err)
			return
		}
		if sourceSIP == "" || destSIP == "" {
			return
		}

		c, err := o.store.Calls.GetByID(ctx, callID)
		if err != nil || c.State != models.CallWaiting {
			return
		}

		slog.Info("no ringing before deadline, retrying over sip", "call_id", callID, "dest", destSIP)

		cancelPayload := notify.NewCancel(callID, kind, caller.Name, caller.Number)
		o.pushes.Dispatch(ctx, tokens, cancelPayload)

		payload.CallerIDNumber = sourceSIP
		if err := o.sip.MakeCall(ctx, destSIP, payload); err != nil {
			slog.Error("sip fallback: make call", "call_id", callID, "error", err)
		}
	})
}

// scheduleWatchdog forces a call that never left WAITING to TIMEOUT so
// abandoned attempts do not linger in history as live calls.
func (o *Orchestrator) scheduleWatchdog(callID string) {
	if o.cfg.CallTimeout <= 0 {
		return
	}

	time.AfterFunc(o.cfg.CallTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ok, err := o.store.Calls.TransitionState(ctx, callID, []models.CallState{models.CallWaiting}, models.CallTimeout)
		if err != nil {
			slog.Error("call watchdog", "call_id", callID, "error", err)
			return
		}
		if ok {
			slog.Info("call timed out with no answer", "call_id", callID)
		}
	})
}

// HookRequest is a client-originated transition request plus the device
// facts recorded in the audit log.
type HookRequest struct {
	Action    models.HookAction
	Device    string
	OSName    string
	OSVersion string
	Network   string
}

// ApplyHookEvent applies one client transition to a call. Every attempt is
// recorded in the action log, accepted or not; a losing racer gets the
// current call back rather than an error. A successful CANCEL additionally
// pushes cancel notifications to every device that may be ringing.
func (o *Orchestrator) ApplyHookEvent(ctx context.Context, callID, number string, req HookRequest, ip, userAgent string) (*models.Call, error) {
	c, err := o.store.Calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}

	from, to, failReason, err := transitionFor(req.Action)
	if err != nil {
		return nil, err
	}

	ok, err := o.store.Calls.TransitionState(ctx, callID, from, to)
	if err != nil {
		return nil, err
	}

	entry := &models.CallActionLog{
		CallID:    callID,
		RoomID:    c.RoomID,
		Number:    number,
		Action:    req.Action,
		Success:   ok,
		IP:        ip,
		UserAgent: userAgent,
		Device:    req.Device,
		OSName:    req.OSName,
		OSVersion: req.OSVersion,
		Network:   req.Network,
	}
	if !ok {
		entry.Error = failReason
	}
	if err := o.store.ActionLogs.Append(ctx, entry); err != nil {
		slog.Error("appending hook log", "call_id", callID, "error", err)
	}

	if ok && req.Action == models.ActionCancel {
		o.pushCancel(ctx, c)
	}

	return o.store.Calls.GetByID(ctx, callID)
}

// pushCancel notifies every device that may be ringing for the call,
// including devices of the callee's alias target.
func (o *Orchestrator) pushCancel(ctx context.Context, c *models.Call) {
	tokens, err := o.store.PushTokens.ListCancelTargets(ctx, c.ToNumber)
	if err != nil {
		slog.Error("listing cancel targets", "call_id", c.ID, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	callerName := ""
	if from, err := o.store.PhoneNumbers.GetByNumber(ctx, c.FromNumber); err == nil {
		callerName = from.Name
	}

	payload := notify.NewCancel(c.ID, c.Kind, callerName, c.FromNumber)
	results := o.pushes.Dispatch(ctx, tokens, payload)
	slog.Info("cancel pushes dispatched",
		"call_id", c.ID,
		"delivered", notify.DeliveredCount(results),
		"total", len(results),
	)
}

// transitionFor maps a hook action onto the state machine.
func transitionFor(action models.HookAction) (from []models.CallState, to models.CallState, failReason string, err error) {
	switch action {
	case models.ActionCancel:
		return []models.CallState{models.CallRinging, models.CallWaiting}, models.CallCanceled,
			"no call with ringing or waiting state", nil
	case models.ActionRinging:
		return []models.CallState{models.CallWaiting}, models.CallRinging,
			"no call with waiting state", nil
	case models.ActionAccept:
		return []models.CallState{models.CallRinging, models.CallWaiting}, models.CallAccepted,
			"no call with ringing or waiting state", nil
	case models.ActionReject:
		return []models.CallState{models.CallRinging, models.CallWaiting}, models.CallRejected,
			"no call with ringing or waiting state", nil
	case models.ActionTimeout:
		return []models.CallState{models.CallRinging, models.CallWaiting}, models.CallTimeout,
			"no call with ringing or waiting state", nil
	case models.ActionEnd:
		return []models.CallState{models.CallAccepted}, models.CallEnded,
			"no call with accepted state", nil
	}
	return nil, "", "", fmt.Errorf("unknown hook action %q", action)
}

// resolveTarget loads the destination directory entry, unwinding one level
// of alias indirection. External numbers return nil. A suspended entry
// (the dialled number or the alias target behind it) cannot be called and
// fails with ErrDestUnavailable before any call state is created.
func (o *Orchestrator) resolveTarget(ctx context.Context, dest string) (*models.PhoneNumber, error) {
	n, err := o.store.PhoneNumbers.GetByNumber(ctx, dest)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n.State == models.PhoneNumberSuspended {
		return nil, ErrDestUnavailable
	}
	if n.AliasOf != nil {
		if n.AliasOf.State == models.PhoneNumberSuspended {
			return nil, ErrDestUnavailable
		}
		return n.AliasOf, nil
	}
	return n, nil
}

// sipRoute resolves both ends of a potential SIP leg. Either side may come
// back empty when no SIP-capable identity exists.
func (o *Orchestrator) sipRoute(ctx context.Context, caller, dest string) (sourceSIP, destSIP string, err error) {
	sourceSIP, err = o.store.PhoneNumbers.ResolveSIPSource(ctx, caller)
	if err != nil {
		return "", "", err
	}
	destSIP, err = o.store.PhoneNumbers.ResolveSIPDest(ctx, dest)
	if err != nil {
		return "", "", err
	}
	return sourceSIP, destSIP, nil
}

// afterCallFeedback returns the feedback prompt configured on the caller's
// first group, if any.
func (o *Orchestrator) afterCallFeedback(ctx context.Context, caller *models.PhoneNumber) (string, error) {
	if len(caller.GroupIDs) == 0 {
		return "", nil
	}
	g, err := o.store.Groups.GetByID(ctx, caller.GroupIDs[0])
	if err == store.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return g.AfterCallFeedback, nil
}

// groupID picks the manage group whose gateway configuration governs the
// call: the caller's group first, then the target's.
func groupID(caller, target *models.PhoneNumber) string {
	if caller.ManagedBy != nil {
		return *caller.ManagedBy
	}
	if target != nil && target.ManagedBy != nil {
		return *target.ManagedBy
	}
	return ""
}
