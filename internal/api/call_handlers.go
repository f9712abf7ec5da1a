package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apimw "github.com/wavecall/wavecall/internal/api/middleware"
	"github.com/wavecall/wavecall/internal/call"
	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// pageResponse is the standard paging wrapper for list endpoints.
type pageResponse struct {
	Skip  int `json:"skip"`
	Total int `json:"total"`
	Data  any `json:"data"`
}

// callResponse is the wire form of a call.
type callResponse struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	Type       string `json:"type"`
	State      string `json:"state"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	Feedback   string `json:"feedback,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func toCallResponse(c *models.Call) callResponse {
	return callResponse{
		ID:         c.ID,
		RoomID:     c.RoomID,
		Type:       c.Kind,
		State:      string(c.State),
		FromNumber: c.FromNumber,
		ToNumber:   c.ToNumber,
		Feedback:   c.Feedback,
		CreatedAt:  c.CreatedAt.UnixMilli(),
	}
}

// handleLogin authenticates a phone number and returns a device session
// token. A display name supplied at login replaces the stored one, falling
// back to the number itself.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number   string `json:"number"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("password", req.Password, maxPasswordLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("name", req.Name, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	n, err := s.store.PhoneNumbers.GetByNumber(r.Context(), req.Number)
	if err == store.ErrNotFound {
		writeError(w, http.StatusUnauthorized, "invalid number or password")
		return
	}
	if err != nil {
		slog.Error("login: loading phone number", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ok, err := store.CheckPassword(req.Password, n.Password)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid number or password")
		return
	}
	if n.State == models.PhoneNumberSuspended {
		writeError(w, http.StatusForbidden, "number is suspended")
		return
	}

	name := req.Name
	if name == "" {
		name = req.Number
	}
	if err := s.store.PhoneNumbers.UpdateName(r.Context(), req.Number, name); err != nil {
		slog.Error("login: updating display name", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, _, err := apimw.GenerateNumberToken(s.jwtSecret, req.Number)
	if err != nil {
		slog.Error("login: signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// handleFetchName returns the display name for a number, for caller-id
// rendering before a call connects.
func (s *Server) handleFetchName(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("number")
	if msg := validateNumber("number", number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	n, err := s.store.PhoneNumbers.GetByNumber(r.Context(), number)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "number not found")
		return
	}
	if err != nil {
		slog.Error("fetch_name: loading phone number", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, n.Name)
}

// meResponse is the wire form of the authenticated identity.
type meResponse struct {
	Number   string   `json:"number"`
	Name     string   `json:"name"`
	Avatar   string   `json:"avatar,omitempty"`
	SIPIn    bool     `json:"sip_in"`
	SIPOut   bool     `json:"sip_out"`
	AliasFor *string  `json:"alias_for,omitempty"`
	State    string   `json:"state"`
	Groups   []string `json:"groups"`
}

// handleFetchMe returns the authenticated number's directory entry.
func (s *Server) handleFetchMe(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())

	n, err := s.store.PhoneNumbers.GetByNumber(r.Context(), number)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "number not found")
		return
	}
	if err != nil {
		slog.Error("fetch_me: loading phone number", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		Number:   n.Number,
		Name:     n.Name,
		Avatar:   n.Avatar,
		SIPIn:    n.SIPIn,
		SIPOut:   n.SIPOut,
		AliasFor: n.AliasFor,
		State:    string(n.State),
		Groups:   n.GroupIDs,
	})
}

// handleAddDevice registers or refreshes a push token for the
// authenticated number.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())

	var req struct {
		Token      string `json:"token"`
		Platform   string `json:"platform"`
		Production *bool  `json:"production"`
		Active     bool   `json:"active"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if msg := validateStringLen("token", req.Token, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	platform := req.Platform
	if platform == "" {
		platform = "apns"
	}
	if platform != "apns" && platform != "fcm" {
		writeError(w, http.StatusBadRequest, "platform must be apns or fcm")
		return
	}

	err := s.store.PushTokens.Upsert(r.Context(), &models.PushToken{
		Token:      req.Token,
		Number:     number,
		Platform:   platform,
		Production: req.Production,
		Active:     req.Active,
	})
	if err != nil {
		slog.Error("device: upserting push token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// contactResponse is the wire form of a directory contact.
type contactResponse struct {
	Number    string  `json:"number"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Avatar    string  `json:"avatar,omitempty"`
	SIPIn     bool    `json:"sip_in"`
	SIPOut    bool    `json:"sip_out"`
	AliasFor  *string `json:"alias_for,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// handleContacts lists ACTIVE numbers sharing a group with the caller.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())
	skip, limit := paging(r, 100)

	n, err := s.store.PhoneNumbers.GetByNumber(r.Context(), number)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "number not found")
		return
	}
	if err != nil {
		slog.Error("contacts: loading phone number", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	contacts, total, err := s.store.PhoneNumbers.ListContacts(r.Context(), number, n.GroupIDs, skip, limit)
	if err != nil {
		slog.Error("contacts: listing", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactResponse{
			Number:    c.Number,
			Name:      c.Name,
			State:     string(c.State),
			Avatar:    c.Avatar,
			SIPIn:     c.SIPIn,
			SIPOut:    c.SIPOut,
			AliasFor:  c.AliasFor,
			CreatedAt: c.CreatedAt.UnixMilli(),
			UpdatedAt: c.UpdatedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, pageResponse{Skip: skip, Total: total, Data: out})
}

// recentResponse is one call-history row, shaped for the console's recents
// screen: the far end, direction, and derived timing.
type recentResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Contact     string     `json:"contact"`
	Name        string     `json:"name"`
	Outgoing    bool       `json:"outgoing"`
	State       string     `json:"state"`
	Duration    int64      `json:"duration"`
	ConnectTime int64      `json:"connect_time"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	CreatedAt   int64      `json:"created_at"`
}

// handleRecents lists call history for the authenticated number.
func (s *Server) handleRecents(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())
	skip, limit := paging(r, 100)

	calls, total, err := s.store.Calls.ListRecents(r.Context(), number, skip, limit)
	if err != nil {
		slog.Error("recents: listing calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	names := map[string]string{}
	out := make([]recentResponse, 0, len(calls))
	for i := range calls {
		c := &calls[i]

		contact := c.ToNumber
		outgoing := c.FromNumber == number
		if !outgoing {
			contact = c.FromNumber
		}

		name, ok := names[contact]
		if !ok {
			name = contact
			if n, err := s.store.PhoneNumbers.GetByNumber(r.Context(), contact); err == nil && n.Name != "" {
				name = n.Name
			}
			names[contact] = name
		}

		sessions, err := s.store.StreamSessions.ListByCall(r.Context(), c.ID)
		if err != nil {
			slog.Error("recents: loading sessions", "call_id", c.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		times := call.DeriveTimes(sessions)

		out = append(out, recentResponse{
			ID:          c.ID,
			Type:        c.Kind,
			Contact:     contact,
			Name:        name,
			Outgoing:    outgoing,
			State:       call.StateLabel(c.State),
			Duration:    times.Duration,
			ConnectTime: times.ConnectTime,
			StartedAt:   times.StartedAt,
			EndedAt:     times.EndedAt,
			CreatedAt:   c.CreatedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, pageResponse{Skip: skip, Total: total, Data: out})
}

// handleDeleteLog soft-deletes call history entries the caller participated
// in. Accepts a single id or a list.
func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())

	var req struct {
		ID  string   `json:"id"`
		IDs []string `json:"ids"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ids := req.IDs
	if req.ID != "" {
		ids = []string{req.ID}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	affected, err := s.store.Calls.SoftDelete(r.Context(), number, ids)
	if err != nil {
		slog.Error("delete_log: soft-deleting calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if affected == 0 {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// makeCallResponse is the caller-side session returned by make and invite.
type makeCallResponse struct {
	Call    callResponse `json:"call"`
	Hook    string       `json:"hook"`
	Bluesea any          `json:"bluesea,omitempty"`
}

// handleMakeCall places a call from the authenticated number to dest.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())
	dest := chi.URLParam(r, "dest")

	if msg := validateNumber("dest", dest); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var req struct {
		Type string `json:"type"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if msg := validateCallKind("type", req.Type); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	caller, err := s.store.PhoneNumbers.GetByNumber(r.Context(), number)
	if err != nil {
		slog.Error("make: loading caller", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	res, err := s.orch.PlaceCall(r.Context(), caller, dest, req.Type)
	if errors.Is(err, call.ErrDestUnavailable) {
		writeError(w, http.StatusUnprocessableEntity, "number not available")
		return
	}
	if err != nil {
		slog.Error("make: placing call", "dest", dest, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, makeCallResponse{
		Call:    toCallResponse(res.Call),
		Hook:    res.Hook,
		Bluesea: res.Media,
	})
}

// handleCallInfo returns the current state of a call, for devices polling
// between hooks.
func (s *Server) handleCallInfo(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")

	c, err := s.store.Calls.GetByID(r.Context(), callID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("info: loading call", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// handleInvite adds another participant to an existing room.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	number := apimw.NumberFromContext(r.Context())
	roomID := chi.URLParam(r, "room_id")

	var req struct {
		Dest string `json:"dest"`
		Type string `json:"type"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateNumber("dest", req.Dest); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateCallKind("type", req.Type); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	caller, err := s.store.PhoneNumbers.GetByNumber(r.Context(), number)
	if err != nil {
		slog.Error("invite: loading caller", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	res, err := s.orch.InviteToRoom(r.Context(), caller, roomID, req.Dest, req.Type)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if errors.Is(err, call.ErrDestUnavailable) {
		writeError(w, http.StatusUnprocessableEntity, "number not available")
		return
	}
	if err != nil {
		slog.Error("invite: inviting", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, makeCallResponse{
		Call: toCallResponse(res.Call),
		Hook: res.Hook,
	})
}

// handleCallHook applies a device-originated call state transition. The
// hook URL is handed to devices inside the push payload, so this endpoint
// authenticates by call id possession rather than session.
func (s *Server) handleCallHook(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "call_id")
	number := r.URL.Query().Get("number")

	var req struct {
		Action    string `json:"action"`
		Device    string `json:"device"`
		OSName    string `json:"os_name"`
		OSVersion string `json:"os_version"`
		Network   string `json:"network"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !models.ValidHookAction(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	c, err := s.orch.ApplyHookEvent(r.Context(), callID, number, call.HookRequest{
		Action:    models.HookAction(req.Action),
		Device:    req.Device,
		OSName:    req.OSName,
		OSVersion: req.OSVersion,
		Network:   req.Network,
	}, remoteIP(r), r.UserAgent())
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		slog.Error("hook: applying transition", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// paging reads skip and limit query parameters with sane bounds.
func paging(r *http.Request, defaultLimit int) (skip, limit int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("skip")); err == nil && v >= 0 {
		skip = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	return skip, limit
}
