package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wavecall/wavecall/internal/call"
	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// roomResponse is the wire form of a room.
type roomResponse struct {
	ID           string `json:"id"`
	RecordURI    string `json:"record_uri,omitempty"`
	RecordPath   string `json:"record_path,omitempty"`
	ComposeURL   string `json:"compose_url,omitempty"`
	ComposeJobID string `json:"compose_job_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

func toRoomResponse(room *models.Room) roomResponse {
	return roomResponse{
		ID:           room.ID,
		RecordURI:    room.RecordURI,
		RecordPath:   room.RecordPath,
		ComposeURL:   room.ComposeURL,
		ComposeJobID: room.ComposeJobID,
		CreatedAt:    room.CreatedAt.UnixMilli(),
	}
}

// handleListRooms lists rooms newest first.
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	skip, limit := paging(r, 100)

	rooms, total, err := s.store.Rooms.List(r.Context(), skip, limit)
	if err != nil {
		slog.Error("rooms: listing", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for i := range rooms {
		out = append(out, toRoomResponse(&rooms[i]))
	}

	writeJSON(w, http.StatusOK, pageResponse{Skip: skip, Total: total, Data: out})
}

// sessionResponse is the wire form of one participant's presence record,
// including final stream quality.
type sessionResponse struct {
	Number    string            `json:"number"`
	CallID    string            `json:"call_id"`
	JoinedAt  *time.Time        `json:"joined_at"`
	LeavedAt  *time.Time        `json:"leaved_at"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	ConnectMS *int64            `json:"connect_ms,omitempty"`
	ZoneLat   *float64          `json:"zone_lat,omitempty"`
	ZoneLon   *float64          `json:"zone_lon,omitempty"`
	MOS       models.StatTriple `json:"mos"`
	RTT       models.StatTriple `json:"rtt"`
	Jitter    models.StatTriple `json:"jitter"`
	Lost      models.StatTriple `json:"lost"`
}

// roomCallResponse is a call within the room detail view, with derived
// timing and the human-facing state label.
type roomCallResponse struct {
	callResponse
	Label string     `json:"label"`
	Times call.Times `json:"times"`
}

// roomInfoResponse is the full diagnostic view of a room.
type roomInfoResponse struct {
	Room     roomResponse       `json:"room"`
	Calls    []roomCallResponse `json:"calls"`
	Sessions []sessionResponse  `json:"sessions"`
}

// handleRoomInfo returns a room with its calls and presence records, the
// diagnostic view used to investigate call quality complaints.
func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")

	room, err := s.store.Rooms.GetByID(r.Context(), roomID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		slog.Error("room: loading", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	calls, err := s.store.Calls.ListByRoom(r.Context(), roomID)
	if err != nil {
		slog.Error("room: listing calls", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sessions, err := s.store.StreamSessions.ListByRoom(r.Context(), roomID)
	if err != nil {
		slog.Error("room: listing sessions", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	callsOut := make([]roomCallResponse, 0, len(calls))
	for i := range calls {
		c := &calls[i]
		callSessions, err := s.store.StreamSessions.ListByCall(r.Context(), c.ID)
		if err != nil {
			slog.Error("room: loading call sessions", "call_id", c.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		callsOut = append(callsOut, roomCallResponse{
			callResponse: toCallResponse(c),
			Label:        call.StateLabel(c.State),
			Times:        call.DeriveTimes(callSessions),
		})
	}

	sessionsOut := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		sessionsOut = append(sessionsOut, sessionResponse{
			Number:    sess.Number,
			CallID:    sess.CallID,
			JoinedAt:  sess.JoinedAt,
			LeavedAt:  sess.LeavedAt,
			IP:        sess.IP,
			UserAgent: sess.UserAgent,
			ConnectMS: sess.ConnectMS,
			ZoneLat:   sess.ZoneLat,
			ZoneLon:   sess.ZoneLon,
			MOS:       sess.MOS,
			RTT:       sess.RTT,
			Jitter:    sess.Jitter,
			Lost:      sess.Lost,
		})
	}

	writeJSON(w, http.StatusOK, roomInfoResponse{
		Room:     toRoomResponse(room),
		Calls:    callsOut,
		Sessions: sessionsOut,
	})
}
