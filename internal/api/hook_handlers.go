package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/wavecall/wavecall/internal/store"
	"github.com/wavecall/wavecall/internal/store/models"
)

// gatewayHook is the event envelope the media gateway posts to us.
type gatewayHook struct {
	AppID     string       `json:"app_id"`
	RoomID    string       `json:"room_id"`
	Timestamp int64        `json:"timestamp"` // milliseconds
	Event     gatewayEvent `json:"event"`
}

// gatewayEvent is the tagged union of gateway event kinds. Only the fields
// matching the type are populated.
type gatewayEvent struct {
	Type string `json:"type"`

	// room_stopped / room_last_peer_leaved
	JoinCount int `json:"join_count,omitempty"`

	// room_record_started
	RecordURI  string `json:"record_uri,omitempty"`
	RecordPath string `json:"record_path,omitempty"`

	// room_record_compose_finished
	PlayURI string `json:"play_uri,omitempty"`

	// peer_joined / peer_leaved / stream_started / stream_stopped
	PeerID      string `json:"peer_id,omitempty"`
	SessionUUID string `json:"session_uuid,omitempty"`

	// peer_joined
	UserAgent string    `json:"user_agent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	ConnectMS *int64    `json:"connect_ms,omitempty"`
	Zone      []float64 `json:"zone,omitempty"` // [lat, lon]

	// stream_started / stream_stopped
	StreamKind string       `json:"stream_kind,omitempty"`
	StreamName string       `json:"stream_name,omitempty"`
	Stats      *streamStats `json:"stats,omitempty"`
}

// streamStats carries final quality metrics as [min, avg, max] triples.
type streamStats struct {
	MOS    []float64 `json:"mos,omitempty"`
	RTT    []float64 `json:"rtt,omitempty"`
	Jitter []float64 `json:"jitter,omitempty"`
	Lost   []float64 `json:"lost,omitempty"`
}

// isMainAudio reports whether the event concerns the peer's primary audio
// stream. Screen shares and secondary streams never drive presence.
func (e *gatewayEvent) isMainAudio() bool {
	return e.StreamKind == "audio" && e.StreamName == "audio_main"
}

// handleGatewayHook ingests media gateway lifecycle events. The gateway
// authenticates with the shared hook token; anything else is rejected
// before touching state.
func (s *Server) handleGatewayHook(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.cfg.HookToken || s.cfg.HookToken == "" {
		writeError(w, http.StatusForbidden, "WRONG_TOKEN")
		return
	}
	group := r.URL.Query().Get("group")

	var hook gatewayHook
	if err := readJSONLenient(w, r, &hook); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if hook.RoomID == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}

	ctx := r.Context()
	ts := time.UnixMilli(hook.Timestamp).UTC()
	ev := &hook.Event

	var err error
	switch ev.Type {
	case "room_record_started":
		err = s.store.Rooms.SetRecording(ctx, hook.RoomID, ev.RecordURI, ev.RecordPath)

	case "room_record_compose_finished":
		err = s.store.Rooms.SetComposeURL(ctx, hook.RoomID, ev.PlayURI)

	case "peer_joined":
		var lat, lon *float64
		if len(ev.Zone) >= 2 {
			lat, lon = &ev.Zone[0], &ev.Zone[1]
		}
		err = s.store.StreamSessions.SetPeerConnection(ctx, hook.RoomID, ev.PeerID,
			ev.IP, ev.UserAgent, ev.ConnectMS, lat, lon)

	case "stream_started":
		if ev.isMainAudio() {
			err = s.store.StreamSessions.MarkJoined(ctx, hook.RoomID, ev.PeerID, ts)
		}

	case "stream_stopped":
		if ev.isMainAudio() {
			var stats streamStats
			if ev.Stats != nil {
				stats = *ev.Stats
			}
			err = s.store.StreamSessions.MarkLeft(ctx, hook.RoomID, ev.PeerID, ts,
				toTriple(stats.MOS), toTriple(stats.RTT), toTriple(stats.Jitter), toTriple(stats.Lost))
		}

	case "room_stopped":
		err = s.composeRecording(r, hook.RoomID, group)

	case "room_started", "peer_leaved", "room_last_peer_leaved":
		// Presence is driven by the audio_main stream lifecycle; these are
		// informational only.

	default:
		slog.Debug("ignoring unknown gateway event", "type", ev.Type, "room_id", hook.RoomID)
	}

	if err != nil {
		slog.Error("gateway hook", "type", ev.Type, "room_id", hook.RoomID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, "ok")
}

// composeRecording kicks off composition of a stopped room's recording, if
// one exists. Rooms without a recording stop silently.
func (s *Server) composeRecording(r *http.Request, roomID, group string) error {
	ctx := r.Context()

	room, err := s.store.Rooms.GetByID(ctx, roomID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if room.RecordURI == "" {
		return nil
	}

	cfg, err := s.gateway.Resolve(ctx, group)
	if err != nil {
		return err
	}

	token, err := s.gateway.CreateComposeToken(ctx, cfg, room.ID)
	if err != nil {
		return err
	}
	jobID, err := s.gateway.SubmitCompose(ctx, cfg, room.RecordURI, token)
	if err != nil {
		return err
	}

	slog.Info("compose job submitted", "room_id", roomID, "job_id", jobID)
	return s.store.Rooms.SetComposeJob(ctx, roomID, jobID)
}

// toTriple converts a [min, avg, max] array into a StatTriple. Short or
// missing arrays produce an empty triple.
func toTriple(v []float64) models.StatTriple {
	if len(v) < 3 {
		return models.StatTriple{}
	}
	return models.StatTriple{Min: &v[0], Avg: &v[1], Max: &v[2]}
}
