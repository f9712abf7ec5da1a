package store

import (
	"context"
	"errors"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// ErrNotFound is returned when a requested entity does not exist or is
// soft-deleted.
var ErrNotFound = errors.New("store: not found")

// PhoneNumberRepository manages the phone-number directory as seen by call
// routing. Directory CRUD is owned elsewhere; these are the reads and the
// one write (display name) the call flow needs.
type PhoneNumberRepository interface {
	// GetByNumber loads a phone number with its group memberships, active
	// push tokens, and (when the number is an alias) the fully loaded alias
	// target.
	GetByNumber(ctx context.Context, number string) (*models.PhoneNumber, error)

	// UpdateName sets the display name presented as caller id.
	UpdateName(ctx context.Context, number, name string) error

	// ListContacts returns ACTIVE numbers sharing at least one group with
	// the given group set, excluding self, ordered by name.
	ListContacts(ctx context.Context, self string, groupIDs []string, skip, limit int) ([]models.PhoneNumber, int, error)

	// ResolveSIPSource returns the SIP-capable source identity for an
	// outgoing SIP notification: the number itself when it has sip_out, else
	// the first of its aliases with sip_out, else "".
	ResolveSIPSource(ctx context.Context, number string) (string, error)

	// ResolveSIPDest returns the SIP-capable destination identity: the
	// number itself when it has sip_in, else the first of its aliases with
	// sip_in, else "". Unknown numbers pass through unchanged, matching the
	// external SIP boxes that have no directory entry.
	ResolveSIPDest(ctx context.Context, number string) (string, error)
}

// PushTokenRepository manages registered push endpoints.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	ListActiveByNumber(ctx context.Context, number string) ([]models.PushToken, error)

	// ListCancelTargets returns the active tokens of the number plus those
	// of its alias target, the full set of devices that may be ringing for
	// a call toward this number.
	ListCancelTargets(ctx context.Context, number string) ([]models.PushToken, error)
}

// GroupRepository reads manage-group records.
type GroupRepository interface {
	GetByID(ctx context.Context, id string) (*models.Group, error)
}

// RoomRepository manages media session containers. Reads and updates exclude
// soft-deleted rows.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByID(ctx context.Context, id string) (*models.Room, error)
	SetRecording(ctx context.Context, id, recordURI, recordPath string) error
	SetComposeURL(ctx context.Context, id, composeURL string) error
	SetComposeJob(ctx context.Context, id, jobID string) error
	List(ctx context.Context, skip, limit int) ([]models.Room, int, error)
}

// CallRepository manages call attempts. Reads and updates exclude
// soft-deleted rows; state changes go exclusively through TransitionState.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id string) (*models.Call, error)

	// TransitionState atomically moves the call to the target state if and
	// only if its current state is one of from. It reports whether the
	// transition occurred. Under concurrent invocation for the same call the
	// first matching transition wins and all others observe false.
	TransitionState(ctx context.Context, id string, from []models.CallState, to models.CallState) (bool, error)

	// ListRecents returns calls where number is either leg, newest first.
	ListRecents(ctx context.Context, number string, skip, limit int) ([]models.Call, int, error)

	// SoftDelete marks the given calls deleted, restricted to calls where
	// number is a participant. Returns how many rows were affected.
	SoftDelete(ctx context.Context, number string, ids []string) (int64, error)

	ListByRoom(ctx context.Context, roomID string) ([]models.Call, error)
}

// StreamSessionRepository manages per-peer presence records. Each
// (room, number) pair is written by one logical event source, so updates are
// row-scoped rather than id-addressed.
type StreamSessionRepository interface {
	CreateBatch(ctx context.Context, sessions []models.StreamSession) error
	SetPeerConnection(ctx context.Context, roomID, number, ip, userAgent string, connectMS *int64, zoneLat, zoneLon *float64) error

	// MarkJoined records the join timestamp for sessions that have none yet.
	// Sessions already joined are left untouched, making duplicate
	// stream_started deliveries harmless.
	MarkJoined(ctx context.Context, roomID, number string, ts time.Time) error

	// MarkLeft records the leave timestamp and final quality statistics.
	MarkLeft(ctx context.Context, roomID, number string, ts time.Time, mos, rtt, jitter, lost models.StatTriple) error

	ListByRoom(ctx context.Context, roomID string) ([]models.StreamSession, error)
	ListByCall(ctx context.Context, callID string) ([]models.StreamSession, error)
}

// ActionLogRepository appends hook audit records. Entries are never updated
// or removed once written.
type ActionLogRepository interface {
	Append(ctx context.Context, entry *models.CallActionLog) error
	ListByCall(ctx context.Context, callID string) ([]models.CallActionLog, error)
}
