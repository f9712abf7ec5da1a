package models

import "time"

// PhoneNumberState is the lifecycle state of a directory number.
type PhoneNumberState string

const (
	PhoneNumberActive    PhoneNumberState = "ACTIVE"
	PhoneNumberSuspended PhoneNumberState = "SUSPENDED"
)

// CallState is the lifecycle state of a single call attempt.
type CallState string

const (
	CallWaiting  CallState = "WAITING"
	CallRinging  CallState = "RINGING"
	CallAccepted CallState = "ACCEPTED"
	CallRejected CallState = "REJECTED"
	CallCanceled CallState = "CANCELED"
	CallTimeout  CallState = "TIMEOUT"
	CallEnded    CallState = "ENDED"
	CallError    CallState = "ERROR"
)

// Terminal reports whether a call in this state can never transition again.
func (s CallState) Terminal() bool {
	switch s {
	case CallCanceled, CallRejected, CallTimeout, CallError, CallEnded:
		return true
	}
	return false
}

// HookAction is a client-originated state-transition request.
type HookAction string

const (
	ActionCancel  HookAction = "CANCEL"
	ActionRinging HookAction = "RINGING"
	ActionAccept  HookAction = "ACCEPT"
	ActionReject  HookAction = "REJECT"
	ActionTimeout HookAction = "TIMEOUT"
	ActionEnd     HookAction = "END"
)

// ValidHookAction reports whether s names a known hook action.
func ValidHookAction(s string) bool {
	switch HookAction(s) {
	case ActionCancel, ActionRinging, ActionAccept, ActionReject, ActionTimeout, ActionEnd:
		return true
	}
	return false
}

// PhoneNumber is an identity able to place and receive calls.
// Password holds the argon2id-encoded credential hash, never plaintext.
type PhoneNumber struct {
	Number    string
	Name      string
	Password  string // hashed
	Avatar    string
	SIPIn     bool
	SIPOut    bool
	AliasFor  *string // number this identity redirects to, if any
	State     PhoneNumberState
	ManagedBy *string // owning group id
	CreatedAt time.Time
	UpdatedAt time.Time

	// Populated by GetByNumber.
	GroupIDs   []string
	PushTokens []PushToken // active tokens only
	AliasOf    *PhoneNumber
}

// Group is an administrative grouping of phone numbers. The gateway fields
// override the global media gateway configuration when all three of
// GatewayAPI, Gateways and GatewayToken are present.
type Group struct {
	ID                string
	Name              string
	GatewayAPI        string
	Gateways          string // semicolon-separated list
	GatewayToken      string
	GatewayRecord     bool
	AfterCallFeedback string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PushToken is a registered push endpoint for a phone number.
// Production is tri-state: nil means environment unknown, so incoming-call
// pushes are attempted against both the production and sandbox APNs hosts.
type PushToken struct {
	Token      string
	Number     string
	Platform   string // "apns" | "fcm"
	Production *bool
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Room is a media session container hosting one or more sequential calls.
// Recording and compose fields are filled in asynchronously by gateway hooks.
type Room struct {
	ID           string
	RecordURI    string
	RecordPath   string
	ComposeURL   string
	ComposeJobID string
	Deleted      bool
	CreatedAt    time.Time
}

// Call is one directed call attempt between two numbers within a room.
// State is the only mutable field and changes exclusively through
// CallRepository.TransitionState.
type Call struct {
	ID         string
	RoomID     string
	Kind       string // "audio" | "video"
	State      CallState
	FromNumber string
	ToNumber   string
	Feedback   string
	Deleted    bool
	CreatedAt  time.Time
}

// StatTriple carries the min/avg/max of one call-quality metric.
type StatTriple struct {
	Min *float64 `json:"min"`
	Avg *float64 `json:"avg"`
	Max *float64 `json:"max"`
}

// StreamSession is one participant's presence record within a room for a
// specific call. Join/leave timestamps and stats arrive out of order from
// gateway hooks; each (room, number) pair is written by exactly one logical
// event source, the peer's audio_main stream lifecycle.
type StreamSession struct {
	ID        int64
	RoomID    string
	CallID    string
	Number    string
	JoinedAt  *time.Time
	LeavedAt  *time.Time
	IP        string
	UserAgent string
	ConnectMS *int64
	ZoneLat   *float64
	ZoneLon   *float64
	MOS       StatTriple
	RTT       StatTriple
	Jitter    StatTriple
	Lost      StatTriple
	Deleted   bool
	CreatedAt time.Time
}

// CallActionLog is one append-only record of a hook-driven transition
// attempt, successful or rejected. Rows are never mutated after insertion;
// this is the source of truth for diagnosing state races in production.
type CallActionLog struct {
	ID        int64
	CallID    string
	RoomID    string
	Number    string
	Action    HookAction
	Success   bool
	Error     string
	IP        string
	UserAgent string
	Device    string
	OSName    string
	OSVersion string
	Network   string
	Deleted   bool
	CreatedAt time.Time
}
