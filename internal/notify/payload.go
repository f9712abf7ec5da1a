package notify

// Payload types carried in push notifications.
const (
	TypeIncoming = "incoming"
	TypeCancel   = "cancel"
)

// MediaSession carries everything a callee device needs to join the media
// room straight from the notification, without a round trip to the API.
type MediaSession struct {
	Gateways []string `json:"gateways"`
	RoomID   string   `json:"room_id"`
	PeerID   string   `json:"peer_id"`
	Token    string   `json:"token"`
}

// Payload is the push notification body for call signalling. Hook and
// Bluesea are present only on incoming-call notifications.
type Payload struct {
	Type           string        `json:"type"`
	CallID         string        `json:"call_id"`
	CallType       string        `json:"call_type"`
	CallerIDName   string        `json:"caller_id_name"`
	CallerIDNumber string        `json:"caller_id_number"`
	Hook           string        `json:"hook,omitempty"`
	Bluesea        *MediaSession `json:"bluesea,omitempty"`
}

// NewIncoming builds an incoming-call payload.
func NewIncoming(callID, callType, callerName, callerNumber, hook string, session MediaSession) Payload {
	return Payload{
		Type:           TypeIncoming,
		CallID:         callID,
		CallType:       callType,
		CallerIDName:   callerName,
		CallerIDNumber: callerNumber,
		Hook:           hook,
		Bluesea:        &session,
	}
}

// NewCancel builds a cancel payload. It carries only call identity so a
// ringing device can dismiss the call screen.
func NewCancel(callID, callType, callerName, callerNumber string) Payload {
	return Payload{
		Type:           TypeCancel,
		CallID:         callID,
		CallType:       callType,
		CallerIDName:   callerName,
		CallerIDNumber: callerNumber,
	}
}
