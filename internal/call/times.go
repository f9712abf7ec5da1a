package call

import (
	"sort"
	"time"

	"github.com/wavecall/wavecall/internal/store/models"
)

// StateLabel maps a call state to the label shown in call history. ENDED
// reads "answered": history cares whether the call connected, not how it
// finished.
func StateLabel(s models.CallState) string {
	switch s {
	case models.CallWaiting:
		return "waiting"
	case models.CallRinging:
		return "ringing"
	case models.CallAccepted, models.CallEnded:
		return "answered"
	case models.CallRejected:
		return "rejected"
	case models.CallCanceled:
		return "canceled"
	case models.CallTimeout:
		return "timeout"
	case models.CallError:
		return "error"
	}
	return "unknown"
}

// Times is the timing summary of one call, derived from its participants'
// stream sessions.
type Times struct {
	// Duration is how long both parties were connected, in milliseconds.
	Duration int64 `json:"duration"`
	// ConnectTime is how long the callee took to join after the caller, in
	// milliseconds.
	ConnectTime int64      `json:"connect_time"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
}

// DeriveTimes computes call timing from stream sessions. The conversation
// spans from the second join (both parties present) to the second-to-last
// leave (first party gone). With fewer than two joins or leaves the call
// never connected and only the start is known, taken from the earliest
// session record.
func DeriveTimes(sessions []models.StreamSession) Times {
	var created, joined, leaved []int64
	for _, s := range sessions {
		created = append(created, s.CreatedAt.UnixMilli())
		if s.JoinedAt != nil {
			joined = append(joined, s.JoinedAt.UnixMilli())
		}
		if s.LeavedAt != nil {
			leaved = append(leaved, s.LeavedAt.UnixMilli())
		}
	}
	sortInt64(created)
	sortInt64(joined)
	sortInt64(leaved)

	var t Times
	if len(joined) >= 2 && len(leaved) >= 2 {
		t.Duration = leaved[len(leaved)-2] - joined[1]
		t.ConnectTime = joined[1] - joined[0]
		started := time.UnixMilli(joined[1]).UTC()
		ended := time.UnixMilli(leaved[len(leaved)-2]).UTC()
		t.StartedAt = &started
		t.EndedAt = &ended
	} else if len(created) > 0 {
		started := time.UnixMilli(created[0]).UTC()
		t.StartedAt = &started
	}
	return t
}

func sortInt64(v []int64) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}
