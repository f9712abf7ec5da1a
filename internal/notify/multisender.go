package notify

import (
	"context"
	"fmt"

	"github.com/wavecall/wavecall/internal/store/models"
)

// Sender delivers one push notification to one device token.
type Sender interface {
	Send(ctx context.Context, token models.PushToken, payload Payload) error
}

// MultiSender routes push notifications to the appropriate platform sender.
type MultiSender struct {
	senders map[string]Sender
}

// NewMultiSender creates a MultiSender from a map of platform name to sender.
// At least one sender must be provided.
func NewMultiSender(senders map[string]Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send delegates to the sender registered for the token's platform.
func (m *MultiSender) Send(ctx context.Context, token models.PushToken, payload Payload) error {
	s, ok := m.senders[token.Platform]
	if !ok {
		return fmt.Errorf("no sender configured for platform %q", token.Platform)
	}
	return s.Send(ctx, token, payload)
}
