package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wavecall/wavecall/internal/store/models"
)

// defaultConcurrency bounds the parallel sends of one dispatch.
const defaultConcurrency = 8

// DeliveryResult reports the outcome of one per-device delivery attempt.
type DeliveryResult struct {
	Token    string
	Platform string
	Err      error
}

// Delivered returns true if the notification reached the push service.
func (r DeliveryResult) Delivered() bool {
	return r.Err == nil
}

// Dispatcher fans one payload out to a set of device tokens. Deliveries run
// concurrently up to a fixed bound and failures never abort the remaining
// sends; every token gets a result.
type Dispatcher struct {
	sender      Sender
	concurrency int
}

// NewDispatcher creates a Dispatcher over sender. concurrency <= 0 selects
// the default bound.
func NewDispatcher(sender Sender, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{sender: sender, concurrency: concurrency}
}

// Dispatch sends payload to every token and returns one result per token, in
// input order.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []models.PushToken, payload Payload) []DeliveryResult {
	results := make([]DeliveryResult, len(tokens))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, token models.PushToken) {
			defer wg.Done()
			defer func() { <-sem }()

			err := d.sender.Send(ctx, token, payload)
			results[i] = DeliveryResult{Token: token.Token, Platform: token.Platform, Err: err}
			if err != nil {
				slog.Warn("push delivery failed",
					"platform", token.Platform,
					"call_id", payload.CallID,
					"type", payload.Type,
					"error", err,
				)
			}
		}(i, token)
	}
	wg.Wait()

	return results
}

// DeliveredCount returns how many results in rs succeeded.
func DeliveredCount(rs []DeliveryResult) int {
	n := 0
	for _, r := range rs {
		if r.Delivered() {
			n++
		}
	}
	return n
}
