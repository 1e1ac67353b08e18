package bot

import (
	"context"
	"errors"
	"time"

	"call-relay/internal/telegram"
)

// Poller consumes updates via long polling. It is the default transport;
// deployments with a public URL use the webhook route instead.
type Poller struct {
	client     *telegram.Client
	dispatcher *Dispatcher

	// pollTimeout is the long-poll hold in seconds.
	pollTimeout int
	// retryDelay spaces retries after a transport error.
	retryDelay time.Duration
}

func NewPoller(client *telegram.Client, d *Dispatcher) *Poller {
	return &Poller{
		client:      client,
		dispatcher:  d,
		pollTimeout: 30,
		retryDelay:  3 * time.Second,
	}
}

// Run blocks until ctx is cancelled. Updates are handled sequentially:
// admin command volume is tiny and ordering keeps the conversational
// flows coherent.
func (p *Poller) Run(ctx context.Context) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			p.dispatcher.sessions.Sweep()
		default:
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.dispatcher.log.Warn("update poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.dispatcher.HandleUpdate(ctx, u)
		}
	}
}
