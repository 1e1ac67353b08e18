package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"call-relay/internal/provider"
	"call-relay/internal/store"

	"github.com/google/uuid"
)

// Channel is the outbound side of the pipeline: the chat platform.
type Channel interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendAudio(ctx context.Context, chatID int64, caption, filename string, audio io.Reader) error
}

// Config tunes one pipeline instance.
type Config struct {
	SuccessMarkers []string

	// FallbackChatID receives events whose scenario has no binding.
	// Zero means unbound events are dropped.
	FallbackChatID int64

	// FetchSchedule is the wait before each recording fetch attempt.
	// The first entry is the initial post-webhook delay; recordings are
	// published by the CRM some time after the call-result event, so the
	// pipeline polls with increasing gaps instead of a single blind sleep.
	FetchSchedule []time.Duration

	// FetchTimeout bounds a single recording download.
	FetchTimeout time.Duration

	// Workers caps concurrent in-flight deliveries.
	Workers int
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.FetchSchedule) == 0 {
		out.FetchSchedule = []time.Duration{
			120 * time.Second,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
		}
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = 30 * time.Second
	}
	if out.Workers <= 0 {
		out.Workers = 16
	}
	return out
}

// Service turns one inbound call-result event into at most one outbound
// notification, exactly once per call id.
type Service struct {
	cfg      Config
	store    store.Store
	provider provider.CallProvider
	channel  Channel
	dedup    Deduper
	log      *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	// wait is injectable so tests do not sleep through the schedule.
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

func NewService(cfg Config, st store.Store, cp provider.CallProvider, ch Channel, dd Deduper, log *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		provider: cp,
		channel:  ch,
		dedup:    dd,
		log:      log,
		sem:      make(chan struct{}, cfg.Workers),
		wait:     sleepCtx,
		now:      time.Now,
	}
}

// Enqueue schedules the event for asynchronous processing and returns
// immediately. The webhook acknowledgment must never wait out the
// recording delay, so all the work happens on a pooled goroutine tied to
// the process root context, not to the HTTP request.
func (s *Service) Enqueue(ctx context.Context, ev Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}
		s.Process(ctx, ev)
	}()
}

// Drain waits for in-flight deliveries to finish or the context to expire.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs the full per-event state machine synchronously.
func (s *Service) Process(ctx context.Context, ev Event) Outcome {
	log := s.log.With("call_id", ev.CallID, "scenario_id", ev.ScenarioID)

	// Malformed events are common (other webhook kinds, test deliveries)
	// and are accepted silently.
	if ev.CallID == 0 || ev.ScenarioID == 0 {
		return Outcome{Status: StatusIgnored}
	}

	if dup := s.alreadySeen(ctx, log, ev.CallID); dup {
		log.Debug("duplicate call event dropped")
		return Outcome{Status: StatusDuplicate}
	}

	if !Classify(ev.ResultName, s.cfg.SuccessMarkers) {
		return Outcome{Status: StatusNotActionable}
	}

	chatID, err := s.resolveDestination(ctx, ev.ScenarioID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info("no binding for scenario, event dropped")
			return Outcome{Status: StatusUnroutable}
		}
		log.Error("binding lookup failed, event dropped", "err", err)
		return Outcome{Status: StatusUnroutable}
	}

	body := Compose(ev)

	delivery, err := s.deliver(ctx, log, ev, chatID, body)

	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err != nil {
		log.Error("delivery failed on both paths", "chat_id", chatID, "err", err)
		// Nothing went out, so the claim must not block a redelivery.
		// The durable log stays untouched for the same reason.
		if s.dedup != nil {
			if rerr := s.dedup.Release(recordCtx, ev.CallID); rerr != nil {
				log.Warn("dedup release failed", "err", rerr)
			}
		}
		return Outcome{Status: StatusFailed, ChatID: chatID}
	}
	log.Info("notification delivered", "chat_id", chatID, "delivery", delivery)

	// Best-effort audit; a failed write must not undo a completed delivery.
	record := store.CallRecord{
		CallID:      ev.CallID,
		ScenarioID:  ev.ScenarioID,
		ResultName:  ev.ResultName,
		ManagerName: ev.ManagerName,
		Phone:       ev.Phone,
		Comment:     ev.Comment,
		StartedAt:   ev.StartedAt,
		DeliveredTo: chatID,
		Delivery:    delivery,
		DeliveryID:  uuid.NewString(),
		ProcessedAt: s.now().UTC(),
	}
	if err := s.store.RecordCall(recordCtx, record); err != nil {
		log.Error("call log write failed", "err", err)
	}
	return Outcome{Status: StatusDelivered, ChatID: chatID, Delivery: delivery}
}

// alreadySeen claims the call id on the fast path and falls back to the
// durable log. The claim happens before any further processing to close
// the race window for near-simultaneous duplicate deliveries.
func (s *Service) alreadySeen(ctx context.Context, log *slog.Logger, callID int64) bool {
	if s.dedup != nil {
		fresh, err := s.dedup.Claim(ctx, callID)
		if err == nil && !fresh {
			return true
		}
		if err != nil {
			log.Warn("fast-path dedup unavailable, using durable check", "err", err)
		}
	}
	seen, err := s.store.CallSeen(ctx, callID)
	if err != nil {
		// Fail open: a dropped duplicate is worse than a dropped lead,
		// and the durable insert is still conflict-guarded.
		log.Error("durable dedup check failed", "err", err)
		return false
	}
	return seen
}

// resolveDestination applies the routing precedence:
// binding match, then configured fallback chat, then drop.
func (s *Service) resolveDestination(ctx context.Context, scenarioID int64) (int64, error) {
	b, err := s.store.BindingForScenario(ctx, scenarioID)
	if err == nil {
		return b.ChatID, nil
	}
	if errors.Is(err, store.ErrNotFound) && s.cfg.FallbackChatID != 0 {
		return s.cfg.FallbackChatID, nil
	}
	return 0, err
}

// deliver waits out the fetch schedule, then sends the recording as audio
// with the body as caption, falling back to a plain text message. Exactly
// one notification goes out unless both paths fail.
func (s *Service) deliver(ctx context.Context, log *slog.Logger, ev Event, chatID int64, body string) (string, error) {
	for i, delay := range s.cfg.FetchSchedule {
		if err := s.wait(ctx, delay); err != nil {
			// Shutdown while waiting: go straight to the text fallback so
			// an actionable lead is not lost with the process.
			log.Warn("recording wait interrupted, sending text fallback", "err", err)
			break
		}

		rec, err := s.fetchRecording(ctx, ev.CallID)
		if err != nil {
			log.Debug("recording not available yet", "attempt", i+1, "err", err)
			continue
		}

		err = s.channel.SendAudio(ctx, chatID, body, fmt.Sprintf("call_%d.mp3", ev.CallID), rec)
		rec.Close()
		if err != nil {
			// The recording existed but the upload failed; retrying the
			// audio path risks a double send, so fall back to text.
			log.Warn("audio send failed, sending text fallback", "err", err)
			break
		}
		return store.DeliveryAudio, nil
	}

	// The fallback send must survive shutdown cancellation: the lead is
	// already past dedup, so dropping it here would lose it for good.
	sendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	text := body + "\n" + unavailableMarker
	if err := s.channel.SendMessage(sendCtx, chatID, text); err != nil {
		return store.DeliveryText, fmt.Errorf("text fallback send: %w", err)
	}
	return store.DeliveryText, nil
}

func (s *Service) fetchRecording(ctx context.Context, callID int64) (io.ReadCloser, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	rec, err := s.provider.Recording(fetchCtx, callID)
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelReadCloser{ReadCloser: rec, cancel: cancel}, nil
}

// cancelReadCloser ties the fetch timeout to the reader lifetime so the
// timeout also bounds streaming the body, not just the response headers.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
