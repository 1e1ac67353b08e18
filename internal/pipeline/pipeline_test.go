package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"call-relay/internal/provider"
	"call-relay/internal/store"
)

type sentMessage struct {
	chatID int64
	text   string
}

type sentAudio struct {
	chatID  int64
	caption string
	body    string
}

type stubChannel struct {
	mu       sync.Mutex
	messages []sentMessage
	audios   []sentAudio
	audioErr error
	textErr  error
}

func (c *stubChannel) SendMessage(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.textErr != nil {
		return c.textErr
	}
	c.messages = append(c.messages, sentMessage{chatID, text})
	return nil
}

func (c *stubChannel) SendAudio(_ context.Context, chatID int64, caption, _ string, audio io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioErr != nil {
		return c.audioErr
	}
	b, _ := io.ReadAll(audio)
	c.audios = append(c.audios, sentAudio{chatID, caption, string(b)})
	return nil
}

func (c *stubChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages) + len(c.audios)
}

type stubRecordings struct {
	mu sync.Mutex
	// failures is how many fetches fail before one succeeds.
	failures int
	fetches  int
}

func (p *stubRecordings) Scenarios(context.Context) ([]provider.Scenario, error) {
	return nil, errors.New("catalog not used by the pipeline")
}

func (p *stubRecordings) Recording(_ context.Context, callID int64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetches <= p.failures {
		return nil, fmt.Errorf("recording fetch: status 404")
	}
	return io.NopCloser(strings.NewReader(fmt.Sprintf("rec-%d", callID))), nil
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[int64]bool
	err  error
}

func newMemDeduper() *memDeduper { return &memDeduper{seen: map[int64]bool{}} }

func (d *memDeduper) Claim(_ context.Context, callID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen[callID] {
		return false, nil
	}
	d.seen[callID] = true
	return true, nil
}

func (d *memDeduper) Release(_ context.Context, callID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, callID)
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	channel *stubChannel
	rec     *stubRecordings
	dedup   *memDeduper
	waits   []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemory(),
		channel: &stubChannel{},
		rec:     &stubRecordings{},
		dedup:   newMemDeduper(),
	}
	if len(cfg.SuccessMarkers) == 0 {
		cfg.SuccessMarkers = []string{"Успех", "Горячий", "Горячая", "Hot"}
	}
	f.svc = NewService(cfg, f.store, f.rec, f.channel, f.dedup, nil)
	f.svc.wait = func(_ context.Context, d time.Duration) error {
		f.waits = append(f.waits, d)
		return nil
	}
	return f
}

func event() Event {
	return Event{
		CallID:      777,
		ScenarioID:  42,
		ResultName:  "Горячий",
		ManagerName: "Ivan",
		Phone:       "+79990001122",
		Comment:     "call back tomorrow",
		StartedAt:   time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func bind(t *testing.T, f *fixture, scenarioID, chatID int64) {
	t.Helper()
	if err := f.store.UpsertBinding(context.Background(), store.Binding{ScenarioID: scenarioID, ChatID: chatID}); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func TestProcess_AudioDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusDelivered || out.Delivery != store.DeliveryAudio {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(f.channel.audios) != 1 || len(f.channel.messages) != 0 {
		t.Fatalf("expected exactly one audio send, got %d audio %d text", len(f.channel.audios), len(f.channel.messages))
	}
	a := f.channel.audios[0]
	if a.chatID != 99 || a.body != "rec-777" {
		t.Fatalf("unexpected audio: %+v", a)
	}
	if !strings.Contains(a.caption, "Ivan") || !strings.Contains(a.caption, "777") {
		t.Fatalf("caption missing fields: %q", a.caption)
	}

	r, ok := f.store.CallRecordFor(777)
	if !ok || r.Delivery != store.DeliveryAudio || r.DeliveredTo != 99 {
		t.Fatalf("unexpected record: %+v ok=%v", r, ok)
	}
}

func TestProcess_FallbackToTextWhenRecordingNeverAppears(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)
	f.rec.failures = 1000

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusDelivered || out.Delivery != store.DeliveryText {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(f.channel.messages) != 1 || len(f.channel.audios) != 0 {
		t.Fatalf("expected exactly one text send")
	}
	msg := f.channel.messages[0]
	if !strings.Contains(msg.text, unavailableMarker) {
		t.Fatalf("expected unavailable marker in %q", msg.text)
	}
	// The fallback text carries the same composed fields as the caption
	// would have.
	for _, want := range []string{"Ivan", "+79990001122", "Горячий", "call back tomorrow", "777"} {
		if !strings.Contains(msg.text, want) {
			t.Fatalf("fallback text missing %q: %q", want, msg.text)
		}
	}
	if r, ok := f.store.CallRecordFor(777); !ok || r.Delivery != store.DeliveryText {
		t.Fatalf("unexpected record: %+v ok=%v", r, ok)
	}
}

func TestProcess_FetchScheduleRetries(t *testing.T) {
	sched := []time.Duration{120 * time.Second, 30 * time.Second, 60 * time.Second}
	f := newFixture(t, Config{FetchSchedule: sched})
	bind(t, f, 42, 99)
	f.rec.failures = 2

	out := f.svc.Process(context.Background(), event())
	if out.Delivery != store.DeliveryAudio {
		t.Fatalf("expected audio after retries, got %+v", out)
	}
	if f.rec.fetches != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", f.rec.fetches)
	}
	if len(f.waits) != 3 || f.waits[0] != 120*time.Second || f.waits[1] != 30*time.Second {
		t.Fatalf("unexpected wait schedule: %v", f.waits)
	}
}

func TestProcess_AudioSendFailureFallsBackOnce(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)
	f.channel.audioErr = errors.New("upload rejected")

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusDelivered || out.Delivery != store.DeliveryText {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if f.rec.fetches != 1 {
		t.Fatalf("audio send failure must not re-fetch, got %d fetches", f.rec.fetches)
	}
	if len(f.channel.messages) != 1 {
		t.Fatalf("expected one text fallback")
	}
}

func TestProcess_TotalFailureReleasesClaimForRetry(t *testing.T) {
	f := newFixture(t, Config{FetchSchedule: []time.Duration{time.Millisecond}})
	bind(t, f, 42, 99)
	f.rec.failures = 1000
	f.channel.textErr = errors.New("chat unreachable")

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
	if seen, _ := f.store.CallSeen(context.Background(), 777); seen {
		t.Fatalf("failed delivery must not be durably logged")
	}

	// A redelivery of the same call must go through once the channel heals.
	f.channel.textErr = nil
	out = f.svc.Process(context.Background(), event())
	if out.Status != StatusDelivered || out.Delivery != store.DeliveryText {
		t.Fatalf("expected delivery on retry, got %+v", out)
	}
}

func TestProcess_Idempotence(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)

	first := f.svc.Process(context.Background(), event())
	if first.Status != StatusDelivered {
		t.Fatalf("first delivery failed: %+v", first)
	}
	second := f.svc.Process(context.Background(), event())
	if second.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if f.channel.sends() != 1 {
		t.Fatalf("expected one send total, got %d", f.channel.sends())
	}
}

func TestProcess_IdempotenceConcurrent(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.svc.Process(context.Background(), event())
		}(i)
	}
	wg.Wait()

	delivered := 0
	for _, o := range outcomes {
		if o.Status == StatusDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
	if f.channel.sends() != 1 {
		t.Fatalf("expected one send total, got %d", f.channel.sends())
	}
}

func TestProcess_DurableDedupWhenFastPathDown(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)

	if out := f.svc.Process(context.Background(), event()); out.Status != StatusDelivered {
		t.Fatalf("first: %+v", out)
	}
	// Fast path starts failing; the durable log must still stop the repeat.
	f.dedup.err = errors.New("redis down")
	if out := f.svc.Process(context.Background(), event()); out.Status != StatusDuplicate {
		t.Fatalf("expected durable duplicate, got %+v", out)
	}
}

func TestProcess_IgnoresMalformed(t *testing.T) {
	f := newFixture(t, Config{})

	if out := f.svc.Process(context.Background(), Event{ScenarioID: 42}); out.Status != StatusIgnored {
		t.Fatalf("expected ignored for missing call id, got %+v", out)
	}
	if out := f.svc.Process(context.Background(), Event{CallID: 1}); out.Status != StatusIgnored {
		t.Fatalf("expected ignored for missing scenario id, got %+v", out)
	}
	if f.channel.sends() != 0 {
		t.Fatalf("no sends expected")
	}
}

func TestProcess_NotActionable(t *testing.T) {
	f := newFixture(t, Config{})
	bind(t, f, 42, 99)

	ev := event()
	ev.ResultName = "Cold"
	if out := f.svc.Process(context.Background(), ev); out.Status != StatusNotActionable {
		t.Fatalf("expected not actionable, got %+v", out)
	}
	if f.channel.sends() != 0 {
		t.Fatalf("no sends expected")
	}
	if seen, _ := f.store.CallSeen(context.Background(), 777); seen {
		t.Fatalf("non-actionable event must not be durably logged")
	}
}

func TestProcess_UnroutableDropsWithoutRecord(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusUnroutable {
		t.Fatalf("expected unroutable, got %+v", out)
	}
	if f.channel.sends() != 0 {
		t.Fatalf("no sends expected")
	}
	if seen, _ := f.store.CallSeen(context.Background(), 777); seen {
		t.Fatalf("unroutable event must not be durably logged")
	}
}

func TestProcess_FallbackChatReceivesUnbound(t *testing.T) {
	f := newFixture(t, Config{FallbackChatID: 555})

	out := f.svc.Process(context.Background(), event())
	if out.Status != StatusDelivered || out.ChatID != 555 {
		t.Fatalf("expected delivery to fallback chat, got %+v", out)
	}
}

func TestProcess_BindingTakesPrecedenceOverFallback(t *testing.T) {
	f := newFixture(t, Config{FallbackChatID: 555})
	bind(t, f, 42, 99)
	bind(t, f, 43, 111)

	out := f.svc.Process(context.Background(), event())
	if out.ChatID != 99 {
		t.Fatalf("expected binding destination 99, got %d", out.ChatID)
	}
}

func TestClassify(t *testing.T) {
	markers := []string{"Hot", "Success"}
	cases := []struct {
		result string
		want   bool
	}{
		{"very hot lead", true},
		{"SUCCESS!", true},
		{"Cold", false},
		{"", false},
		{"   ", false},
		{"Горячий клиент", false},
	}
	for _, tc := range cases {
		if got := Classify(tc.result, markers); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.result, got, tc.want)
		}
	}

	ruMarkers := []string{"Успех", "Горячий", "Горячая", "Hot"}
	if !Classify("ГОРЯЧАЯ сделка", ruMarkers) {
		t.Errorf("expected case-insensitive cyrillic match")
	}
}

func TestCompose_MissingFieldsGetPlaceholder(t *testing.T) {
	body := Compose(Event{CallID: 5, ScenarioID: 1})
	for _, line := range []string{"Менеджер", "Телефон", "Результат", "Комментарий", "Дата"} {
		if !strings.Contains(body, line+": "+notSpecified) {
			t.Errorf("expected %q to default, body:\n%s", line, body)
		}
	}
	if !strings.Contains(body, "ID звонка: 5") {
		t.Errorf("expected call id in body:\n%s", body)
	}
}

func TestEnqueue_DoesNotBlockCaller(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	bind(t, f, 42, 99)

	release := make(chan struct{})
	f.svc.wait = func(ctx context.Context, _ time.Duration) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 5; i++ {
			ev := event()
			ev.CallID = i
			f.svc.Enqueue(ctx, ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("enqueue blocked while a delivery was waiting")
	}
	close(release)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := f.svc.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if f.channel.sends() != 5 {
		t.Fatalf("expected 5 deliveries, got %d", f.channel.sends())
	}
}
