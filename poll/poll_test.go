package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"train-notifier/cookies"
	"train-notifier/notify"
	"train-notifier/report"
	"train-notifier/scraper"
)

const (
	urlA = "https://grandtrain.ru/search/123-456/30.06.2025/028С/"
	urlB = "https://grandtrain.ru/search/123-456/01.07.2025/104В/"
)

const kupePage = `<html><body><div class="classes-container">
<div class="car-class" data-filter="Купе">
  <span class="car-class__car-num">Вагоны: 5,6</span>
  <div class="car-class__fare-item"><span>12 нижних</span></div>
</div>
<div class="car-class" data-filter="СВ">
  <span class="car-class__car-num">Вагоны: 1</span>
  <div class="car-class__fare-item"><span>2 места</span></div>
</div>
</div></body></html>`

type fakeSessions struct{ loads int }

func (s *fakeSessions) Load(context.Context) *cookies.Jar {
	s.loads++
	return cookies.New()
}

type fakeFetcher struct {
	outcomes map[string]*scraper.Outcome
	errs     map[string]error
	fetched  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL string) (*scraper.Outcome, error) {
	f.fetched = append(f.fetched, pageURL)
	if err, ok := f.errs[pageURL]; ok {
		return nil, err
	}
	if out, ok := f.outcomes[pageURL]; ok {
		return out, nil
	}
	return &scraper.Outcome{Kind: scraper.NoAvailability}, nil
}

type fakeStates struct {
	data   map[string]string
	getErr error
	putErr error
	puts   int
}

func newFakeStates() *fakeStates {
	return &fakeStates{data: make(map[string]string)}
}

func (s *fakeStates) Get(_ context.Context, recipient string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	fp, ok := s.data[recipient]
	return fp, ok, nil
}

func (s *fakeStates) Put(_ context.Context, recipient, fingerprint string) error {
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.data[recipient] = fingerprint
	return nil
}

type fakeSender struct {
	fail  map[string]error
	sent  []string
	texts []string
}

func (s *fakeSender) Send(_ context.Context, recipient, text string) error {
	if err := s.fail[recipient]; err != nil {
		return err
	}
	s.sent = append(s.sent, recipient)
	s.texts = append(s.texts, text)
	return nil
}

type harness struct {
	sessions *fakeSessions
	fetcher  *fakeFetcher
	states   *fakeStates
	sender   *fakeSender
	monitor  *Monitor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sessions: &fakeSessions{},
		fetcher:  &fakeFetcher{outcomes: map[string]*scraper.Outcome{}, errs: map[string]error{}},
		states:   newFakeStates(),
		sender:   &fakeSender{fail: map[string]error{}},
	}
	factory := func(*cookies.Jar) (Fetcher, error) { return h.fetcher, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.monitor = New(cfg, h.sessions, factory, h.states, h.sender, logger)
	return h
}

func content(body string) *scraper.Outcome {
	return &scraper.Outcome{Kind: scraper.Content, Body: []byte(body), StatusCode: 200}
}

func TestCheckNoResultsSkipsEverything(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1", "2"}})
	h.states.data["1"] = "previous"

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rep.Status != StatusNoResults {
		t.Errorf("Status = %q, want %q", rep.Status, StatusNoResults)
	}
	if len(h.sender.sent) != 0 {
		t.Errorf("sent = %v, want none", h.sender.sent)
	}
	if h.states.puts != 0 || h.states.data["1"] != "previous" {
		t.Errorf("state changed: puts=%d data=%v", h.states.puts, h.states.data)
	}
	if rep.Fingerprint != "" {
		t.Errorf("Fingerprint = %q, want empty", rep.Fingerprint)
	}
}

func TestCheckNotifyWhenEmpty(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1"}, NotifyWhenEmpty: true})

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rep.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", rep.Status, StatusCompleted)
	}
	if len(h.sender.texts) != 1 {
		t.Fatalf("texts = %d, want 1", len(h.sender.texts))
	}
	want := "\n📅 30.06.2025\n ┌ 🚄 028С:\n🚫"
	if h.sender.texts[0] != want {
		t.Errorf("text = %q, want %q", h.sender.texts[0], want)
	}
}

func TestCheckSendsOnceThenUnchanged(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA, urlB}, Recipients: []string{"1", "2"}})
	h.fetcher.outcomes[urlA] = content(kupePage)

	first, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("first Check() error = %v", err)
	}
	if !slices.Equal(first.Sent, []string{"1", "2"}) {
		t.Errorf("first Sent = %v, want [1 2]", first.Sent)
	}
	if first.Total != 1 || first.Targets != 2 {
		t.Errorf("Total=%d Targets=%d, want 1 and 2", first.Total, first.Targets)
	}
	text := h.sender.texts[0]
	if !strings.Contains(text, " ├─🛏 Купе | 5,6 | 12 нижних") || strings.Contains(text, "СВ") {
		t.Errorf("unexpected text %q", text)
	}
	if got := report.Fingerprint(text); h.states.data["1"] != got || h.states.data["2"] != got {
		t.Errorf("stored = %v, want %s for both", h.states.data, got)
	}

	second, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if len(second.Sent) != 0 || !slices.Equal(second.Unchanged, []string{"1", "2"}) {
		t.Errorf("second Sent=%v Unchanged=%v", second.Sent, second.Unchanged)
	}
	if len(h.sender.sent) != 2 {
		t.Errorf("total sends = %d, want 2", len(h.sender.sent))
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed between identical runs")
	}
}

func TestCheckResendsOnChange(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1"}})
	h.fetcher.outcomes[urlA] = content(kupePage)
	h.states.data["1"] = "stale"

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !slices.Equal(rep.Sent, []string{"1"}) {
		t.Errorf("Sent = %v, want [1]", rep.Sent)
	}
	if h.states.data["1"] != rep.Fingerprint {
		t.Errorf("stored = %q, want %q", h.states.data["1"], rep.Fingerprint)
	}
}

func TestCheckDeliveryFailureLeavesState(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1", "2", "3"}})
	h.fetcher.outcomes[urlA] = content(kupePage)
	h.states.data["2"] = "old"
	h.sender.fail["2"] = &notify.DeliveryError{Recipient: "2", StatusCode: 400, Description: "Bad Request: chat not found"}
	h.sender.fail["3"] = errors.New("connection reset")

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !slices.Equal(rep.Sent, []string{"1"}) || !slices.Equal(rep.Failed, []string{"2", "3"}) {
		t.Errorf("Sent=%v Failed=%v", rep.Sent, rep.Failed)
	}
	if h.states.data["2"] != "old" {
		t.Errorf("failed recipient state = %q, want old", h.states.data["2"])
	}
	if _, ok := h.states.data["3"]; ok {
		t.Errorf("state stored for undelivered recipient 3")
	}
}

func TestCheckAccessDeniedAborts(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA, urlB}, Recipients: []string{"1"}})
	h.fetcher.outcomes[urlB] = content(kupePage)
	h.fetcher.errs[urlA] = &scraper.AccessDeniedError{URL: urlA}

	_, err := h.monitor.Check(context.Background())
	if !scraper.IsAccessDenied(err) {
		t.Fatalf("Check() error = %v, want access denied", err)
	}
	if !slices.Equal(h.fetcher.fetched, []string{urlA}) {
		t.Errorf("fetched = %v, want only first target", h.fetcher.fetched)
	}
	if len(h.sender.sent) != 0 || h.states.puts != 0 {
		t.Errorf("sent=%v puts=%d, want none", h.sender.sent, h.states.puts)
	}
}

func TestCheckFetchErrorAborts(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA, urlB}, Recipients: []string{"1"}})
	h.fetcher.outcomes[urlA] = content(kupePage)
	h.fetcher.errs[urlB] = &scraper.FetchError{URL: urlB, StatusCode: 502}

	_, err := h.monitor.Check(context.Background())
	var fe *scraper.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Check() error = %v, want FetchError", err)
	}
	if len(h.sender.sent) != 0 {
		t.Errorf("sent = %v, want none", h.sender.sent)
	}
}

func TestCheckStateReadErrorTreatedAsAbsent(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1"}})
	h.fetcher.outcomes[urlA] = content(kupePage)
	h.states.getErr = errors.New("bucket unavailable")

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !slices.Equal(rep.Sent, []string{"1"}) {
		t.Errorf("Sent = %v, want [1]", rep.Sent)
	}
}

func TestCheckStateSaveErrorAborts(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1", "2"}})
	h.fetcher.outcomes[urlA] = content(kupePage)
	h.states.putErr = errors.New("disk full")

	_, err := h.monitor.Check(context.Background())
	if err == nil {
		t.Fatal("Check() error = nil, want save failure")
	}
	if !slices.Equal(h.sender.sent, []string{"1"}) {
		t.Errorf("sent = %v, want only the first recipient", h.sender.sent)
	}
}

func TestCheckLoadsSessionOncePerRun(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA, urlB}, Recipients: []string{"1"}})
	for range 2 {
		if _, err := h.monitor.Check(context.Background()); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}
	if h.sessions.loads != 2 {
		t.Errorf("loads = %d, want 2", h.sessions.loads)
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(context.Context, string) (*scraper.Outcome, error) {
	close(b.started)
	<-b.release
	return &scraper.Outcome{Kind: scraper.NoAvailability}, nil
}

func TestCheckRejectsOverlappingRuns(t *testing.T) {
	bf := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	factory := func(*cookies.Jar) (Fetcher, error) { return bf, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(Config{URLs: []string{urlA}}, &fakeSessions{}, factory, newFakeStates(), &fakeSender{}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.Check(context.Background()); err != nil {
			t.Errorf("first Check() error = %v", err)
		}
	}()

	<-bf.started
	if _, err := m.Check(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("overlapping Check() error = %v, want ErrRunInProgress", err)
	}
	close(bf.release)
	wg.Wait()
}

func TestCheckCancelledContext(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA}, Recipients: []string{"1"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.monitor.Check(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Check() error = %v, want context.Canceled", err)
	}
	if len(h.fetcher.fetched) != 0 {
		t.Errorf("fetched = %v, want none", h.fetcher.fetched)
	}
}

func TestCheckDuplicateTargetKeepsOneEntry(t *testing.T) {
	h := newHarness(t, Config{URLs: []string{urlA, urlA}, Recipients: []string{"1"}})
	h.fetcher.outcomes[urlA] = content(kupePage)

	rep, err := h.monitor.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rep.Total != 1 {
		t.Errorf("Total = %d, want 1", rep.Total)
	}
	if got := strings.Count(h.sender.texts[0], "028С"); got != 1 {
		t.Errorf("train listed %d times, want 1", got)
	}
}
