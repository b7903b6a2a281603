package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autoscout-watcher/config"
	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// --- fakes ---

type fakeResolver struct {
	tmpl  *models.EndpointTemplate
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context) (*models.EndpointTemplate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tmpl, nil
}

type pageResult struct {
	records  []models.RawRecord
	lastPage bool
	err      error
}

type fakeFetcher struct {
	pages map[int]pageResult
}

func (f *fakeFetcher) Fetch(ctx context.Context, tmpl *models.EndpointTemplate, page int) ([]models.RawRecord, bool, error) {
	res, ok := f.pages[page]
	if !ok {
		return nil, true, nil
	}
	return res.records, res.lastPage, res.err
}

type fakeStore struct {
	mu      sync.Mutex
	data    map[string]*models.Listing
	pruned  int64
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]*models.Listing)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *fakeStore) UpsertAll(ctx context.Context, listings []*models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, l := range listings {
		cp := *l
		s.data[l.IdentityKey] = &cp
	}
	return nil
}

func (s *fakeStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return s.pruned, nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.data)), nil
}

func (s *fakeStore) FetchAll(ctx context.Context) ([]*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Listing
	for _, l := range s.data {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Send(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// --- helpers ---

func testConfig() *config.Config {
	return &config.Config{
		BotName:             "TestBot",
		CatalogBaseURL:      "https://www.autoscout24.de",
		Pages:               []int{1, 2, 3},
		MaxRetries:          1,
		ResolveFailureLimit: 2,
		Retention:           time.Hour,
		ScrapeInterval:      time.Minute,
	}
}

func rawRecord(id, make_, price string) models.RawRecord {
	return models.RawRecord{
		"id": id,
		"vehicle": map[string]any{
			"make":  make_,
			"model": "Golf",
		},
		"price": map[string]any{
			"priceFormatted": price,
		},
	}
}

// scalarRecord mimics the flatter upstream shape where price is a bare
// number and make sits at the top level.
func scalarRecord(id, make_ string, price float64) models.RawRecord {
	return models.RawRecord{
		"id":    id,
		"make":  make_,
		"price": price,
	}
}

func newTestOrchestrator(fetcher *fakeFetcher, resolver *fakeResolver, store *fakeStore, notifier *fakeNotifier) *Orchestrator {
	o := NewOrchestrator(testConfig(), utils.NewLogger(), resolver, fetcher, store, notifier, nil)
	o.pool = utils.NewWorkerPool(1, 0) // no pacing in tests
	return o
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{tmpl: &models.EndpointTemplate{
		Method:    "GET",
		URL:       "https://www.autoscout24.de/_next/data/b1/lst.json?page=1",
		PageParam: "page",
	}}
}

// --- tests ---

func TestCycleStopsAtMissingPage(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {records: []models.RawRecord{rawRecord("A1", "VW", "15000 €")}},
		2: {records: []models.RawRecord{rawRecord("B2", "BMW", "22000 €")}},
		3: {lastPage: true},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(fetcher, defaultResolver(), store, notifier)

	res := o.runCycle(context.Background())

	if res.Errors != 0 {
		t.Errorf("a missing page is not an error, got %d errors", res.Errors)
	}
	if res.Pages != 2 || res.Fetched != 2 {
		t.Errorf("expected results from pages 1-2 only, got pages=%d fetched=%d", res.Pages, res.Fetched)
	}
	if res.New != 2 {
		t.Errorf("new: got %d, want 2", res.New)
	}
}

func TestCycleStopsAtEmptyPage(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {records: []models.RawRecord{rawRecord("A1", "VW", "15000 €")}},
		2: {records: nil},
		3: {records: []models.RawRecord{rawRecord("C3", "Audi", "30000 €")}},
	}}
	store := newFakeStore()
	o := newTestOrchestrator(fetcher, defaultResolver(), store, &fakeNotifier{})

	res := o.runCycle(context.Background())

	if res.Pages != 1 || res.Fetched != 1 {
		t.Errorf("empty page must end the cycle, got pages=%d fetched=%d", res.Pages, res.Fetched)
	}
	if _, ok := store.data["C3"]; ok {
		t.Error("pages after the end-of-results signal must not be processed")
	}
}

func TestNewListingNotifiedExactlyOnce(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {records: []models.RawRecord{scalarRecord("A1", "VW", 15000)}},
		2: {lastPage: true},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(fetcher, defaultResolver(), store, notifier)

	// Cycle 1: listing is NEW and notified.
	res := o.runCycle(context.Background())
	if res.New != 1 {
		t.Fatalf("cycle 1 new: got %d, want 1", res.New)
	}

	msgs := notifier.all()
	if len(msgs) != 1 {
		t.Fatalf("cycle 1 notifications: got %d, want 1", len(msgs))
	}
	for _, want := range []string{"A1", "VW", "15000"} {
		if !strings.Contains(msgs[0], want) {
			t.Errorf("notification missing %q: %s", want, msgs[0])
		}
	}
	firstSeen := store.data["A1"].FirstSeenAt

	// Cycle 2: same listing with a lower price — UPDATED, silent.
	fetcher.pages[1] = pageResult{records: []models.RawRecord{scalarRecord("A1", "VW", 14500)}}
	res = o.runCycle(context.Background())

	if res.New != 0 || res.Updated != 1 {
		t.Errorf("cycle 2: got new=%d updated=%d, want 0/1", res.New, res.Updated)
	}
	if len(notifier.all()) != 1 {
		t.Error("price change must not produce a second NEW notification")
	}
	stored := store.data["A1"]
	if stored.PriceCents == nil || *stored.PriceCents != 1450000 {
		t.Errorf("store must reflect the new price, got %v", stored.PriceCents)
	}
	if !stored.FirstSeenAt.Equal(firstSeen) {
		t.Error("FirstSeenAt must survive the update")
	}

	// Cycle 3: identical record — UNCHANGED, silent.
	res = o.runCycle(context.Background())
	if res.Unchanged != 1 || res.New != 0 || res.Updated != 0 {
		t.Errorf("cycle 3: got new=%d updated=%d unchanged=%d", res.New, res.Updated, res.Unchanged)
	}
}

func TestResolutionFailureSendsSingleErrorNotice(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("no matching request observed")}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(&fakeFetcher{}, resolver, newFakeStore(), notifier)

	res := o.runCycle(context.Background())

	if res.Errors != 1 {
		t.Errorf("errors: got %d, want 1", res.Errors)
	}
	msgs := notifier.all()
	if len(msgs) != 1 {
		t.Fatalf("aggregated error notice: got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "Error Alert") {
		t.Errorf("unexpected notice: %s", msgs[0])
	}
}

func TestRecordErrorsAreSkippedNotFatal(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {records: []models.RawRecord{
			{"noid": true}, // missing identity key
			rawRecord("A1", "VW", "15000 €"),
		}},
		2: {lastPage: true},
	}}
	o := newTestOrchestrator(fetcher, defaultResolver(), newFakeStore(), &fakeNotifier{})

	res := o.runCycle(context.Background())

	if res.Errors != 0 {
		t.Errorf("one bad record must not fail the cycle, got %d errors", res.Errors)
	}
	if res.Skipped != 1 || res.New != 1 {
		t.Errorf("got skipped=%d new=%d, want 1/1", res.Skipped, res.New)
	}
}

func TestConsecutiveFailuresInvalidateTemplate(t *testing.T) {
	resolver := defaultResolver()
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {err: errors.New("connection reset")},
	}}
	o := newTestOrchestrator(fetcher, resolver, newFakeStore(), &fakeNotifier{})

	o.runCycle(context.Background())
	if resolver.calls != 1 {
		t.Fatalf("resolver calls after cycle 1: got %d, want 1", resolver.calls)
	}
	if o.template == nil {
		t.Fatal("template must survive the first failed cycle")
	}

	o.runCycle(context.Background())
	if resolver.calls != 1 {
		t.Errorf("cached template must be reused while valid, resolver calls %d", resolver.calls)
	}
	if o.template != nil {
		t.Fatal("template must be invalidated at the failure limit")
	}

	o.runCycle(context.Background())
	if resolver.calls != 2 {
		t.Errorf("cycle after invalidation must re-resolve, got %d calls", resolver.calls)
	}
}

func TestDuplicateAcrossPagesProcessedOnce(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{
		1: {records: []models.RawRecord{rawRecord("A1", "VW", "15000 €")}},
		2: {records: []models.RawRecord{rawRecord("A1", "VW", "15000 €")}},
		3: {lastPage: true},
	}}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(fetcher, defaultResolver(), newFakeStore(), notifier)

	res := o.runCycle(context.Background())

	if res.New != 1 {
		t.Errorf("duplicate across pages must classify once, got new=%d", res.New)
	}
	if len(notifier.all()) != 1 {
		t.Errorf("duplicate must notify once, got %d messages", len(notifier.all()))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pageResult{1: {lastPage: true}}}
	o := newTestOrchestrator(fetcher, defaultResolver(), newFakeStore(), &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
