package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/affbot/internal/approval"
	"github.com/kalambet/affbot/internal/ingest"
	"github.com/kalambet/affbot/internal/queue"
	"github.com/kalambet/affbot/internal/source"
	"github.com/kalambet/affbot/internal/storage"
)

type mockClassifier struct {
	classifyFn func(ctx context.Context, text string) (bool, error)
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (bool, error) {
	return m.classifyFn(ctx, text)
}

type mockResearcher struct {
	enrichFn func(ctx context.Context, query, contact string) (string, error)
}

func (m *mockResearcher) Enrich(ctx context.Context, query, contact string) (string, error) {
	return m.enrichFn(ctx, query, contact)
}

type mockSender struct {
	mu     sync.Mutex
	sent   []string
	sendFn func(ctx context.Context, text string) error
}

func (m *mockSender) Send(ctx context.Context, text string) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockSender) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type mockSource struct {
	mu   sync.Mutex
	msgs []source.Message
}

func (m *mockSource) Fetch(context.Context) ([]source.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]source.Message(nil), m.msgs...), nil
}

func yes() *mockClassifier {
	return &mockClassifier{classifyFn: func(context.Context, string) (bool, error) { return true, nil }}
}

func researching(text string) *mockResearcher {
	return &mockResearcher{enrichFn: func(context.Context, string, string) (string, error) { return text, nil }}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.SeedSequence(context.Background(), 1); err != nil {
		t.Fatalf("SeedSequence: %v", err)
	}
	return s
}

func admitTest(t *testing.T, s *storage.Store, id, text string) ingest.Item {
	t.Helper()
	adm, err := s.Admit(context.Background(), id, "+91-555-0100", text)
	if err != nil || !adm.Admitted {
		t.Fatalf("Admit = %+v, %v", adm, err)
	}
	return ingest.Item{SequenceID: adm.SequenceID, Contact: "+91-555-0100", Text: text}
}

func stageOf(t *testing.T, s *storage.Store, seq int64) storage.WorkItem {
	t.Helper()
	wi, err := s.GetWorkItem(context.Background(), seq)
	if err != nil {
		t.Fatalf("GetWorkItem(%d): %v", seq, err)
	}
	return wi
}

// auditStore counts audit log writes on top of a real store.
type auditStore struct {
	*storage.Store
	mu              sync.Mutex
	classifications int
	enrichments     int
}

func (a *auditStore) LogClassification(ctx context.Context, seq int64, text string, isNeed bool, errMsg string) error {
	a.mu.Lock()
	a.classifications++
	a.mu.Unlock()
	return a.Store.LogClassification(ctx, seq, text, isNeed, errMsg)
}

func (a *auditStore) LogEnrichment(ctx context.Context, seq int64, query, contact, response, errMsg string) error {
	a.mu.Lock()
	a.enrichments++
	a.mu.Unlock()
	return a.Store.LogEnrichment(ctx, seq, query, contact, response, errMsg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStripURLsAndCompose(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Try this https://shop.example/x?a=1 today", "Try this  today"},
		{"See www.example.com/serum for more", "See  for more"},
		{"http://a.b and https://c.d", "and"},
		{"  no links here  ", "no links here"},
		{"Try httpie or HTTP clients", "Try httpie or HTTP clients"},
	}
	for _, tt := range tests {
		if got := StripURLs(tt.in); got != tt.want {
			t.Errorf("StripURLs(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	got := Compose("Hey! Buy it at https://other.example/p", "https://example.com/p/123")
	want := "Hey! Buy it at\nProduct Link: https://example.com/p/123"
	if got != want {
		t.Errorf("Compose = %q, want %q", got, want)
	}
}

func TestClassifyStage_Need(t *testing.T) {
	s := openTestStore(t)
	in, out := queue.New[ingest.Item](0), queue.New[ingest.Item](0)
	item := admitTest(t, s, "m1", "need a vitamin c serum")

	audited := &auditStore{Store: s}
	o := NewClassifyStage(in, out, yes(), audited, 0).Process(context.Background(), item)
	if o.Kind != OutcomeAdvanced {
		t.Fatalf("outcome = %+v, want advanced", o)
	}
	if out.Len() != 1 {
		t.Errorf("enrichment queue length = %d, want 1", out.Len())
	}
	if wi := stageOf(t, s, item.SequenceID); wi.Stage != storage.StageEnrich {
		t.Errorf("stage = %q, want enrich", wi.Stage)
	}
	if audited.classifications != 1 {
		t.Errorf("classification audit writes = %d, want 1", audited.classifications)
	}
}

func TestClassifyStage_NotANeed(t *testing.T) {
	s := openTestStore(t)
	in, out := queue.New[ingest.Item](0), queue.New[ingest.Item](0)
	item := admitTest(t, s, "m1", "good morning everyone")
	no := &mockClassifier{classifyFn: func(context.Context, string) (bool, error) { return false, nil }}

	o := NewClassifyStage(in, out, no, s, 0).Process(context.Background(), item)
	if o.Kind != OutcomeRejected {
		t.Fatalf("outcome = %+v, want rejected", o)
	}
	if out.Len() != 0 {
		t.Errorf("enrichment queue length = %d, want 0", out.Len())
	}
	if wi := stageOf(t, s, item.SequenceID); wi.Stage != storage.StageDone {
		t.Errorf("stage = %q, want done", wi.Stage)
	}
	if _, err := s.GetNeed(context.Background(), item.SequenceID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNeed = %v, want ErrNotFound", err)
	}
}

func TestClassifyStage_ErrorDrops(t *testing.T) {
	s := openTestStore(t)
	in, out := queue.New[ingest.Item](0), queue.New[ingest.Item](0)
	item := admitTest(t, s, "m1", "need a kettle")
	failing := &mockClassifier{classifyFn: func(context.Context, string) (bool, error) {
		return false, errors.New("classifier unavailable")
	}}

	o := NewClassifyStage(in, out, failing, s, 0).Process(context.Background(), item)
	if o.Kind != OutcomeDropped {
		t.Fatalf("outcome = %+v, want dropped", o)
	}
	wi := stageOf(t, s, item.SequenceID)
	if wi.Stage != storage.StageDropped || wi.LastError != "classifier unavailable" {
		t.Errorf("work item = %+v", wi)
	}
}

func TestClassifyStage_TimeoutDrops(t *testing.T) {
	s := openTestStore(t)
	in, out := queue.New[ingest.Item](0), queue.New[ingest.Item](0)
	item := admitTest(t, s, "m1", "need a kettle")
	slow := &mockClassifier{classifyFn: func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}}

	o := NewClassifyStage(in, out, slow, s, 20*time.Millisecond).Process(context.Background(), item)
	if o.Kind != OutcomeDropped {
		t.Fatalf("outcome = %+v, want dropped", o)
	}
}

func TestClassifyStage_FinishesAfterCancel(t *testing.T) {
	s := openTestStore(t)
	in, out := queue.New[ingest.Item](0), queue.New[ingest.Item](0)
	item := admitTest(t, s, "m1", "need a kettle")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &mockClassifier{classifyFn: func(ctx context.Context, _ string) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, nil
	}}

	o := NewClassifyStage(in, out, c, s, 0).Process(ctx, item)
	// The classification completes; only the hand-off is interrupted.
	if o.Kind != OutcomeRetry {
		t.Fatalf("outcome = %+v, want retry", o)
	}
	if wi := stageOf(t, s, item.SequenceID); wi.Stage != storage.StageEnrich {
		t.Errorf("stage = %q, want enrich", wi.Stage)
	}
}

func TestEnrichStage_CreatesPendingRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := admitTest(t, s, "m1", "need a vitamin c serum")
	if _, err := s.AdvanceWorkItem(ctx, item.SequenceID, storage.StageClassify, storage.StageEnrich, ""); err != nil {
		t.Fatal(err)
	}

	var gotQuery, gotContact string
	r := &mockResearcher{enrichFn: func(_ context.Context, q, c string) (string, error) {
		gotQuery, gotContact = q, c
		return "Hey, try the Acme serum.", nil
	}}
	audited := &auditStore{Store: s}
	o := NewEnrichStage(queue.New[ingest.Item](0), r, audited, 0).Process(ctx, item)
	if o.Kind != OutcomeAdvanced {
		t.Fatalf("outcome = %+v, want advanced", o)
	}
	if gotQuery != "need a vitamin c serum" || gotContact != "+91-555-0100" {
		t.Errorf("researcher got %q, %q", gotQuery, gotContact)
	}

	n, err := s.GetNeed(ctx, item.SequenceID)
	if err != nil {
		t.Fatalf("GetNeed: %v", err)
	}
	if n.Status != storage.StatusPending || n.AffiliateLink != "" || n.GeneratedResponse != "Hey, try the Acme serum." {
		t.Errorf("record = %+v", n)
	}
	if wi := stageOf(t, s, item.SequenceID); wi.Stage != storage.StageDone {
		t.Errorf("stage = %q, want done", wi.Stage)
	}
	if audited.enrichments != 1 {
		t.Errorf("enrichment audit writes = %d, want 1", audited.enrichments)
	}

	// Processing the same item again does not create a second record.
	if o := NewEnrichStage(queue.New[ingest.Item](0), r, s, 0).Process(ctx, item); o.Kind != OutcomeSkipped {
		t.Errorf("second outcome = %+v, want skipped", o)
	}
}

func TestEnrichStage_FailureDropsWithoutRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	item := admitTest(t, s, "m1", "need a kettle")
	if _, err := s.AdvanceWorkItem(ctx, item.SequenceID, storage.StageClassify, storage.StageEnrich, ""); err != nil {
		t.Fatal(err)
	}
	r := &mockResearcher{enrichFn: func(context.Context, string, string) (string, error) {
		return "", errors.New("research timeout")
	}}

	o := NewEnrichStage(queue.New[ingest.Item](0), r, s, 0).Process(ctx, item)
	if o.Kind != OutcomeDropped {
		t.Fatalf("outcome = %+v, want dropped", o)
	}
	if _, err := s.GetNeed(ctx, item.SequenceID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNeed = %v, want ErrNotFound", err)
	}
	if wi := stageOf(t, s, item.SequenceID); wi.Stage != storage.StageDropped {
		t.Errorf("stage = %q, want dropped", wi.Stage)
	}
}

func approvedNeed(t *testing.T, s *storage.Store, id, response, link string) int64 {
	t.Helper()
	ctx := context.Background()
	item := admitTest(t, s, id, "need something "+id)
	if _, err := s.CompleteEnrichment(ctx, storage.NeedRecord{
		SequenceID: item.SequenceID, Contact: item.Contact, QueryText: item.Text, GeneratedResponse: response,
	}); err != nil {
		t.Fatalf("CompleteEnrichment: %v", err)
	}
	if ok, err := s.Approve(ctx, item.SequenceID, link); err != nil || !ok {
		t.Fatalf("Approve = %v, %v", ok, err)
	}
	return item.SequenceID
}

func TestDispatchStage_SendsApproved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seq := approvedNeed(t, s, "m1", "Hey, try it at https://shop.example/x", "https://example.com/p/123")
	sender := &mockSender{}

	d := NewDispatchStage(s, sender, time.Hour, 0)
	n, err := d.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v; want 1", n, err)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0] != "Hey, try it at\nProduct Link: https://example.com/p/123" {
		t.Errorf("sent = %q", msgs)
	}
	rec, err := s.GetNeed(ctx, seq)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != storage.StatusSent {
		t.Errorf("status = %q, want sent", rec.Status)
	}

	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Errorf("second RunOnce = %d, %v; want 0", n, err)
	}
}

func TestDispatchStage_SendFailureRetriesNextTick(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seq := approvedNeed(t, s, "m1", "Hey", "https://example.com/p/1")

	fail := true
	sender := &mockSender{sendFn: func(context.Context, string) error {
		if fail {
			return errors.New("chat surface offline")
		}
		return nil
	}}
	d := NewDispatchStage(s, sender, time.Hour, 0)

	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("failing RunOnce = %d, %v", n, err)
	}
	if rec, _ := s.GetNeed(ctx, seq); rec.Status != storage.StatusApproved {
		t.Fatalf("status after failed send = %q, want approved", rec.Status)
	}

	fail = false
	if n, err := d.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("retry RunOnce = %d, %v; want 1", n, err)
	}
}

// lostAckStore fails the first MarkSent call as if the acknowledgement of a
// successful send was lost.
type lostAckStore struct {
	*storage.Store
	mu   sync.Mutex
	lost bool
}

func (l *lostAckStore) MarkSent(ctx context.Context, seq int64) (bool, error) {
	l.mu.Lock()
	if !l.lost {
		l.lost = true
		l.mu.Unlock()
		return false, errors.New("connection reset")
	}
	l.mu.Unlock()
	return l.Store.MarkSent(ctx, seq)
}

func TestDispatchStage_LostAckSendsTwice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	approvedNeed(t, s, "m1", "Hey", "https://example.com/p/1")
	sender := &mockSender{}
	d := NewDispatchStage(&lostAckStore{Store: s}, sender, time.Hour, 0)

	if n, _ := d.RunOnce(ctx); n != 0 {
		t.Fatalf("first tick sent count = %d, want 0", n)
	}
	if n, _ := d.RunOnce(ctx); n != 1 {
		t.Fatalf("second tick sent count = %d, want 1", n)
	}
	if got := len(sender.messages()); got != 2 {
		t.Errorf("deliveries = %d, want 2 (at-least-once)", got)
	}
}

func TestPipeline_Recover(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := admitTest(t, s, "m1", "need a kettle")
	b := admitTest(t, s, "m2", "need a lamp")
	c := admitTest(t, s, "m3", "hello")
	if _, err := s.AdvanceWorkItem(ctx, b.SequenceID, storage.StageClassify, storage.StageEnrich, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AdvanceWorkItem(ctx, c.SequenceID, storage.StageClassify, storage.StageDone, ""); err != nil {
		t.Fatal(err)
	}

	p := New(&mockSource{}, s, yes(), researching("x"), &mockSender{}, Config{})
	n, err := p.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}
	classifyDepth, enrichDepth := p.QueueDepths()
	if classifyDepth != 1 || enrichDepth != 1 {
		t.Errorf("queue depths = %d, %d; want 1, 1", classifyDepth, enrichDepth)
	}
	got, _ := p.classifyQ.Pop(ctx)
	if got.SequenceID != a.SequenceID {
		t.Errorf("classify queue head = %d, want %d", got.SequenceID, a.SequenceID)
	}
}

func TestPipeline_RunRecoversBeforeIngesting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := admitTest(t, s, "m1", "need a kettle")
	b := admitTest(t, s, "m2", "need a lamp")
	c := admitTest(t, s, "m3", "hello")
	d := admitTest(t, s, "m4", "need a rug")
	if _, err := s.AdvanceWorkItem(ctx, b.SequenceID, storage.StageClassify, storage.StageEnrich, ""); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var classified []string
	classifier := &mockClassifier{classifyFn: func(_ context.Context, text string) (bool, error) {
		mu.Lock()
		classified = append(classified, text)
		mu.Unlock()
		return text != "hello", nil
	}}
	src := &mockSource{msgs: []source.Message{
		{Contact: "+91-555-0199", Timestamp: "2024-01-02 09:00", Text: "need a fan"},
	}}
	// Capacity 1 forces recovery to wait on the consumers.
	p := New(src, s, classifier, researching("Try the Acme one."), &mockSender{}, Config{
		PollInterval:     10 * time.Millisecond,
		DispatchInterval: time.Hour,
		QueueCapacity:    1,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	waitFor(t, "recovered and new needs", func() bool {
		counts, err := s.CountNeeds(ctx)
		return err == nil && counts[storage.StatusPending] == 4
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, item := range []ingest.Item{a, b, d} {
		n, err := s.GetNeed(ctx, item.SequenceID)
		if err != nil {
			t.Fatalf("GetNeed(%d): %v", item.SequenceID, err)
		}
		if n.QueryText != item.Text || n.Status != storage.StatusPending {
			t.Errorf("need %d = %+v", item.SequenceID, n)
		}
	}
	if wi := stageOf(t, s, c.SequenceID); wi.Stage != storage.StageDone {
		t.Errorf("non-need stage = %s, want done", wi.Stage)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"need a kettle", "hello", "need a rug", "need a fan"}
	if len(classified) != len(want) {
		t.Fatalf("classified = %q, want %q", classified, want)
	}
	for i := range want {
		if classified[i] != want[i] {
			t.Errorf("classified[%d] = %q, want %q", i, classified[i], want[i])
		}
	}
	items, err := s.ListWorkItems(ctx, storage.StageClassify, storage.StageEnrich)
	if err != nil || len(items) != 0 {
		t.Errorf("unfinished work items = %+v, %v", items, err)
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	s := openTestStore(t)
	src := &mockSource{msgs: []source.Message{
		{Contact: "+91-555-0100", Timestamp: "2024-01-01 10:00", Text: "need a vitamin c serum"},
		{Contact: "+91-555-0100", Timestamp: "2024-01-01 10:00", Text: "need a vitamin c serum"},
	}}
	sender := &mockSender{}
	p := New(src, s, yes(), researching("Hey, I saw your need +91-555-0100, try the Acme serum https://acme.example/serum"), sender, Config{
		PollInterval:     10 * time.Millisecond,
		DispatchInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	gate := approval.NewGate(s)
	var pending []storage.NeedRecord
	waitFor(t, "pending record", func() bool {
		pending, _ = gate.ListPending(context.Background())
		return len(pending) == 1
	})
	rec := pending[0]
	if rec.SequenceID != 1 || rec.Contact != "+91-555-0100" || rec.QueryText != "need a vitamin c serum" {
		t.Errorf("pending record = %+v", rec)
	}

	if ok, err := gate.Approve(context.Background(), rec.SequenceID, "https://example.com/p/123"); err != nil || !ok {
		t.Fatalf("Approve = %v, %v", ok, err)
	}
	waitFor(t, "sent status", func() bool {
		n, err := s.GetNeed(context.Background(), rec.SequenceID)
		return err == nil && n.Status == storage.StatusSent
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := sender.messages()
	want := "Hey, I saw your need +91-555-0100, try the Acme serum\nProduct Link: https://example.com/p/123"
	if len(msgs) != 1 || msgs[0] != want {
		t.Errorf("sent = %q, want [%q]", msgs, want)
	}
	// The source kept returning the same message; it was admitted once.
	counts, err := s.CountNeeds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total := counts[storage.StatusPending] + counts[storage.StatusApproved] + counts[storage.StatusSent]; total != 1 {
		t.Errorf("need records = %d, want 1", total)
	}
}
