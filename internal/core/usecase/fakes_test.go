package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// memStore is an in-memory Transactor. Transactions are serialized and work
// on a copy of the committed state that replaces it on success.
type memStore struct {
	txMu    sync.Mutex
	stateMu sync.RWMutex
	state   *memState

	saveAnalysisErr error
	enqueueErr      error
	commits         int
}

type memState struct {
	docs         map[int64]domain.Document
	attempts     []domain.StageAttempt
	analyses     map[int64][]domain.AnalysisResult
	outbox       []domain.OutboxMessage
	nextDoc      int64
	nextAttempt  int64
	nextOutboxID int64
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		docs:     map[int64]domain.Document{},
		analyses: map[int64][]domain.AnalysisResult{},
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		docs:         make(map[int64]domain.Document, len(s.docs)),
		attempts:     append([]domain.StageAttempt(nil), s.attempts...),
		analyses:     make(map[int64][]domain.AnalysisResult, len(s.analyses)),
		outbox:       append([]domain.OutboxMessage(nil), s.outbox...),
		nextDoc:      s.nextDoc,
		nextAttempt:  s.nextAttempt,
		nextOutboxID: s.nextOutboxID,
	}
	for id, doc := range s.docs {
		out.docs[id] = doc
	}
	for id, results := range s.analyses {
		out.analyses[id] = append([]domain.AnalysisResult(nil), results...)
	}
	return out
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow ports.UnitOfWork) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.stateMu.RLock()
	work := s.state.clone()
	s.stateMu.RUnlock()

	if err := fn(ctx, &memTx{store: s, st: work}); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.state = work
	s.commits++
	s.stateMu.Unlock()
	return nil
}

func (s *memStore) read(fn func(tx *memTx)) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	fn(&memTx{store: s, st: s.state})
}

// seed stores a document with a fixed id outside any transaction.
func (s *memStore) seed(doc domain.Document) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if doc.Version == 0 {
		doc.Version = 1
	}
	s.state.docs[doc.ID] = doc
	if doc.ID > s.state.nextDoc {
		s.state.nextDoc = doc.ID
	}
}

func (s *memStore) seedAttempt(attempt domain.StageAttempt) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.nextAttempt++
	attempt.ID = s.state.nextAttempt
	s.state.attempts = append(s.state.attempts, attempt)
}

func (s *memStore) doc(id int64) domain.Document {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.docs[id]
}

func (s *memStore) attemptsOf(id int64) []domain.StageAttempt {
	var out []domain.StageAttempt
	s.read(func(tx *memTx) {
		out, _ = tx.List(context.Background(), id)
	})
	return out
}

func (s *memStore) summaries(id int64) int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return len(s.state.analyses[id])
}

func (s *memStore) outboxByTopic(topic domain.Topic) []domain.OutboxMessage {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	var out []domain.OutboxMessage
	for _, msg := range s.state.outbox {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*domain.Document, error) {
	var (
		doc *domain.Document
		err error
	)
	s.read(func(tx *memTx) { doc, err = tx.GetByID(ctx, id) })
	return doc, err
}

func (s *memStore) Create(context.Context, *domain.Document) error {
	return errors.New("memStore: create outside transaction")
}

func (s *memStore) GetForUpdate(ctx context.Context, id int64) (*domain.Document, error) {
	return s.GetByID(ctx, id)
}

func (s *memStore) Save(context.Context, *domain.Document) error {
	return errors.New("memStore: save outside transaction")
}

func (s *memStore) Append(context.Context, *domain.StageAttempt) error {
	return errors.New("memStore: append outside transaction")
}

func (s *memStore) FindLatest(ctx context.Context, id int64, stage domain.Stage) (*domain.StageAttempt, error) {
	var (
		attempt *domain.StageAttempt
		err     error
	)
	s.read(func(tx *memTx) { attempt, err = tx.FindLatest(ctx, id, stage) })
	return attempt, err
}

func (s *memStore) Complete(context.Context, *domain.StageAttempt) error {
	return errors.New("memStore: complete outside transaction")
}

func (s *memStore) List(ctx context.Context, id int64) ([]domain.StageAttempt, error) {
	var (
		out []domain.StageAttempt
		err error
	)
	s.read(func(tx *memTx) { out, err = tx.List(ctx, id) })
	return out, err
}

func (s *memStore) CountAttempts(ctx context.Context, id int64, stage domain.Stage) (int, error) {
	var (
		n   int
		err error
	)
	s.read(func(tx *memTx) { n, err = tx.CountAttempts(ctx, id, stage) })
	return n, err
}

func (s *memStore) ListStale(ctx context.Context, stage domain.Stage, before time.Time, limit int) ([]domain.StageAttempt, error) {
	var (
		out []domain.StageAttempt
		err error
	)
	s.read(func(tx *memTx) { out, err = tx.ListStale(ctx, stage, before, limit) })
	return out, err
}

// memTx implements every store of the unit of work over one working copy.
type memTx struct {
	store *memStore
	st    *memState
}

func (t *memTx) Documents() ports.DocumentStore { return t }
func (t *memTx) StageLog() ports.StageLogStore { return t }
func (t *memTx) Derived() ports.DerivedEntityWriter { return t }
func (t *memTx) Outbox() ports.OutboxStore { return t }

func (t *memTx) Create(_ context.Context, doc *domain.Document) error {
	t.st.nextDoc++
	doc.ID = t.st.nextDoc
	doc.Version = 1
	t.st.docs[doc.ID] = *doc
	return nil
}

func (t *memTx) GetByID(_ context.Context, id int64) (*domain.Document, error) {
	doc, ok := t.st.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %d", id))
	}
	return &doc, nil
}

func (t *memTx) GetForUpdate(ctx context.Context, id int64) (*domain.Document, error) {
	return t.GetByID(ctx, id)
}

func (t *memTx) Save(_ context.Context, doc *domain.Document) error {
	stored, ok := t.st.docs[doc.ID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "save document", fmt.Errorf("id %d", doc.ID))
	}
	if stored.Version != doc.Version {
		return domain.WrapError(domain.ErrConcurrentModification, "save document", fmt.Errorf("version %d != %d", stored.Version, doc.Version))
	}
	doc.Version++
	t.st.docs[doc.ID] = *doc
	return nil
}

func (t *memTx) Append(_ context.Context, attempt *domain.StageAttempt) error {
	t.st.nextAttempt++
	attempt.ID = t.st.nextAttempt
	t.st.attempts = append(t.st.attempts, *attempt)
	return nil
}

func (t *memTx) FindLatest(_ context.Context, id int64, stage domain.Stage) (*domain.StageAttempt, error) {
	var latest *domain.StageAttempt
	for i := range t.st.attempts {
		a := t.st.attempts[i]
		if a.DocumentID != id || a.Stage != stage {
			continue
		}
		if latest == nil || a.StartedAt.After(latest.StartedAt) || (a.StartedAt.Equal(latest.StartedAt) && a.ID > latest.ID) {
			copyAttempt := a
			latest = &copyAttempt
		}
	}
	if latest == nil {
		return nil, domain.WrapError(domain.ErrStageLogNotFound, "find latest attempt", fmt.Errorf("document %d stage %s", id, stage))
	}
	return latest, nil
}

func (t *memTx) Complete(_ context.Context, attempt *domain.StageAttempt) error {
	for i := range t.st.attempts {
		if t.st.attempts[i].ID == attempt.ID {
			t.st.attempts[i] = *attempt
			return nil
		}
	}
	return domain.WrapError(domain.ErrStageLogNotFound, "complete attempt", fmt.Errorf("attempt %d", attempt.ID))
}

func (t *memTx) List(_ context.Context, id int64) ([]domain.StageAttempt, error) {
	var out []domain.StageAttempt
	for _, a := range t.st.attempts {
		if a.DocumentID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (t *memTx) CountAttempts(_ context.Context, id int64, stage domain.Stage) (int, error) {
	n := 0
	for _, a := range t.st.attempts {
		if a.DocumentID == id && a.Stage == stage {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListStale(ctx context.Context, stage domain.Stage, before time.Time, limit int) ([]domain.StageAttempt, error) {
	ids := make([]int64, 0, len(t.st.docs))
	for id, doc := range t.st.docs {
		if doc.Status == domain.StatusProcessing {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []domain.StageAttempt
	for _, id := range ids {
		latest, err := t.FindLatest(ctx, id, stage)
		if err != nil {
			continue
		}
		if latest.InProgress() && latest.StartedAt.Before(before) {
			out = append(out, *latest)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) SaveAnalysis(_ context.Context, id int64, result domain.AnalysisResult) error {
	if t.store.saveAnalysisErr != nil {
		return t.store.saveAnalysisErr
	}
	t.st.analyses[id] = append(t.st.analyses[id], result)
	return nil
}

func (t *memTx) Enqueue(_ context.Context, msg *domain.OutboxMessage) error {
	if t.store.enqueueErr != nil {
		return t.store.enqueueErr
	}
	t.st.nextOutboxID++
	msg.ID = t.st.nextOutboxID
	t.st.outbox = append(t.st.outbox, *msg)
	return nil
}

func (t *memTx) ClaimPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	for _, msg := range t.st.outbox {
		if msg.PublishedAt == nil && msg.ParkedAt == nil {
			out = append(out, msg)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkPublished(_ context.Context, id int64, at time.Time) error {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			publishedAt := at
			t.st.outbox[i].PublishedAt = &publishedAt
			return nil
		}
	}
	return fmt.Errorf("outbox row %d not found", id)
}

func (t *memTx) MarkAttemptFailed(_ context.Context, id int64, errMessage string) error {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			t.st.outbox[i].Attempts++
			t.st.outbox[i].LastError = errMessage
			return nil
		}
	}
	return fmt.Errorf("outbox row %d not found", id)
}

func (t *memTx) Park(_ context.Context, id int64, errMessage string, at time.Time) error {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			parkedAt := at
			t.st.outbox[i].Attempts++
			t.st.outbox[i].LastError = errMessage
			t.st.outbox[i].ParkedAt = &parkedAt
			return nil
		}
	}
	return fmt.Errorf("outbox row %d not found", id)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storageFake struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string][]byte{}
	}
	f.saved[key] = raw
	return nil
}

func (f *storageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *storageFake) Locator(key string) string { return "file:///data/" + key }

type fetcherFake struct {
	mu        sync.Mutex
	artifacts map[string][]byte
	err       error
	calls     int
	// blockOn parks fetches of one locator until release is closed.
	blockOn string
	entered chan struct{}
	release chan struct{}
}

func (f *fetcherFake) Fetch(ctx context.Context, locator string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	raw, ok := f.artifacts[locator]
	err := f.err
	blocked := f.blockOn != "" && f.blockOn == locator
	f.mu.Unlock()

	if blocked {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.WrapError(domain.ErrTemporary, "fetch", fmt.Errorf("%s not found", locator))
	}
	return raw, nil
}

// jsonParser reads AnalysisResult JSON; anything else is malformed.
type jsonParser struct{}

func (jsonParser) Parse(raw []byte) (domain.AnalysisResult, error) {
	var result domain.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.AnalysisResult{}, domain.WrapError(domain.ErrMalformedArtifact, "parse artifact", err)
	}
	if result.Summary == "" {
		return domain.AnalysisResult{}, domain.WrapError(domain.ErrMalformedArtifact, "parse artifact", errors.New("summary is empty"))
	}
	return result, nil
}

type publisherFake struct {
	mu       sync.Mutex
	messages []domain.OutboxMessage
	failOn   int
	err      error
	// reject fails individual messages regardless of failOn.
	reject func(msg domain.OutboxMessage) error
	calls  int
}

func (f *publisherFake) Publish(_ context.Context, msg domain.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reject != nil {
		if err := f.reject(msg); err != nil {
			return err
		}
	}
	if f.err != nil && (f.failOn == 0 || len(f.messages)+1 == f.failOn) {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type harness struct {
	store      *memStore
	clock      *fakeClock
	storage    *storageFake
	fetcher    *fetcherFake
	lifecycle  *Lifecycle
	completion *CompletionConsumer
	stageLog   *StageLog
}

func newHarness() *harness {
	store := newMemStore()
	clock := newFakeClock()
	storage := &storageFake{}
	fetcher := &fetcherFake{artifacts: map[string][]byte{}}

	producer := NewRequestProducer()
	producer.now = clock.Now
	lifecycle := NewLifecycle(store, storage, producer, LifecycleConfig{
		Directives: domain.Directives{Prompt: "summarize", Language: "en"},
	})
	lifecycle.now = clock.Now

	stageLog := NewStageLog(store, store)
	stageLog.now = clock.Now

	return &harness{
		store:      store,
		clock:      clock,
		storage:    storage,
		fetcher:    fetcher,
		lifecycle:  lifecycle,
		completion: NewCompletionConsumer(store, store, fetcher, jsonParser{}, lifecycle, time.Second),
		stageLog:   stageLog,
	}
}

// seedProcessing stores a document in PROCESSING with one open attempt.
func (h *harness) seedProcessing(id int64) {
	h.store.seed(domain.Document{ID: id, Title: "doc", StorageKey: fmt.Sprintf("%d.pdf", id), Status: domain.StatusProcessing})
	h.store.seedAttempt(domain.StageAttempt{
		DocumentID: id,
		Stage:      domain.StageSummarize,
		StartedAt:  h.clock.Now(),
		Outcome:    domain.OutcomeInProgress,
	})
}

func completionDelivery(t interface{ Fatalf(string, ...any) }, id int64, locator string, attempt uint64) domain.Delivery {
	raw, err := json.Marshal(domain.StageCompletion{DocumentID: id, ResultLocator: locator})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return domain.Delivery{
		MessageID:   fmt.Sprintf("completion-%d-%d", id, attempt),
		Topic:       domain.TopicStageCompletion,
		Data:        raw,
		Attempt:     attempt,
		MaxAttempts: 5,
	}
}

func artifactJSON(title, summary string, tags ...string) []byte {
	raw, _ := json.Marshal(domain.AnalysisResult{Title: title, Summary: summary, Tags: tags})
	return raw
}
