package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/internal/notification"
	"github.com/nao1215/notifan/pkg/event"
)

var testTopics = Topics{
	Email:    "notifications.email",
	Phone:    "notifications.phone",
	Telegram: "notifications.telegram",
}

// callLog はストアとパブリッシャーの呼び出し順を記録する。
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// lookupResult はfakeDirectoryが返す結果。
type lookupResult struct {
	recipient *directory.Recipient
	err       error
}

// fakeDirectory は受信者IDごとに固定の結果を返す。未登録のIDはErrRecipientNotFound。
type fakeDirectory struct {
	mu       sync.Mutex
	results  map[int64]lookupResult
	calls    []int64
	block    bool
	// panicIDs に含まれる受信者IDの問い合わせはパニックする。
	panicIDs map[int64]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{results: map[int64]lookupResult{}, panicIDs: map[int64]bool{}}
}

func (f *fakeDirectory) set(id int64, r *directory.Recipient, err error) *fakeDirectory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = lookupResult{recipient: r, err: err}
	return f
}

func (f *fakeDirectory) Lookup(ctx context.Context, _, recipientID int64) (*directory.Recipient, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recipientID)
	res, ok := f.results[recipientID]
	block, panics := f.block, f.panicIDs[recipientID]
	f.mu.Unlock()

	if panics {
		panic("directory exploded")
	}
	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", directory.ErrUnavailable, ctx.Err())
	}
	if !ok {
		return nil, directory.ErrRecipientNotFound
	}
	return res.recipient, res.err
}

func (f *fakeDirectory) lookups() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

// fakeStore はメモリ上で通知レコードを採番するRecordStore。
type fakeStore struct {
	mu            sync.Mutex
	log           *callLog
	nextID        int64
	records       map[int64]notification.Record
	createErr     map[event.Channel]error
	setPendingErr map[event.Channel]error
	createPanic   map[event.Channel]bool
	pendingCalls  int
}

func newFakeStore(log *callLog) *fakeStore {
	return &fakeStore{
		log:           log,
		records:       map[int64]notification.Record{},
		createErr:     map[event.Channel]error{},
		setPendingErr: map[event.Channel]error{},
		createPanic:   map[event.Channel]bool{},
	}
}

func (s *fakeStore) Create(_ context.Context, req notification.CreateRequest) (notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createPanic[req.Type] {
		panic("store exploded")
	}
	if err := s.createErr[req.Type]; err != nil {
		s.log.add("create-failed:%s:%d", req.Type, req.RecipientID)
		return notification.Record{}, err
	}
	s.nextID++
	rec := notification.Record{
		ID:          s.nextID,
		Type:        req.Type,
		Status:      notification.StatusCreated,
		Credential:  req.Credential,
		ClientID:    req.ClientID,
		RecipientID: req.RecipientID,
		Template:    req.Template,
		CreatedAt:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	s.records[rec.ID] = rec
	s.log.add("create:%d", rec.ID)
	return rec, nil
}

func (s *fakeStore) SetPending(_ context.Context, clientID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCalls++
	rec, ok := s.records[id]
	if !ok || rec.ClientID != clientID {
		return notification.ErrNotFound
	}
	if err := s.setPendingErr[rec.Type]; err != nil {
		s.log.add("setPending-failed:%d", id)
		return err
	}
	rec.Status = notification.StatusPending
	s.records[id] = rec
	s.log.add("setPending:%d", id)
	return nil
}

func (s *fakeStore) all() []notification.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notification.Record, 0, len(s.records))
	for id := int64(1); id <= s.nextID; id++ {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// published は発行されたメッセージ。
type published struct {
	topic   string
	key     string
	payload []byte
}

// fakePublisher は発行を記録し、トピックごとに指定回数だけ失敗させる。
type fakePublisher struct {
	mu       sync.Mutex
	log      *callLog
	msgs     []published
	failures map[string]int
	err      error
	attempts int
}

func newFakePublisher(log *callLog) *fakePublisher {
	return &fakePublisher{log: log, failures: map[string]int{}}
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	if p.failures[topic] > 0 {
		p.failures[topic]--
		return fmt.Errorf("broker unavailable: %s", topic)
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	var ev event.Event
	if err := json.Unmarshal(payload, &ev); err == nil {
		if data, err := event.DecodeData[event.NotificationDispatch](&ev); err == nil {
			p.log.add("publish:%d", data.ID)
		}
	}
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func (p *fakePublisher) topics() []string {
	var out []string
	for _, m := range p.messages() {
		out = append(out, m.topic)
	}
	return out
}

// harness はテスト対象のDispatcherとその依存。
type harness struct {
	dispatcher *Dispatcher
	directory  *fakeDirectory
	store      *fakeStore
	publisher  *fakePublisher
	log        *callLog
	logs       *observer.ObservedLogs
	metrics    *Metrics
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	log := &callLog{}
	h := &harness{
		directory: newFakeDirectory(),
		store:     newFakeStore(log),
		publisher: newFakePublisher(log),
		log:       log,
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs

	cfg := Config{
		Topics:          testTopics,
		LookupTimeout:   time.Second,
		StoreTimeout:    time.Second,
		PublishTimeout:  time.Second,
		PublishAttempts: 3,
		RetryInterval:   time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.New(core)
	d, err := New(h.directory, h.store, h.publisher, cfg, NewReporter(logger, h.metrics), WithLogger(logger))
	require.NoError(t, err)
	h.dispatcher = d
	return h
}

func (h *harness) withTracer(tp trace.TracerProvider) {
	WithTracerProvider(tp)(h.dispatcher)
}

// failureKinds は警告ログに出力された失敗の種類を順に返す。
func (h *harness) failureKinds() []string {
	var kinds []string
	for _, e := range h.logs.FilterMessage("通知の配信に失敗").All() {
		kinds = append(kinds, e.ContextMap()["kind"].(string))
	}
	return kinds
}

func decodeDispatch(t *testing.T, payload []byte) (*event.Event, *event.NotificationDispatch) {
	t.Helper()
	var ev event.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	data, err := event.DecodeData[event.NotificationDispatch](&ev)
	require.NoError(t, err)
	return &ev, data
}
