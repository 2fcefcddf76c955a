package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
)

// Mock implementations

type mockStore struct {
	mu      sync.Mutex
	docs    map[string]repo.Document
	order   []string
	nextID  int
	inserts int
	updates int
	failErr error
}

func newMockStore() *mockStore {
	return &mockStore{docs: make(map[string]repo.Document)}
}

func fieldValue(body map[string]interface{}, field string) (interface{}, bool) {
	var cur interface{} = body
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func conditionsHold(body map[string]interface{}, conds []repo.Condition) bool {
	for _, c := range conds {
		v, ok := fieldValue(body, c.Field)
		if !ok || fmt.Sprint(v) != fmt.Sprint(c.Value) {
			return false
		}
	}
	return true
}

func (m *mockStore) matches(doc repo.Document, q repo.Query) bool {
	if doc.Datatype != q.Datatype {
		return false
	}
	var body map[string]interface{}
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return false
	}
	if !conditionsHold(body, q.Where) {
		return false
	}
	if len(q.AnyOf) == 0 {
		return true
	}
	for _, group := range q.AnyOf {
		if conditionsHold(body, group) {
			return true
		}
	}
	return false
}

func (m *mockStore) Find(ctx context.Context, q repo.Query) ([]repo.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var out []repo.Document
	for _, id := range m.order {
		if doc := m.docs[id]; m.matches(doc, q) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *mockStore) FindOne(ctx context.Context, q repo.Query) (*repo.Document, error) {
	docs, err := m.Find(ctx, q)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return &docs[0], nil
}

func (m *mockStore) Insert(ctx context.Context, doc repo.Document) (repo.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return repo.Document{}, m.failErr
	}
	m.nextID++
	doc.ID = fmt.Sprintf("doc-%d", m.nextID)
	m.docs[doc.ID] = doc
	m.order = append(m.order, doc.ID)
	m.inserts++
	return doc, nil
}

func (m *mockStore) Update(ctx context.Context, id string, doc repo.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	m.updates++
	if _, ok := m.docs[id]; !ok {
		return 0, nil
	}
	doc.ID = id
	m.docs[id] = doc
	return 1, nil
}

func (m *mockStore) Count(ctx context.Context, q repo.Query) (int64, error) {
	docs, err := m.Find(ctx, q)
	return int64(len(docs)), err
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) writes() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts, m.updates
}

// mockStream cancels its read context on Stop; deliveries use a context that
// outlives it, as the Jetstream stream does
type mockStream struct {
	ids         []string
	stopped     bool
	cancel      context.CancelFunc
	deliveryCtx context.Context
	handler     repo.FeedHandler
}

func (s *mockStream) Stop() {
	s.cancel()
	s.stopped = true
}

func (s *mockStream) emit(ev domain.FeedEvent) {
	s.handler.OnEvent(s.deliveryCtx, ev)
}

type mockFeed struct {
	identities map[string]domain.FeedIdentity
	lookupErr  error
	streams    []*mockStream
	handler    repo.FeedHandler
}

func newMockFeed() *mockFeed {
	return &mockFeed{identities: make(map[string]domain.FeedIdentity)}
}

func (f *mockFeed) LookupIdentity(ctx context.Context, handle string) (*domain.FeedIdentity, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	ident, ok := f.identities[handle]
	if !ok {
		ident = domain.FeedIdentity{ID: "did:plc:" + strings.Split(handle, ".")[0], Handle: handle}
	}
	return &ident, nil
}

func (f *mockFeed) Subscribe(ctx context.Context, ids []string, handler repo.FeedHandler) (repo.FeedStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &mockStream{
		ids:         append([]string(nil), ids...),
		cancel:      cancel,
		deliveryCtx: context.WithoutCancel(streamCtx),
		handler:     handler,
	}
	f.streams = append(f.streams, s)
	f.handler = handler
	return s, nil
}

func (f *mockFeed) open() []*mockStream {
	var out []*mockStream
	for _, s := range f.streams {
		if !s.stopped {
			out = append(out, s)
		}
	}
	return out
}

type said struct {
	dest    domain.Destination
	message string
}

type recorder struct {
	mu   sync.Mutex
	says []said
	fail map[domain.DestinationKey]error
}

func (r *recorder) deliver(ctx context.Context, dest domain.Destination, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[dest.Key()]; err != nil {
		return err
	}
	r.says = append(r.says, said{dest: dest, message: message})
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.says)
}
