package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/conf"
	"github.com/exastris/exastris/internal/data"
)

// Mock implementations

type mockTransport struct {
	server domain.Server

	mu      sync.Mutex
	starts  int
	stopped bool
	says    []string // target|text
	joins   []string
	started chan struct{}
	// gate holds back registration until closed
	gate chan struct{}
}

func newMockTransport(server domain.Server) *mockTransport {
	return &mockTransport{server: server, started: make(chan struct{}, 8)}
}

func (m *mockTransport) ServerID() string { return m.server.Identifier() }
func (m *mockTransport) Nickname() string { return m.server.Nickname }

func (m *mockTransport) Start(ctx context.Context, handler repo.TransportHandler) error {
	m.mu.Lock()
	m.starts++
	m.mu.Unlock()

	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil
		}
	}
	handler.OnRegistered(ctx, m.ServerID())
	m.started <- struct{}{}
	<-ctx.Done()
	return nil
}

func (m *mockTransport) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockTransport) Say(ctx context.Context, target, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.says = append(m.says, target+"|"+text)
	return nil
}

func (m *mockTransport) Join(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, channel)
	return nil
}

func (m *mockTransport) Part(ctx context.Context, channel string) error { return nil }

func (m *mockTransport) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.says...)
}

func (m *mockTransport) joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joins...)
}

type mockStream struct {
	stopped bool
}

func (s *mockStream) Stop() { s.stopped = true }

type mockFeed struct {
	mu      sync.Mutex
	ids     []string
	streams []*mockStream
	handler repo.FeedHandler
}

func (f *mockFeed) LookupIdentity(ctx context.Context, handle string) (*domain.FeedIdentity, error) {
	return &domain.FeedIdentity{ID: "did:plc:" + handle, Handle: handle}, nil
}

func (f *mockFeed) Subscribe(ctx context.Context, ids []string, handler repo.FeedHandler) (repo.FeedStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append([]string(nil), ids...)
	f.handler = handler
	s := &mockStream{}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *mockFeed) watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *mockFeed) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *mockFeed) emit(ev domain.FeedEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler.OnEvent(context.Background(), ev)
}

// Test fixtures

func testConfig(t *testing.T) *conf.Config {
	t.Helper()
	bootstrap := conf.DefaultBootstrapConfig()
	bootstrap.DefaultAdmin = &conf.AdminConfig{Nickname: "root", Username: "ou_root", Hostname: "feishu"}
	bootstrap.Servers = []conf.ServerConfig{{
		Platform: domain.PlatformFeishu,
		Address:  "open.feishu.cn",
		Port:     443,
		Nickname: "ExAstris",
		Channels: []string{"oc_news", "oc_ops"},
	}}
	bootstrap.FloodInterval = 0

	return &conf.Config{
		DBPath:          filepath.Join(t.TempDir(), "exastris.db"),
		FeishuAppID:     "cli_test",
		FeishuAppSecret: "secret",
		Bootstrap:       bootstrap,
	}
}

type testApp struct {
	*App
	feed       *mockFeed
	transports map[string]*mockTransport
}

func newTestApp(t *testing.T, cfg *conf.Config) *testApp {
	t.Helper()
	store, err := data.NewDocumentStore(cfg.DBPath)
	require.NoError(t, err)

	feed := &mockFeed{}
	repos := &data.Repositories{Store: store, Feed: feed}
	transports := make(map[string]*mockTransport)

	app, err := newApp(context.Background(), cfg, repos, func(server domain.Server) (repo.ChatTransport, error) {
		tr := newMockTransport(server)
		transports[server.Identifier()] = tr
		return tr, nil
	})
	if err != nil {
		store.Close()
	}
	require.NoError(t, err)
	return &testApp{App: app, feed: feed, transports: transports}
}
