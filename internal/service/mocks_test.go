package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/data"
)

// Mock implementations

type mockTransport struct {
	serverID string
	nick     string

	mu     sync.Mutex
	says   []string // target|text
	joins  []string
	parts  []string
	sayErr error
}

func (m *mockTransport) ServerID() string { return m.serverID }
func (m *mockTransport) Nickname() string { return m.nick }

func (m *mockTransport) Start(ctx context.Context, handler repo.TransportHandler) error {
	<-ctx.Done()
	return nil
}

func (m *mockTransport) Stop() {}

func (m *mockTransport) Say(ctx context.Context, target, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sayErr != nil {
		return m.sayErr
	}
	m.says = append(m.says, target+"|"+text)
	return nil
}

func (m *mockTransport) Join(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, channel)
	return nil
}

func (m *mockTransport) Part(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = append(m.parts, channel)
	return nil
}

func (m *mockTransport) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.says...)
}

func (m *mockTransport) last() string {
	says := m.sent()
	if len(says) == 0 {
		return ""
	}
	return says[len(says)-1]
}

type mockStream struct{}

func (s *mockStream) Stop() {}

type mockFeed struct {
	lookupErr error
	ids       []string
}

func (f *mockFeed) LookupIdentity(ctx context.Context, handle string) (*domain.FeedIdentity, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return &domain.FeedIdentity{ID: "did:plc:" + strings.Split(handle, ".")[0], Handle: handle}, nil
}

func (f *mockFeed) Subscribe(ctx context.Context, ids []string, handler repo.FeedHandler) (repo.FeedStream, error) {
	f.ids = append([]string(nil), ids...)
	return &mockStream{}, nil
}

type mockTitleRepo struct {
	titles map[string]string
	asked  []string
}

func (m *mockTitleRepo) FetchTitle(ctx context.Context, url string) (string, error) {
	m.asked = append(m.asked, url)
	return m.titles[url], nil
}

type mockChatterRepo struct {
	reply   string
	err     error
	message string
}

func (m *mockChatterRepo) Reply(ctx context.Context, botName, nickname, message string) (string, error) {
	m.message = message
	return m.reply, m.err
}

// Test harness

const (
	testServerID = "open.feishu.cn:443"
	testChannel  = "oc_news"

	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	host      *Host
	transport *mockTransport
	feed      *mockFeed
	store     repo.DocumentStore
}

func newHarness(t *testing.T, modules ...FeatureModule) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := data.NewDocumentStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	identity := usecase.NewIdentityUsecase(store, domain.LevelDefault)

	server := domain.ServerDefaults()
	server.Platform = domain.PlatformFeishu
	server.Address = "open.feishu.cn"
	ch := domain.NewChannel(testChannel, domain.NewProvenance(domain.SystemOrigin, time.Now()))
	server.Channels[ch.Name] = ch
	_, err = identity.LoadServers(ctx, []domain.Server{server})
	require.NoError(t, err)

	require.NoError(t, identity.LoadUsers(ctx, &domain.User{
		Nickname: "root", Username: "ou_root", Hostname: "feishu", Level: domain.LevelAdmin,
	}))
	_, err = identity.SaveUser(ctx, domain.User{
		Nickname: "alice", Username: "ou_alice", Hostname: "feishu", Level: domain.LevelAuthorized,
	}, domain.SystemOrigin)
	require.NoError(t, err)

	feed := &mockFeed{}
	fanout := usecase.NewFanoutEngine(store, feed, domain.DefaultDeliveryDefaults())
	router := usecase.NewRouter()
	bot := NewBotService(router, identity, 0)

	transport := &mockTransport{serverID: testServerID, nick: "ExAstris"}
	bot.AddTransport(transport)
	fanout.SetDelivery(bot.SayToDestination)

	host := &Host{Router: router, Fanout: fanout, Identity: identity, Bot: bot}
	require.NoError(t, LoadModules(host, modules))
	require.NoError(t, fanout.Start(ctx))
	t.Cleanup(fanout.Stop)

	return &harness{host: host, transport: transport, feed: feed, store: store}
}

// say processes text from nickname (ou_<nickname>) in the test channel
func (h *harness) say(nickname, text string) usecase.Outcome {
	return h.host.Bot.Process(context.Background(), repo.InboundMessage{
		ServerID: testServerID,
		MsgID:    "om_" + text,
		Nickname: nickname,
		Username: "ou_" + nickname,
		Hostname: "feishu",
		Channel:  testChannel,
		Text:     text,
	})
}

// whisper processes a direct message from nickname
func (h *harness) whisper(nickname, text string) usecase.Outcome {
	return h.host.Bot.Process(context.Background(), repo.InboundMessage{
		ServerID: testServerID,
		MsgID:    "om_" + text,
		Nickname: nickname,
		Username: "ou_" + nickname,
		Hostname: "feishu",
		Channel:  "oc_dm_" + nickname,
		Text:     text,
		Direct:   true,
	})
}
