package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/conf"
	"github.com/exastris/exastris/internal/errors"
)

func channelsHarness(t *testing.T, modules ...FeatureModule) *harness {
	t.Helper()
	channels := NewChannelsModule(map[string][]string{testServerID: {"OC_News"}})
	return newHarness(t, append([]FeatureModule{channels}, modules...)...)
}

func (h *harness) sayIn(channel, nickname, text string) usecase.Outcome {
	return h.host.Bot.Process(context.Background(), repo.InboundMessage{
		ServerID: testServerID,
		Nickname: nickname,
		Username: "ou_" + nickname,
		Hostname: "feishu",
		Channel:  channel,
		Text:     text,
	})
}

func TestChannelsModule_ListenAndLeave(t *testing.T) {
	h := channelsHarness(t)

	assert.Equal(t, usecase.OutcomeDropped, h.sayIn("oc_other", "alice", "ExAstris: listen to here"))

	h.say("alice", "ExAstris: listen to OC_Other")
	assert.Equal(t, "oc_news|alice: I'm now listening to oc_other!", h.transport.last())
	assert.Equal(t, []string{"oc_other"}, h.transport.joins)

	require.Equal(t, usecase.OutcomeInvoked, h.sayIn("oc_other", "alice", "ExAstris: listen to here"))
	assert.Equal(t, "oc_other|alice: It would appear that I'm already listening to oc_other!", h.transport.last())

	h.sayIn("oc_other", "alice", "ExAstris: stop listening to here")
	assert.Equal(t, "oc_other|alice: I have stopped listening to oc_other!", h.transport.last())
	assert.Equal(t, []string{"oc_other"}, h.transport.parts)

	server, ok := h.host.Identity.Server(testServerID)
	require.True(t, ok)
	assert.False(t, server.Channels["oc_other"].Enabled)
	assert.False(t, server.Listening("oc_other"))
	assert.Equal(t, usecase.OutcomeDropped, h.sayIn("oc_other", "alice", "ExAstris: listen to here"))
}

func TestChannelsModule_DefaultChannelStaysJoined(t *testing.T) {
	h := channelsHarness(t)

	h.say("alice", "ExAstris: stop listening to here")
	assert.Equal(t, "oc_news|alice: I have stopped listening to oc_news!", h.transport.last())
	assert.Empty(t, h.transport.parts)

	server, _ := h.host.Identity.Server(testServerID)
	assert.True(t, server.Channels["oc_news"].Enabled)
	assert.False(t, server.Listening("oc_news"))

	assert.Equal(t, usecase.OutcomeDropped, h.say("alice", "ExAstris: listen to here"))

	h.whisper("alice", "listen to oc_news")
	assert.Equal(t, "oc_dm_alice|I'm now listening to oc_news!", h.transport.last())
	assert.Equal(t, usecase.OutcomeInvoked, h.say("alice", "ExAstris: listen to here"))
}

func TestChannelsModule_Refusals(t *testing.T) {
	h := channelsHarness(t)

	h.say("alice", "ExAstris: listen to")
	assert.Equal(t, "oc_news|alice: You forgot to include a channel to listen to.", h.transport.last())

	h.say("alice", "ExAstris: stop listening to")
	assert.Equal(t, "oc_news|alice: You forgot to include a channel to stop listening to.", h.transport.last())

	h.say("alice", "ExAstris: stop listening to oc_nowhere")
	assert.Equal(t, "oc_news|alice: I am not listening to oc_nowhere right now.", h.transport.last())

	h.whisper("alice", "listen to here")
	assert.Equal(t, "oc_dm_alice|I'm now listening to here!", h.transport.last(), "here has no meaning in a direct message")
}

func TestChannelsModule_Levels(t *testing.T) {
	h := channelsHarness(t, NewHelpModule())

	assert.Equal(t, usecase.OutcomeUnauthorized, h.say("alice", "ExAstris: ban root"))

	h.say("root", "ExAstris: ban")
	assert.Equal(t, "oc_news|root: Who, though?", h.transport.last())

	h.say("root", "ExAstris: ban root")
	assert.Equal(t, "oc_news|root: I'm not going to let you do that to yourself.", h.transport.last())

	h.say("root", "ExAstris: ban nobody")
	assert.Equal(t, "oc_news|root: I don't know anyone called nobody.", h.transport.last())

	h.say("root", "ExAstris: ban alice")
	assert.Equal(t, "oc_news|root: Okay, alice is now banned.", h.transport.last())
	assert.Equal(t, usecase.OutcomeDropped, h.say("alice", "ExAstris: help"))

	h.say("root", "ExAstris: unban alice")
	assert.Equal(t, "oc_news|root: Okay, alice is now default.", h.transport.last())
	assert.Equal(t, usecase.OutcomeUnauthorized, h.say("alice", "ExAstris: listen to oc_other"))

	h.say("root", "ExAstris: authorize alice")
	assert.Equal(t, "oc_news|root: Okay, alice is now authorized.", h.transport.last())
	assert.Equal(t, usecase.OutcomeInvoked, h.say("alice", "ExAstris: listen to oc_other"))
}

func TestHelpModule_ListsByLevel(t *testing.T) {
	h := channelsHarness(t, NewFeedModule(), NewHelpModule())

	h.say("dave", "ExAstris: help")
	assert.Equal(t, "oc_news|dave: Here's what I can do for you:\nhelp - List the commands you can use.", h.transport.last())

	h.say("alice", "ExAstris: help")
	reply := h.transport.last()
	assert.Contains(t, reply, "follow [@handle]")
	assert.Contains(t, reply, "listen to [channel]")
	assert.NotContains(t, reply, "ban [nickname]")

	h.whisper("root", "help")
	assert.Contains(t, h.transport.last(), "ban [nickname]")
}

func TestURLTitleModule(t *testing.T) {
	titles := &mockTitleRepo{titles: map[string]string{
		"https://example.com/page": "Example Page",
	}}
	h := newHarness(t, NewURLTitleModule(titles))

	assert.Equal(t, usecase.OutcomeConsumed, h.say("dave", "look at https://example.com/page and https://example.com/page"))
	assert.Equal(t, []string{"oc_news|dave: Example Page"}, h.transport.sent())
	assert.Equal(t, []string{"https://example.com/page"}, titles.asked)

	assert.Equal(t, usecase.OutcomeDropped, h.say("dave", "https://example.com/untitled"), "nothing replied, so the chain goes on")
	assert.Len(t, h.transport.sent(), 1)

	assert.Equal(t, usecase.OutcomeDropped, h.say("dave", "nothing to see here"))
}

func TestExtractURLs(t *testing.T) {
	got := extractURLs("a http://a.example/x, then https://b.example/y?q=1 and http://a.example/x")
	assert.Equal(t, []string{"http://a.example/x", "https://b.example/y?q=1"}, got)
	assert.Empty(t, extractURLs("ftp://nope.example and plain text"))
}

func TestChatterModule(t *testing.T) {
	chatter := &mockChatterRepo{reply: "Doing fine, thanks."}
	titles := &mockTitleRepo{titles: map[string]string{"https://example.com/": "Example"}}
	h := newHarness(t, NewFeedModule(), NewURLTitleModule(titles), NewChatterModule(chatter))

	assert.Equal(t, usecase.OutcomeConsumed, h.say("dave", "ExAstris: how are you?"))
	assert.Equal(t, "how are you?", chatter.message)
	assert.Equal(t, "oc_news|dave: Doing fine, thanks.", h.transport.last())

	chatter.message = ""
	assert.Equal(t, usecase.OutcomeDropped, h.say("dave", "how are you?"))
	assert.Empty(t, chatter.message, "unaddressed messages are not chatted to")

	assert.Equal(t, usecase.OutcomeConsumed, h.say("dave", "ExAstris: see https://example.com/"))
	assert.Equal(t, "oc_news|dave: Example", h.transport.last())
	assert.Empty(t, chatter.message, "consumed by the title handler first")

	assert.Equal(t, usecase.OutcomeConsumed, h.say("dave", "ExAstris: is https://example.com/dead up?"))
	assert.Equal(t, "is https://example.com/dead up?", chatter.message, "an untitled link falls through to chatter")

	assert.Equal(t, usecase.OutcomeConsumed, h.whisper("dave", "hello there"))
	assert.Equal(t, "hello there", chatter.message)

	chatter.err = errors.MarkTransient(errors.New("rate limited"))
	h.say("dave", "ExAstris: still there?")
	assert.Equal(t, "oc_news|dave: "+errors.GenericFailure, h.transport.last())
}

func TestModules_Selection(t *testing.T) {
	names := func(modules []FeatureModule) string {
		out := make([]string, 0, len(modules))
		for _, m := range modules {
			out = append(out, m.Name())
		}
		return strings.Join(out, ",")
	}

	cfg := conf.DefaultBootstrapConfig()
	assert.Equal(t, "channels,feed,help", names(Modules(cfg, ModuleDeps{})))
	assert.Equal(t, "channels,feed,help,urltitle,chatter",
		names(Modules(cfg, ModuleDeps{Title: &mockTitleRepo{}, Chatter: &mockChatterRepo{}})))

	cfg.Modules = []string{conf.ModuleFeed, conf.ModuleChatter}
	assert.Equal(t, "feed,chatter", names(Modules(cfg, ModuleDeps{Title: &mockTitleRepo{}, Chatter: &mockChatterRepo{}})))
}

func TestWithoutAddress(t *testing.T) {
	assert.Equal(t, "how are you", withoutAddress(&domain.Request{Text: "ExAstris: how are you", Addressed: true}))
	assert.Equal(t, "", withoutAddress(&domain.Request{Text: "ExAstris", Addressed: true}))
	assert.Equal(t, "hi", withoutAddress(&domain.Request{Text: " hi "}))
}
