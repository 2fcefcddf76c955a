package discord

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

const sendTimeout = 10 * time.Second

// Transport is a Discord bot connection over the gateway
type Transport struct {
	session *discordgo.Session
	server  domain.Server
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	botID   string
	botName string
	cancel  context.CancelFunc
}

var _ repo.ChatTransport = (*Transport)(nil)

// NewTransport creates a Discord transport for server
func NewTransport(token string, server domain.Server) (*Transport, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Transport{
		session: session,
		server:  server,
		log:     logger.Named("discord"),
	}, nil
}

// ServerID returns the address:port identifier of the server
func (t *Transport) ServerID() string {
	return t.server.Identifier()
}

// Nickname returns the bot's username, or the configured nickname until it is known
func (t *Transport) Nickname() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.botName != "" {
		return t.botName
	}
	return t.server.Nickname
}

// Start opens the gateway session and blocks until ctx is cancelled
func (t *Transport) Start(ctx context.Context, handler repo.TransportHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	t.log.Infow("Starting Discord bot", "server", t.ServerID())

	removeReady := t.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		t.mu.Lock()
		t.botID = r.User.ID
		t.botName = r.User.Username
		t.mu.Unlock()
		t.log.Infow("Discord bot connected", "username", r.User.Username, "user_id", r.User.ID)
		handler.OnRegistered(ctx, t.ServerID())
	})
	defer removeReady()

	removeMessage := t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		t.mu.RLock()
		botID, botName := t.botID, t.botName
		t.mu.RUnlock()
		if msg, ok := inbound(t.ServerID(), botID, botName, m); ok {
			handler.OnMessage(ctx, msg)
		}
	})
	defer removeMessage()

	if err := t.session.Open(); err != nil {
		err = errors.MarkTransient(errors.Wrap(err, "failed to open discord session"))
		handler.OnError(ctx, t.ServerID(), err)
		return err
	}

	<-ctx.Done()

	t.log.Infow("Stopping Discord bot")
	if err := t.session.Close(); err != nil {
		return errors.Wrap(err, "failed to close discord session")
	}
	return nil
}

// Stop disconnects from Discord
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Say sends text to a channel
func (t *Transport) Say(ctx context.Context, target, text string) error {
	if target == "" {
		return errors.New("channel ID is empty")
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := t.session.ChannelMessageSend(target, text, discordgo.WithContext(sendCtx)); err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to send discord message"))
	}
	return nil
}

// Join checks the bot can see a channel. Guild membership is managed by Discord invites.
func (t *Transport) Join(ctx context.Context, channel string) error {
	if _, err := t.session.Channel(channel, discordgo.WithContext(ctx)); err != nil {
		return errors.Wrapf(err, "cannot access channel %s", channel)
	}
	t.log.Infow("Listening to channel", "channel", channel)
	return nil
}

// Part is a no-op; the bot stays in the guild and the channel stops being listened to
func (t *Transport) Part(ctx context.Context, channel string) error {
	t.log.Infow("Left channel", "channel", channel)
	return nil
}

// inbound converts a gateway message into a transport message
func inbound(serverID, botID, botName string, m *discordgo.MessageCreate) (repo.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return repo.InboundMessage{}, false
	}
	if m.Author.Bot || (botID != "" && m.Author.ID == botID) {
		return repo.InboundMessage{}, false
	}

	text := replaceBotMention(m.Content, botID, botName)
	if strings.TrimSpace(text) == "" {
		return repo.InboundMessage{}, false
	}

	return repo.InboundMessage{
		ServerID: serverID,
		MsgID:    m.ID,
		Nickname: displayName(m),
		Username: m.Author.ID,
		Hostname: string(domain.PlatformDiscord),
		Channel:  m.ChannelID,
		Text:     text,
		Direct:   m.GuildID == "",
	}, true
}

// displayName prefers the guild nickname, then the global display name, then the username
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// replaceBotMention turns <@id> and <@!id> mentions of the bot into @Name so addressing works
func replaceBotMention(content, botID, botName string) string {
	if botID == "" || botName == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@!"+botID+">", "@"+botName)
	return strings.ReplaceAll(content, "<@"+botID+">", "@"+botName)
}
