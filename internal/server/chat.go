package server

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/logger"
	"github.com/exastris/exastris/internal/service"
)

const seenMsgTTL = 5 * time.Minute

// ChatServer receives transport callbacks and hands messages to the bot
type ChatServer struct {
	bot      *service.BotService
	identity *usecase.IdentityUsecase
	log      *zap.SugaredLogger
	now      func() time.Time

	// Message deduplication cache
	seenMsgsMu sync.Mutex
	seenMsgs   map[string]time.Time // serverID/msgID -> timestamp

	registered chan string
}

// NewChatServer creates a new chat server
func NewChatServer(bot *service.BotService, identity *usecase.IdentityUsecase) *ChatServer {
	return &ChatServer{
		bot:      bot,
		identity: identity,
		log:      logger.Named("chat"),
		now:      time.Now,
		seenMsgs: make(map[string]time.Time),

		registered: make(chan string, 16),
	}
}

// Registered reports the ids of servers as their transports register
func (s *ChatServer) Registered() <-chan string {
	return s.registered
}

var _ repo.TransportHandler = (*ChatServer)(nil)

// OnMessage queues an inbound message once; redeliveries are dropped
func (s *ChatServer) OnMessage(ctx context.Context, msg repo.InboundMessage) {
	if msg.MsgID != "" && !s.markMessageSeen(msg.ServerID+"/"+msg.MsgID) {
		s.log.Debugw("Duplicate message ignored", "server", msg.ServerID, "msg_id", msg.MsgID)
		return
	}
	s.log.Debugw("Message received", "server", msg.ServerID, "channel", msg.Channel,
		"nickname", msg.Nickname, "direct", msg.Direct, "text", truncate(msg.Text, 50))
	s.bot.Enqueue(ctx, msg)
}

// OnNotice logs a server notice
func (s *ChatServer) OnNotice(ctx context.Context, serverID, from, text string) {
	if strings.EqualFold(from, "nickserv") {
		s.log.Infow("NickServ notice", "server", serverID, "text", text)
		return
	}
	s.log.Debugw("Notice", "server", serverID, "from", from, "text", text)
}

// OnRegistered joins every enabled channel of the server
func (s *ChatServer) OnRegistered(ctx context.Context, serverID string) {
	server, ok := s.identity.Server(serverID)
	if !ok {
		s.log.Warnw("Registered on unknown server", "server", serverID)
		return
	}
	transport, ok := s.bot.Transport(serverID)
	if !ok {
		return
	}

	channels := server.EnabledChannels()
	s.log.Infow("Registered", "server", serverID, "nickname", transport.Nickname(), "channels", len(channels))
	for _, ch := range channels {
		if err := transport.Join(ctx, ch); err != nil {
			s.log.Warnw("Failed to join channel", "server", serverID, "channel", ch, "error", err)
		}
	}

	select {
	case s.registered <- serverID:
	default:
	}
}

// OnError logs a transport failure
func (s *ChatServer) OnError(ctx context.Context, serverID string, err error) {
	s.log.Errorw("Transport error", "server", serverID, "error", err)
}

// markMessageSeen records key and reports whether it was new
func (s *ChatServer) markMessageSeen(key string) bool {
	s.seenMsgsMu.Lock()
	defer s.seenMsgsMu.Unlock()

	now := s.now()
	cutoff := now.Add(-seenMsgTTL)
	for id, ts := range s.seenMsgs {
		if ts.Before(cutoff) {
			delete(s.seenMsgs, id)
		}
	}

	if _, exists := s.seenMsgs[key]; exists {
		return false
	}
	s.seenMsgs[key] = now
	return true
}

// truncate cuts s to n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
