package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

const (
	queueSize  = 64
	floodBurst = 3
)

// BotService runs inbound chat messages through the gate and the router, and
// owns every outbound message.
type BotService struct {
	router   *usecase.Router
	identity *usecase.IdentityUsecase
	log      *zap.SugaredLogger

	floodInterval time.Duration

	mu         sync.RWMutex
	transports map[string]repo.ChatTransport
	limiters   map[string]*rate.Limiter

	queue chan repo.InboundMessage
}

// NewBotService creates a bot service. floodInterval spaces outbound messages per server.
func NewBotService(router *usecase.Router, identity *usecase.IdentityUsecase, floodInterval time.Duration) *BotService {
	return &BotService{
		router:        router,
		identity:      identity,
		log:           logger.Named("bot"),
		floodInterval: floodInterval,
		transports:    make(map[string]repo.ChatTransport),
		limiters:      make(map[string]*rate.Limiter),
		queue:         make(chan repo.InboundMessage, queueSize),
	}
}

// AddTransport registers the connection for a server
func (s *BotService) AddTransport(t repo.ChatTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.ServerID()
	s.transports[id] = t
	limit := rate.Inf
	if s.floodInterval > 0 {
		limit = rate.Every(s.floodInterval)
	}
	s.limiters[id] = rate.NewLimiter(limit, floodBurst)
}

// Transport returns the connection for a server
func (s *BotService) Transport(serverID string) (repo.ChatTransport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transports[serverID]
	return t, ok
}

// Transports returns every registered connection
func (s *BotService) Transports() []repo.ChatTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repo.ChatTransport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}

// Nickname returns the bot's name on a server
func (s *BotService) Nickname(serverID string) string {
	if t, ok := s.Transport(serverID); ok {
		return t.Nickname()
	}
	if server, ok := s.identity.Server(serverID); ok {
		return server.Nickname
	}
	return ""
}

// Enqueue hands a message to the worker; it blocks while the queue is full
func (s *BotService) Enqueue(ctx context.Context, msg repo.InboundMessage) {
	select {
	case s.queue <- msg:
	case <-ctx.Done():
	}
}

// Run processes queued messages one at a time until ctx is cancelled
func (s *BotService) Run(ctx context.Context) {
	s.log.Infow("Message worker started")
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Message worker stopped")
			return
		case msg := <-s.queue:
			s.Process(ctx, msg)
		}
	}
}

// Process gates and dispatches one inbound message
func (s *BotService) Process(ctx context.Context, msg repo.InboundMessage) usecase.Outcome {
	server, ok := s.identity.Server(msg.ServerID)
	if !ok {
		s.log.Warnw("Message from unknown server", "server", msg.ServerID)
		return usecase.OutcomeDropped
	}

	user, err := s.identity.ObserveUser(ctx, msg.Nickname, msg.Username, msg.Hostname)
	if err != nil {
		s.log.Errorw("Failed to load user", "nickname", msg.Nickname, "error", err)
		return usecase.OutcomeDropped
	}

	if user.Banned() {
		s.log.Debugw("Ignoring banned user", "user", user.Identifier(), "nickname", msg.Nickname)
		return usecase.OutcomeDropped
	}

	if !msg.Direct && !server.Listening(msg.Channel) {
		s.log.Debugw("Ignoring message from channel not listened to", "server", msg.ServerID, "channel", msg.Channel)
		return usecase.OutcomeDropped
	}

	req := &domain.Request{
		Server:      server,
		User:        user,
		Source:      msg.Nickname,
		Destination: msg.Channel,
		Direct:      msg.Direct,
		MessageID:   msg.MsgID,
		Text:        msg.Text,
	}

	outcome, err := s.router.Dispatch(ctx, req, s.Nickname(msg.ServerID))
	if err != nil {
		s.handleError(ctx, req, err)
	}
	return outcome
}

// handleError replies with the error's hint; failures without one are logged
func (s *BotService) handleError(ctx context.Context, req *domain.Request, err error) {
	if errors.IsTransient(err) || len(errors.GetAllHints(err)) == 0 {
		s.log.Errorw("Command failed", "source", req.Source, "destination", req.Destination, "text", req.Text, "error", err)
	} else {
		s.log.Debugw("Command refused", "source", req.Source, "reason", errors.UserMessage(err))
	}

	if replyErr := s.Reply(ctx, req, errors.UserMessage(err)); replyErr != nil {
		s.log.Errorw("Failed to send reply", "destination", req.Destination, "error", replyErr)
	}
}

// Reply answers the requester; channel replies are prefixed with their nickname
func (s *BotService) Reply(ctx context.Context, req *domain.Request, text string) error {
	if !req.Direct {
		text = req.Source + ": " + text
	}
	return s.Say(ctx, req.Server.Identifier(), req.Destination, text)
}

// Say sends text to a target on a server, waiting for the server's flood limiter
func (s *BotService) Say(ctx context.Context, serverID, target, text string) error {
	s.mu.RLock()
	t, ok := s.transports[serverID]
	limiter := s.limiters[serverID]
	s.mu.RUnlock()
	if !ok {
		return errors.NotFoundf("I'm not connected to %s.", serverID)
	}

	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "flood wait")
	}
	if err := t.Say(ctx, target, text); err != nil {
		return err
	}
	s.log.Debugw("Message sent", "server", serverID, "target", target)
	return nil
}

// SayToDestination delivers a fan-out message. It calls the transport directly
// and never goes through the worker queue.
func (s *BotService) SayToDestination(ctx context.Context, dest domain.Destination, message string) error {
	return s.Say(ctx, dest.Server, dest.Target, message)
}
