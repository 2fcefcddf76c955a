package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
)

// ChannelsModule manages which channels the bot listens to and who may command it
type ChannelsModule struct {
	host     *Host
	defaults map[string]map[string]bool
}

// NewChannelsModule creates the channels module. defaults lists each server's
// configured channels; the bot never leaves those.
func NewChannelsModule(defaults map[string][]string) *ChannelsModule {
	m := &ChannelsModule{defaults: make(map[string]map[string]bool)}
	for server, channels := range defaults {
		set := make(map[string]bool, len(channels))
		for _, ch := range channels {
			set[domain.NormalizeChannel(ch)] = true
		}
		m.defaults[server] = set
	}
	return m
}

// Name returns the module name
func (m *ChannelsModule) Name() string { return "channels" }

// OnLoad registers the channel and user commands
func (m *ChannelsModule) OnLoad(h *Host) error {
	m.host = h

	commands := []struct {
		phrase      string
		level       domain.Level
		description string
		handler     func(ctx context.Context, req *domain.Request) error
	}{
		{"listen to", domain.LevelAuthorized, "listen to [channel] - Listen to a specific channel for commands.", m.handleListenTo},
		{"start listening to", domain.LevelAuthorized, "start listening to [channel] - Listen to a specific channel for commands.", m.handleListenTo},
		{"stop listening to", domain.LevelAuthorized, "stop listening to [channel] - Stop listening to a specific channel.", m.handleStopListeningTo},
		{"authorize", domain.LevelAdmin, "authorize [nickname] - Let someone manage follows and channels.", m.setLevel(domain.LevelAuthorized)},
		{"ban", domain.LevelAdmin, "ban [nickname] - Ignore everything someone says.", m.setLevel(domain.LevelBanned)},
		{"unban", domain.LevelAdmin, "unban [nickname] - Stop ignoring someone.", m.setLevel(domain.LevelDefault)},
	}

	for _, c := range commands {
		if !h.Router.Register(c.phrase, c.level, c.description, c.handler) {
			return errors.Newf("channels: failed to register %q", c.phrase)
		}
	}
	return nil
}

// channelArg returns the channel named by the first argument; "here" is the current channel
func channelArg(req *domain.Request) string {
	if len(req.Arguments) == 0 {
		return ""
	}
	if req.Arguments[0] == "here" && !req.Direct {
		return domain.NormalizeChannel(req.Destination)
	}
	return domain.NormalizeChannel(req.Arguments[0])
}

func (m *ChannelsModule) isDefault(serverID, channel string) bool {
	return m.defaults[serverID][channel]
}

func (m *ChannelsModule) handleListenTo(ctx context.Context, req *domain.Request) error {
	channel := channelArg(req)
	if channel == "" {
		return errors.Validationf("You forgot to include a channel to listen to.")
	}

	serverID := req.Server.Identifier()
	server, _ := m.host.Identity.Server(serverID)
	if server.Listening(channel) {
		return errors.Conflictf("It would appear that I'm already listening to %s!", channel)
	}

	if _, err := m.host.Identity.SetChannel(ctx, serverID, channel, func(ch *domain.Channel) {
		ch.Enabled = true
		ch.Listening = true
	}, req.Origin()); err != nil {
		return err
	}

	if t, ok := m.host.Bot.Transport(serverID); ok {
		if err := t.Join(ctx, channel); err != nil {
			m.host.Bot.log.Warnw("Failed to join channel", "server", serverID, "channel", channel, "error", err)
			return m.host.Reply(ctx, req, fmt.Sprintf("I'll listen to %s, but I couldn't get in there yet.", channel))
		}
	}

	return m.host.Reply(ctx, req, fmt.Sprintf("I'm now listening to %s!", channel))
}

func (m *ChannelsModule) handleStopListeningTo(ctx context.Context, req *domain.Request) error {
	channel := channelArg(req)
	if channel == "" {
		return errors.Validationf("You forgot to include a channel to stop listening to.")
	}

	serverID := req.Server.Identifier()
	server, _ := m.host.Identity.Server(serverID)
	if !server.Listening(channel) {
		return errors.NotFoundf("I am not listening to %s right now.", channel)
	}

	keep := m.isDefault(serverID, channel)
	if _, err := m.host.Identity.SetChannel(ctx, serverID, channel, func(ch *domain.Channel) {
		ch.Listening = false
		ch.Enabled = keep
	}, req.Origin()); err != nil {
		return err
	}

	// Say it before leaving, or the reply has nowhere to go
	if err := m.host.Reply(ctx, req, fmt.Sprintf("I have stopped listening to %s!", channel)); err != nil {
		return err
	}

	if !keep {
		if t, ok := m.host.Bot.Transport(serverID); ok {
			if err := t.Part(ctx, channel); err != nil {
				m.host.Bot.log.Warnw("Failed to leave channel", "server", serverID, "channel", channel, "error", err)
			}
		}
	}
	return nil
}

func (m *ChannelsModule) setLevel(level domain.Level) func(ctx context.Context, req *domain.Request) error {
	return func(ctx context.Context, req *domain.Request) error {
		if len(req.RawArguments) == 0 {
			return errors.Validationf("Who, though?")
		}
		nickname := strings.Join(req.RawArguments, " ")
		if nickname == req.Source {
			return errors.Validationf("I'm not going to let you do that to yourself.")
		}

		user, err := m.host.Identity.SetLevel(ctx, nickname, level, req.Origin())
		if err != nil {
			return err
		}
		return m.host.Reply(ctx, req, fmt.Sprintf("Okay, %s is now %s.", user.Nickname, user.Level))
	}
}
