package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/errors"
)

// FeedModule exposes the fan-out engine as chat commands
type FeedModule struct {
	host *Host
}

// NewFeedModule creates the feed module
func NewFeedModule() *FeedModule {
	return &FeedModule{}
}

// Name returns the module name
func (m *FeedModule) Name() string { return "feed" }

// OnLoad registers the feed commands
func (m *FeedModule) OnLoad(h *Host) error {
	m.host = h
	level := domain.LevelAuthorized

	commands := []struct {
		phrase      string
		description string
		handler     usecase.HandlerFunc
	}{
		{"follow", "follow [@handle] - Follow and show posts from a specific Bluesky user.", m.handleFollow},
		{"start following", "start following [@handle] - Follow and show posts from a specific Bluesky user.", m.handleFollow},
		{"stop following", "stop following [@handle] - Stop following a specific Bluesky user. There will be no more posts shown anywhere from that user.", m.handleStopFollow},

		{"show posts from", "show posts from [@handle] (destination) - Show posts from a followed Bluesky user.", m.handleShow},
		{"start showing posts from", "start showing posts from [@handle] (destination) - Show posts from a followed Bluesky user.", m.handleShow},
		{"stop showing posts from", "stop showing posts from [@handle] (destination) - Stop showing posts from a followed Bluesky user.", m.handleStopShow},

		{"show replies from", "show replies from [@handle] (destination) - Include replies when following a specific Bluesky user.", m.setToggle(domain.PropertyReplies, true)},
		{"start showing replies from", "start showing replies from [@handle] (destination) - Include replies when following a specific Bluesky user.", m.setToggle(domain.PropertyReplies, true)},
		{"stop showing replies from", "stop showing replies from [@handle] (destination) - Don't include replies when following a specific Bluesky user.", m.setToggle(domain.PropertyReplies, false)},

		{"show reposts from", "show reposts from [@handle] (destination) - Include reposts when following a specific Bluesky user.", m.setToggle(domain.PropertyReposts, true)},
		{"start showing reposts from", "start showing reposts from [@handle] (destination) - Include reposts when following a specific Bluesky user.", m.setToggle(domain.PropertyReposts, true)},
		{"stop showing reposts from", "stop showing reposts from [@handle] (destination) - Don't include reposts when following a specific Bluesky user.", m.setToggle(domain.PropertyReposts, false)},

		{"filter posts from", "filter posts from [@handle] (destination) matching [regex...] - Only show posts matching any of the regular expressions.", m.handleFilter},
		{"clear filters for", "clear filters for [@handle] (destination) - Show every post again.", m.handleClearFilters},

		{"are you following", "are you following [@handle] (destination) - Details the current following status of a given Bluesky user.", m.handleStatus},
	}

	for _, c := range commands {
		if !h.Router.Register(c.phrase, level, c.description, c.handler) {
			return errors.Newf("feed: failed to register %q", c.phrase)
		}
	}
	return nil
}

// handleArg returns the handle argument, or "" when none was given
func handleArg(req *domain.Request) string {
	if len(req.Arguments) == 0 {
		return ""
	}
	return req.Arguments[0]
}

// parseTarget picks the destination from the words after the handle: an optional
// "to" or "in", then a channel or "here". No words means the current destination.
func parseTarget(current string, args []string) string {
	for len(args) > 1 && (strings.EqualFold(args[0], "to") || strings.EqualFold(args[0], "in")) {
		args = args[1:]
	}
	if len(args) > 0 && !strings.EqualFold(args[0], "here") {
		return strings.ToLower(args[0])
	}
	return strings.ToLower(current)
}

// target resolves the destination for a command and refuses the bot itself
func (m *FeedModule) target(req *domain.Request, args []string) (domain.Destination, error) {
	target := parseTarget(req.Destination, args)
	if target == strings.ToLower(m.host.Bot.Nickname(req.Server.Identifier())) {
		return domain.Destination{}, errors.Validationf("Silly wabbits, Trix are for kids!")
	}
	return domain.NewDestination(req.Server.Identifier(), target), nil
}

func (m *FeedModule) handleFollow(ctx context.Context, req *domain.Request) error {
	dest := domain.NewDestination(req.Server.Identifier(), req.Destination)

	result, err := m.host.Fanout.FollowSource(ctx, handleArg(req), dest, req.Origin())
	if err != nil {
		return err
	}

	sub := result.Subscription
	if result.Status == usecase.FollowAlreadyFollowing {
		if _, sub, err = m.host.Fanout.AddDestination(ctx, sub.Handle, dest, req.Origin()); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("I'm following posts from @%s!", sub.Name())
	if rule, ok := sub.Rules[dest.Key()]; ok && rule.Enabled {
		msg += fmt.Sprintf(" I'll show the posts in %s!", dest.Target)
	} else {
		msg += " FYI: I'm not showing the posts in here so you might want to do that."
	}
	return m.host.Reply(ctx, req, msg)
}

func (m *FeedModule) handleStopFollow(ctx context.Context, req *domain.Request) error {
	sub, err := m.host.Fanout.Unfollow(ctx, handleArg(req), req.Origin())
	if err != nil {
		return err
	}
	return m.host.Reply(ctx, req, fmt.Sprintf("I am no longer following or showing posts from @%s.", sub.Name()))
}

func (m *FeedModule) handleShow(ctx context.Context, req *domain.Request) error {
	if _, err := domain.NormalizeHandle(handleArg(req)); err != nil {
		return err
	}
	dest, err := m.target(req, req.Arguments[1:])
	if err != nil {
		return err
	}

	_, sub, err := m.host.Fanout.AddDestination(ctx, handleArg(req), dest, req.Origin())
	if err != nil {
		return err
	}
	return m.host.Reply(ctx, req, fmt.Sprintf("Aye aye, I'll show any posts I see from @%s to %s.", sub.Name(), dest.Target))
}

func (m *FeedModule) handleStopShow(ctx context.Context, req *domain.Request) error {
	if _, err := domain.NormalizeHandle(handleArg(req)); err != nil {
		return err
	}
	dest, err := m.target(req, req.Arguments[1:])
	if err != nil {
		return err
	}

	sub, err := m.host.Fanout.RemoveDestination(ctx, handleArg(req), dest, req.Origin())
	if err != nil {
		return err
	}
	return m.host.Reply(ctx, req, fmt.Sprintf("I'll shut up and stop showing posts from @%s to %s.", sub.Name(), dest.Target))
}

func (m *FeedModule) setToggle(prop domain.RuleProperty, value bool) usecase.HandlerFunc {
	return func(ctx context.Context, req *domain.Request) error {
		if _, err := domain.NormalizeHandle(handleArg(req)); err != nil {
			return err
		}
		dest, err := m.target(req, req.Arguments[1:])
		if err != nil {
			return err
		}

		sub, err := m.host.Fanout.SetDeliveryRuleProperty(ctx, handleArg(req), dest.Key(), prop, value, req.Origin())
		if err != nil {
			return err
		}

		state := "disabled"
		if value {
			state = "enabled"
		}
		return m.host.Reply(ctx, req, fmt.Sprintf("Surely, I've %s %s from @%s to %s.", state, prop, sub.Name(), dest.Target))
	}
}

// splitMatching splits arguments at the word "matching"
func splitMatching(args []string) (before, after []string, ok bool) {
	for i, a := range args {
		if strings.EqualFold(a, "matching") {
			return args[:i], args[i+1:], true
		}
	}
	return args, nil, false
}

func (m *FeedModule) handleFilter(ctx context.Context, req *domain.Request) error {
	if _, err := domain.NormalizeHandle(handleArg(req)); err != nil {
		return err
	}

	before, _, ok := splitMatching(req.Arguments[1:])
	_, filters, _ := splitMatching(req.RawArguments[1:])
	if !ok || len(filters) == 0 {
		return errors.Validationf("Tell me what to match, like: filter posts from @%s matching [regex...]", strings.TrimPrefix(handleArg(req), "@"))
	}

	dest, err := m.target(req, before)
	if err != nil {
		return err
	}

	sub, err := m.host.Fanout.SetDeliveryRuleProperty(ctx, handleArg(req), dest.Key(), domain.PropertyFilters, filters, req.Origin())
	if err != nil {
		return err
	}
	return m.host.Reply(ctx, req, fmt.Sprintf("Got it, I'll only show posts from @%s to %s matching %s.",
		sub.Name(), dest.Target, strings.Join(filters, " or ")))
}

func (m *FeedModule) handleClearFilters(ctx context.Context, req *domain.Request) error {
	if _, err := domain.NormalizeHandle(handleArg(req)); err != nil {
		return err
	}
	dest, err := m.target(req, req.Arguments[1:])
	if err != nil {
		return err
	}

	sub, err := m.host.Fanout.SetDeliveryRuleProperty(ctx, handleArg(req), dest.Key(), domain.PropertyFilters, []string{}, req.Origin())
	if err != nil {
		return err
	}
	return m.host.Reply(ctx, req, fmt.Sprintf("Done, every post from @%s goes to %s again.", sub.Name(), dest.Target))
}

func (m *FeedModule) handleStatus(ctx context.Context, req *domain.Request) error {
	handle, err := domain.NormalizeHandle(handleArg(req))
	if err != nil {
		return err
	}
	dest, err := m.target(req, req.Arguments[1:])
	if err != nil {
		return err
	}

	sub, err := m.host.Fanout.Lookup(ctx, handle)
	if err != nil {
		return err
	}
	if !sub.Enabled {
		return errors.NotFoundf("Nope, I'm not following @%s.", sub.Name())
	}

	return m.host.Reply(ctx, req, statusText(sub, dest))
}

// statusText describes how a subscription is delivered to dest
func statusText(sub domain.Subscription, dest domain.Destination) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Yes, I am following @%s!", sub.Name())

	rule, ok := sub.Rules[dest.Key()]
	switch {
	case !ok:
		fmt.Fprintf(&b, " However, nobody has told me to be a good robot and repeat their posts to %s...", dest.Target)
	case !rule.Enabled:
		fmt.Fprintf(&b, " Though I'm currently not repeating posts to %s.", dest.Target)
	default:
		replies := "without replies"
		if rule.Replies {
			replies = "with replies"
		}
		reposts := "without reposts"
		if rule.Reposts {
			reposts = "with reposts"
		}
		fmt.Fprintf(&b, " I'm also showing posts %s and %s to %s!", replies, reposts, dest.Target)
		if len(rule.Filters) > 0 {
			fmt.Fprintf(&b, " Only posts matching %s get through.", strings.Join(rule.Filters, " or "))
		}
	}
	return b.String()
}
