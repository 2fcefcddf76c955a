package mcpserver

import (
	"context"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/exastris/exastris/internal/biz"
	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
)

// Server exposes the bot's subscriptions, servers and commands as read-only MCP tools
type Server struct {
	server   *mcp.Server
	usecases *biz.Usecases
}

// NewServer creates the MCP server over uc
func NewServer(uc *biz.Usecases, version string) *Server {
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "exastris",
			Version: version,
		}, nil),
		usecases: uc,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_subscriptions",
		Description: "List followed Bluesky accounts and where their posts are shown.",
	}, s.handleListSubscriptions)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_subscription",
		Description: "Show one followed Bluesky account and its delivery rules.",
	}, s.handleGetSubscription)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_servers",
		Description: "List chat servers and the channels the bot listens to.",
	}, s.handleListServers)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_commands",
		Description: "List chat commands available at an authorization level.",
	}, s.handleListCommands)
}

// DestinationInfo is one delivery rule of a subscription
type DestinationInfo struct {
	Server  string   `json:"server"`
	Target  string   `json:"target"`
	Enabled bool     `json:"enabled"`
	Replies bool     `json:"replies"`
	Reposts bool     `json:"reposts"`
	Filters []string `json:"filters,omitempty"`
}

// SubscriptionInfo describes a followed account
type SubscriptionInfo struct {
	Handle       string            `json:"handle"`
	SourceID     string            `json:"source_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	Enabled      bool              `json:"enabled"`
	Destinations []DestinationInfo `json:"destinations"`
}

func subscriptionInfo(sub domain.Subscription) SubscriptionInfo {
	info := SubscriptionInfo{
		Handle:       sub.Name(),
		SourceID:     sub.SourceID,
		DisplayName:  sub.DisplayName,
		Enabled:      sub.Enabled,
		Destinations: []DestinationInfo{},
	}
	for _, key := range sub.RuleKeys() {
		rule := sub.Rules[key]
		info.Destinations = append(info.Destinations, DestinationInfo{
			Server:  rule.Destination.Server,
			Target:  rule.Destination.Target,
			Enabled: rule.Enabled,
			Replies: rule.Replies,
			Reposts: rule.Reposts,
			Filters: rule.Filters,
		})
	}
	return info
}

// ListSubscriptionsInput filters the subscription list
type ListSubscriptionsInput struct {
	IncludeDisabled bool `json:"include_disabled,omitempty" jsonschema:"Also list accounts that were unfollowed"`
}

// ListSubscriptionsOutput contains the subscriptions sorted by handle
type ListSubscriptionsOutput struct {
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

func (s *Server) handleListSubscriptions(ctx context.Context, req *mcp.CallToolRequest, input ListSubscriptionsInput) (*mcp.CallToolResult, ListSubscriptionsOutput, error) {
	subs, err := s.usecases.Fanout.Subscriptions(ctx)
	if err != nil {
		return nil, ListSubscriptionsOutput{}, err
	}

	out := ListSubscriptionsOutput{Subscriptions: []SubscriptionInfo{}}
	for _, sub := range subs {
		if !sub.Enabled && !input.IncludeDisabled {
			continue
		}
		out.Subscriptions = append(out.Subscriptions, subscriptionInfo(sub))
	}
	return nil, out, nil
}

// GetSubscriptionInput names the account to show
type GetSubscriptionInput struct {
	Handle string `json:"handle" jsonschema:"The Bluesky handle, with or without the leading @"`
}

func (s *Server) handleGetSubscription(ctx context.Context, req *mcp.CallToolRequest, input GetSubscriptionInput) (*mcp.CallToolResult, SubscriptionInfo, error) {
	sub, err := s.usecases.Fanout.Lookup(ctx, input.Handle)
	if err != nil {
		return nil, SubscriptionInfo{}, errors.New(errors.UserMessage(err))
	}
	return nil, subscriptionInfo(sub), nil
}

// ChannelInfo is one channel of a server
type ChannelInfo struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Listening bool   `json:"listening"`
}

// ServerInfo describes a chat server
type ServerInfo struct {
	ID       string        `json:"id"`
	Platform string        `json:"platform"`
	Nickname string        `json:"nickname"`
	Channels []ChannelInfo `json:"channels"`
}

// ListServersInput is empty - no input needed
type ListServersInput struct{}

// ListServersOutput contains the servers sorted by identifier
type ListServersOutput struct {
	Servers []ServerInfo `json:"servers"`
}

func (s *Server) handleListServers(ctx context.Context, req *mcp.CallToolRequest, input ListServersInput) (*mcp.CallToolResult, ListServersOutput, error) {
	out := ListServersOutput{Servers: []ServerInfo{}}
	for _, srv := range s.usecases.Identity.Servers() {
		info := ServerInfo{
			ID:       srv.Identifier(),
			Platform: string(srv.Platform),
			Nickname: srv.Nickname,
			Channels: []ChannelInfo{},
		}
		for _, name := range sortedChannels(srv) {
			ch := srv.Channels[name]
			info.Channels = append(info.Channels, ChannelInfo{Name: ch.Name, Enabled: ch.Enabled, Listening: ch.Listening})
		}
		out.Servers = append(out.Servers, info)
	}
	return nil, out, nil
}

func sortedChannels(srv domain.Server) []string {
	names := make([]string, 0, len(srv.Channels))
	for name := range srv.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListCommandsInput picks the authorization level to list for
type ListCommandsInput struct {
	Level string `json:"level,omitempty" jsonschema:"One of default, authorized or admin (default: admin)"`
}

// CommandInfo describes a chat command
type CommandInfo struct {
	Phrase      string `json:"phrase"`
	MinLevel    string `json:"min_level"`
	Description string `json:"description"`
}

// ListCommandsOutput contains the commands in registration order
type ListCommandsOutput struct {
	Commands []CommandInfo `json:"commands"`
}

func (s *Server) handleListCommands(ctx context.Context, req *mcp.CallToolRequest, input ListCommandsInput) (*mcp.CallToolResult, ListCommandsOutput, error) {
	level, err := parseLevel(input.Level)
	if err != nil {
		return nil, ListCommandsOutput{}, err
	}

	out := ListCommandsOutput{Commands: []CommandInfo{}}
	for _, c := range s.usecases.Router.Commands(level) {
		out.Commands = append(out.Commands, CommandInfo{
			Phrase:      c.Phrase,
			MinLevel:    c.MinLevel.String(),
			Description: c.Description,
		})
	}
	return nil, out, nil
}

func parseLevel(name string) (domain.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "admin":
		return domain.LevelAdmin, nil
	case "authorized":
		return domain.LevelAuthorized, nil
	case "default":
		return domain.LevelDefault, nil
	case "banned":
		return domain.LevelBanned, nil
	default:
		return 0, errors.Newf("unknown level %q", name)
	}
}

// Run serves the tools over stdio until ctx is cancelled or stdin closes
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves the tools over t; used by tests with in-memory transports
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
