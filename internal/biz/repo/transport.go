package repo

import "context"

// InboundMessage is a chat message received by a transport
type InboundMessage struct {
	ServerID string
	MsgID    string
	Nickname string
	Username string
	Hostname string
	Channel  string // channel or direct chat the message arrived in
	Text     string
	Direct   bool
}

// TransportHandler receives transport callbacks
type TransportHandler interface {
	OnMessage(ctx context.Context, msg InboundMessage)
	OnNotice(ctx context.Context, serverID, from, text string)
	OnRegistered(ctx context.Context, serverID string)
	OnError(ctx context.Context, serverID string, err error)
}

// ChatTransport is a connection to one chat server
type ChatTransport interface {
	// ServerID returns the address:port identifier of the server
	ServerID() string

	// Nickname returns the bot's display name on the server
	Nickname() string

	// Start connects and blocks until ctx is cancelled or the connection fails
	Start(ctx context.Context, handler TransportHandler) error

	// Stop disconnects
	Stop()

	// Say sends text to a channel or direct chat
	Say(ctx context.Context, target, text string) error

	// Join joins a channel
	Join(ctx context.Context, channel string) error

	// Part leaves a channel
	Part(ctx context.Context, channel string) error
}
