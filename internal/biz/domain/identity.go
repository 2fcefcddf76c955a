package domain

import (
	"sort"
	"strconv"
	"strings"
)

// Level is a user's authorization level
type Level int

const (
	LevelBanned     Level = -1
	LevelDefault    Level = 0
	LevelAuthorized Level = 1
	LevelAdmin      Level = 10
)

// String returns a readable level name
func (l Level) String() string {
	switch {
	case l <= LevelBanned:
		return "banned"
	case l >= LevelAdmin:
		return "admin"
	case l >= LevelAuthorized:
		return "authorized"
	default:
		return "default"
	}
}

// Document datatypes
const (
	DatatypeServer       = "server"
	DatatypeUser         = "user"
	DatatypeSubscription = "subscription"
)

// Platform names a chat transport
type Platform string

const (
	PlatformFeishu  Platform = "feishu"
	PlatformDiscord Platform = "discord"
)

// Channel is a chat room the bot may join and listen to
type Channel struct {
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Listening  bool       `json:"listening"`
	Provenance Provenance `json:"source"`
}

// NewChannel creates an enabled, listening channel
func NewChannel(name string, prov Provenance) Channel {
	return Channel{
		Name:       NormalizeChannel(name),
		Enabled:    true,
		Listening:  true,
		Provenance: prov,
	}
}

// NormalizeChannel lowercases and trims a channel name
func NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Server is a chat server the bot is connected to
type Server struct {
	ID         string             `json:"-"`
	Platform   Platform           `json:"platform"`
	Address    string             `json:"address"`
	Port       int                `json:"port"`
	Nickname   string             `json:"nickname"`
	Channels   map[string]Channel `json:"channels"`
	Provenance Provenance         `json:"source"`
}

// ServerDefaults returns the canonical server record that stored servers are merged over
func ServerDefaults() Server {
	return Server{
		Address:  "localhost",
		Port:     443,
		Nickname: "ExAstris",
		Channels: map[string]Channel{},
	}
}

// ServerIdentifier builds the address:port key of a server
func ServerIdentifier(address string, port int) string {
	return address + ":" + strconv.Itoa(port)
}

// Identifier returns the address:port key of the server
func (s Server) Identifier() string {
	return ServerIdentifier(s.Address, s.Port)
}

// Clone returns a copy that does not share the channel map
func (s Server) Clone() Server {
	out := s
	out.Channels = make(map[string]Channel, len(s.Channels))
	for k, v := range s.Channels {
		out.Channels[k] = v
	}
	return out
}

// Listening reports whether the bot accepts messages from a channel
func (s Server) Listening(channel string) bool {
	ch, ok := s.Channels[NormalizeChannel(channel)]
	return ok && ch.Enabled && ch.Listening
}

// EnabledChannels returns the names of channels that should be joined, sorted
func (s Server) EnabledChannels() []string {
	var names []string
	for _, ch := range s.Channels {
		if ch.Enabled {
			names = append(names, ch.Name)
		}
	}
	sort.Strings(names)
	return names
}

// User is a chat user known to the bot
type User struct {
	ID         string     `json:"-"`
	Nickname   string     `json:"nickname"`
	Username   string     `json:"username"`
	Hostname   string     `json:"hostname"`
	Level      Level      `json:"level"`
	Provenance Provenance `json:"source"`
}

// UserDefaults returns the canonical user record that stored users are merged over
func UserDefaults() User {
	return User{Level: LevelDefault}
}

// UserIdentifier builds the username@hostname key of a user
func UserIdentifier(username, hostname string) string {
	return username + "@" + hostname
}

// Identifier returns the username@hostname key of the user
func (u User) Identifier() string {
	return UserIdentifier(u.Username, u.Hostname)
}

// Banned reports whether the user is ignored entirely
func (u User) Banned() bool {
	return u.Level <= LevelBanned
}
