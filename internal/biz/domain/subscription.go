package domain

import (
	"sort"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/exastris/exastris/internal/errors"
)

// DefaultHandleSuffix is appended to bare handles ("alice" -> "alice.bsky.social")
const DefaultHandleSuffix = ".bsky.social"

// DestinationKey identifies a delivery destination as target@server
type DestinationKey string

// Target returns the target part of the key
func (k DestinationKey) Target() string {
	s := string(k)
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i]
	}
	return s
}

// Destination is a chat target on a server
type Destination struct {
	Server string `json:"server"`
	Target string `json:"target"`
}

// NewDestination creates a destination with a normalized target
func NewDestination(server, target string) Destination {
	return Destination{Server: server, Target: strings.ToLower(target)}
}

// Key returns the target@server key of the destination
func (d Destination) Key() DestinationKey {
	return DestinationKey(d.Target + "@" + d.Server)
}

// DeliveryDefaults are the values a new delivery rule starts with
type DeliveryDefaults struct {
	Replies bool     `yaml:"replies"`
	Reposts bool     `yaml:"reposts"`
	Filters []string `yaml:"filters"`
}

// DefaultDeliveryDefaults shows replies and reposts with no filters
func DefaultDeliveryDefaults() DeliveryDefaults {
	return DeliveryDefaults{Replies: true, Reposts: true}
}

// DeliveryRule controls how a source's posts are shown at one destination
type DeliveryRule struct {
	Enabled     bool        `json:"enabled"`
	Replies     bool        `json:"replies"`
	Reposts     bool        `json:"reposts"`
	Filters     []string    `json:"regex_matches"`
	Destination Destination `json:"destination"`
	Provenance  Provenance  `json:"source"`
}

// NewDeliveryRule creates an enabled rule for dest seeded from defaults
func NewDeliveryRule(dest Destination, defaults DeliveryDefaults, prov Provenance) DeliveryRule {
	return DeliveryRule{
		Enabled:     true,
		Replies:     defaults.Replies,
		Reposts:     defaults.Reposts,
		Filters:     append([]string(nil), defaults.Filters...),
		Destination: dest,
		Provenance:  prov,
	}
}

// RuleProperty names a mutable delivery rule property
type RuleProperty string

const (
	PropertyReplies RuleProperty = "replies"
	PropertyReposts RuleProperty = "reposts"
	PropertyFilters RuleProperty = "filters"
)

// FeedIdentity is an account resolved on the upstream feed
type FeedIdentity struct {
	ID          string
	Handle      string
	DisplayName string
}

// Subscription is a followed upstream account and where its posts go
type Subscription struct {
	ID          string                          `json:"-"`
	Handle      string                          `json:"handle"`
	ScreenName  string                          `json:"screen_name"`
	SourceID    string                          `json:"source_id"`
	DisplayName string                          `json:"display_name"`
	Enabled     bool                            `json:"enabled"`
	Rules       map[DestinationKey]DeliveryRule `json:"destinations"`
	Provenance  Provenance                      `json:"source"`
}

// SubscriptionDefaults returns the canonical subscription record
func SubscriptionDefaults() Subscription {
	return Subscription{Rules: map[DestinationKey]DeliveryRule{}}
}

// NewSubscription creates an enabled subscription seeded with one rule for dest
func NewSubscription(handle string, ident FeedIdentity, dest Destination, defaults DeliveryDefaults, prov Provenance) Subscription {
	rule := NewDeliveryRule(dest, defaults, prov)
	screenName := ident.Handle
	if screenName == "" {
		screenName = handle
	}
	return Subscription{
		Handle:      handle,
		ScreenName:  screenName,
		SourceID:    ident.ID,
		DisplayName: ident.DisplayName,
		Enabled:     true,
		Rules:       map[DestinationKey]DeliveryRule{dest.Key(): rule},
		Provenance:  prov,
	}
}

// Clone returns a deep copy
func (s Subscription) Clone() Subscription {
	out := s
	out.Rules = make(map[DestinationKey]DeliveryRule, len(s.Rules))
	for k, r := range s.Rules {
		r.Filters = append([]string(nil), r.Filters...)
		out.Rules[k] = r
	}
	return out
}

// Name returns the handle to show users
func (s Subscription) Name() string {
	if s.ScreenName != "" {
		return s.ScreenName
	}
	return s.Handle
}

// RuleKeys returns the destination keys in sorted order
func (s Subscription) RuleKeys() []DestinationKey {
	keys := make([]DestinationKey, 0, len(s.Rules))
	for k := range s.Rules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// NormalizeHandle strips a leading @, lowercases and completes a bare handle.
func NormalizeHandle(raw string) (string, error) {
	handle := strings.ToLower(strings.TrimSpace(raw))
	handle = strings.TrimPrefix(handle, "@")
	if handle == "" {
		return "", errors.Validationf("I think you forgot to include the handle.")
	}
	if !strings.Contains(handle, ".") {
		handle += DefaultHandleSuffix
	}
	parsed, err := syntax.ParseHandle(handle)
	if err != nil {
		return "", errors.Validationf("@%s doesn't look like a valid handle.", handle)
	}
	return parsed.Normalize().String(), nil
}
