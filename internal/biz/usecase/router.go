package usecase

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

// HandlerFunc handles a matched command phrase
type HandlerFunc func(ctx context.Context, req *domain.Request) error

// GenericHandlerFunc handles messages that matched no phrase
type GenericHandlerFunc func(ctx context.Context, req *domain.Request) (domain.HandleResult, error)

// Outcome reports what Dispatch did with a message
type Outcome int

const (
	// OutcomeDropped means nothing handled the message
	OutcomeDropped Outcome = iota
	// OutcomeInvoked means a phrase handler ran
	OutcomeInvoked
	// OutcomeConsumed means a generic handler consumed the message
	OutcomeConsumed
	// OutcomeUnauthorized means a phrase matched but the requester's level was too low
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvoked:
		return "invoked"
	case OutcomeConsumed:
		return "consumed"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "dropped"
	}
}

// CommandInfo describes a registered phrase
type CommandInfo struct {
	Phrase      string
	MinLevel    domain.Level
	Description string
}

// Match is the result of resolving text against the phrase trie
type Match struct {
	CommandInfo
	Handler         HandlerFunc
	MatchedTokens   []string
	RemainingTokens []string
}

type commandNode struct {
	token    string
	children []*commandNode
	leaf     *commandLeaf
}

type commandLeaf struct {
	info    CommandInfo
	handler HandlerFunc
}

func (n *commandNode) child(token string) *commandNode {
	for _, c := range n.children {
		if c.token == token {
			return c
		}
	}
	return nil
}

type genericEntry struct {
	description     string
	minLevel        domain.Level
	requiresAddress bool
	handler         GenericHandlerFunc
}

type genericOptions struct {
	minLevel        domain.Level
	requiresAddress bool
	index           int
}

// GenericOption configures a generic handler registration
type GenericOption func(*genericOptions)

// WithMinLevel skips the handler for requesters below level
func WithMinLevel(level domain.Level) GenericOption {
	return func(o *genericOptions) { o.minLevel = level }
}

// WithAddressRequired skips the handler for channel messages not addressed to the bot
func WithAddressRequired() GenericOption {
	return func(o *genericOptions) { o.requiresAddress = true }
}

// AtIndex inserts the handler at position i of the chain instead of appending
func AtIndex(i int) GenericOption {
	return func(o *genericOptions) { o.index = i }
}

// Router resolves chat text to command handlers.
// Registration happens at startup; the trie and the generic chain are read-only afterwards.
type Router struct {
	root     *commandNode
	generics []genericEntry
	log      *zap.SugaredLogger
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		root: &commandNode{},
		log:  logger.Named("router"),
	}
}

var nonWord = regexp.MustCompile(`\W`)

func cleanToken(word string) string {
	return nonWord.ReplaceAllString(strings.ToLower(word), "")
}

// Tokenize splits a phrase into lowercase word tokens with punctuation removed
func Tokenize(phrase string) []string {
	var tokens []string
	for _, word := range strings.Fields(phrase) {
		if tok := cleanToken(word); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// Register adds a command phrase. It returns false if the phrase is empty or already registered.
func (r *Router) Register(phrase string, minLevel domain.Level, description string, handler HandlerFunc) bool {
	tokens := Tokenize(phrase)
	if len(tokens) == 0 || handler == nil {
		r.log.Warnw("Rejected empty command registration", "phrase", phrase)
		return false
	}

	node := r.root
	for _, tok := range tokens {
		next := node.child(tok)
		if next == nil {
			next = &commandNode{token: tok}
			node.children = append(node.children, next)
		}
		node = next
	}

	if node.leaf != nil {
		r.log.Warnw("Attempted to register command that is already in use", "phrase", phrase)
		return false
	}

	node.leaf = &commandLeaf{
		info:    CommandInfo{Phrase: strings.Join(tokens, " "), MinLevel: minLevel, Description: description},
		handler: handler,
	}
	r.log.Debugw("Registered command", "phrase", phrase, "min_level", minLevel)
	return true
}

// RegisterGeneric adds a handler to the fallback chain
func (r *Router) RegisterGeneric(description string, handler GenericHandlerFunc, opts ...GenericOption) {
	o := genericOptions{minLevel: domain.LevelDefault, index: -1}
	for _, opt := range opts {
		opt(&o)
	}

	entry := genericEntry{
		description:     description,
		minLevel:        o.minLevel,
		requiresAddress: o.requiresAddress,
		handler:         handler,
	}

	if o.index < 0 || o.index >= len(r.generics) {
		r.generics = append(r.generics, entry)
		return
	}
	r.generics = append(r.generics, genericEntry{})
	copy(r.generics[o.index+1:], r.generics[o.index:])
	r.generics[o.index] = entry
}

// Resolve walks the trie word by word and returns the deepest registered phrase seen.
// The walk stops at the first word with no matching child; there is no backtracking.
func (r *Router) Resolve(text string) (*Match, bool) {
	words := strings.Fields(text)

	node := r.root
	var best *commandLeaf
	bestLen := 0
	for i, word := range words {
		tok := cleanToken(word)
		if tok == "" {
			// Punctuation-only words never form a token, as in Tokenize
			continue
		}
		node = node.child(tok)
		if node == nil {
			break
		}
		if node.leaf != nil {
			best = node.leaf
			bestLen = i + 1
		}
	}

	if best == nil {
		return nil, false
	}

	return &Match{
		CommandInfo:     best.info,
		Handler:         best.handler,
		MatchedTokens:   append([]string(nil), words[:bestLen]...),
		RemainingTokens: append([]string{}, words[bestLen:]...),
	}, true
}

// Dispatch routes a message to a phrase handler or the generic chain.
// Unaddressed channel commands fall through to the generic chain; commands above the
// requester's level are dropped without a reply. Handler errors are returned to the caller.
func (r *Router) Dispatch(ctx context.Context, req *domain.Request, nickname string) (Outcome, error) {
	req.Addressed = IsAddressed(req.Text, nickname)
	stripped := stripInput(req.Text, req.Addressed)
	req.SanitizedText = strings.ToLower(stripped)

	match, ok := r.Resolve(req.SanitizedText)
	if !ok {
		return r.dispatchGeneric(ctx, req)
	}

	if !req.Direct && !req.Addressed {
		r.log.Debugw("Un-addressed command passed to generic handlers",
			"destination", req.Destination, "source", req.Source, "phrase", match.Phrase)
		return r.dispatchGeneric(ctx, req)
	}

	if req.User.Level < match.MinLevel {
		r.log.Infow("Command ignored from unauthorized user",
			"destination", req.Destination, "source", req.Source,
			"level", req.User.Level, "required", match.MinLevel, "phrase", match.Phrase)
		return OutcomeUnauthorized, nil
	}

	req.Phrase = match.MatchedTokens
	req.Arguments = match.RemainingTokens
	rawWords := strings.Fields(stripped)
	if len(rawWords) == len(match.MatchedTokens)+len(match.RemainingTokens) {
		req.RawArguments = rawWords[len(match.MatchedTokens):]
	} else {
		req.RawArguments = match.RemainingTokens
	}

	r.log.Debugw("Command executed", "phrase", match.Phrase, "source", req.Source, "args", req.Arguments)
	return OutcomeInvoked, invoke(func() error { return match.Handler(ctx, req) })
}

func (r *Router) dispatchGeneric(ctx context.Context, req *domain.Request) (Outcome, error) {
	addressed := req.Direct || req.Addressed
	for _, entry := range r.generics {
		if entry.requiresAddress && !addressed {
			continue
		}
		if req.User.Level < entry.minLevel {
			continue
		}

		result := domain.PassThrough
		err := invoke(func() error {
			var err error
			result, err = entry.handler(ctx, req)
			return err
		})
		if err != nil {
			return OutcomeConsumed, err
		}
		if result == domain.Consumed {
			r.log.Debugw("Generic message handled", "handler", entry.description, "source", req.Source)
			return OutcomeConsumed, nil
		}
	}

	if addressed {
		r.log.Debugw("Addressed message had no handler", "source", req.Source, "text", req.SanitizedText)
	}
	return OutcomeDropped, nil
}

// invoke runs fn and turns a panic into an error
func invoke(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("handler panic: %v", p)
		}
	}()
	return fn()
}

// Commands lists registered phrases available at level, in registration order
func (r *Router) Commands(level domain.Level) []CommandInfo {
	var out []CommandInfo
	var walk func(n *commandNode)
	walk = func(n *commandNode) {
		if n.leaf != nil && n.leaf.info.MinLevel <= level {
			out = append(out, n.leaf.info)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)
	return out
}

// IsAddressed reports whether the first word of text contains nickname, ignoring case
func IsAddressed(text, nickname string) bool {
	if nickname == "" {
		return false
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(words[0]), strings.ToLower(nickname))
}

// Sanitize strips addressing and one trailing sentence terminator and lowercases the result
func Sanitize(text, nickname string) string {
	return strings.ToLower(stripInput(text, IsAddressed(text, nickname)))
}

func stripInput(text string, addressed bool) string {
	out := strings.TrimSpace(text)
	if addressed {
		idx := strings.IndexFunc(out, unicode.IsSpace)
		if idx < 0 {
			out = ""
		} else {
			out = strings.TrimSpace(out[idx:])
		}
	}
	if n := len(out); n > 0 && strings.ContainsRune(".?!", rune(out[n-1])) {
		out = out[:n-1]
	}
	return out
}
