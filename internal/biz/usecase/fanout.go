package usecase

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

// DeliveryFunc sends a formatted post to a chat destination
type DeliveryFunc func(ctx context.Context, dest domain.Destination, message string) error

// FollowStatus reports what FollowSource did
type FollowStatus int

const (
	FollowCreated FollowStatus = iota
	FollowReactivated
	// FollowAlreadyFollowing means the caller should add a destination instead
	FollowAlreadyFollowing
)

// AddStatus reports what AddDestination did
type AddStatus int

const (
	DestinationAdded AddStatus = iota
	DestinationReenabled
)

// FollowResult is returned by FollowSource
type FollowResult struct {
	Subscription domain.Subscription
	Status       FollowStatus
}

// FanoutEngine relays upstream feed posts to the destinations that asked for them
type FanoutEngine struct {
	store    repo.DocumentStore
	feed     repo.FeedRepo
	defaults domain.DeliveryDefaults
	locks    *keyedMutex
	now      func() time.Time
	log      *zap.SugaredLogger

	deliver DeliveryFunc

	// Every loaded subscription by source id; the enabled ones form the watch-set
	mu      sync.RWMutex
	sources map[string]domain.Subscription

	// Serializes event dispatch; guards the dedup cache and compiled filters
	dispatchMu sync.Mutex
	seen       map[domain.DestinationKey]map[string]struct{}
	regexes    map[string]*regexp.Regexp

	streamMu sync.Mutex
	stream   repo.FeedStream
	watching []string
	runCtx   context.Context
}

// NewFanoutEngine creates a fan-out engine
func NewFanoutEngine(store repo.DocumentStore, feed repo.FeedRepo, defaults domain.DeliveryDefaults) *FanoutEngine {
	return &FanoutEngine{
		store:    store,
		feed:     feed,
		defaults: defaults,
		locks:    newKeyedMutex(),
		now:      time.Now,
		log:      logger.Named("fanout"),
		sources:  make(map[string]domain.Subscription),
		seen:     make(map[domain.DestinationKey]map[string]struct{}),
		regexes:  make(map[string]*regexp.Regexp),
		runCtx:   context.Background(),
	}
}

// SetDelivery sets the outbound delivery callback
func (e *FanoutEngine) SetDelivery(fn DeliveryFunc) {
	e.deliver = fn
}

// Start loads stored subscriptions and opens the feed stream.
// ctx bounds the lifetime of every stream the engine opens.
func (e *FanoutEngine) Start(ctx context.Context) error {
	e.streamMu.Lock()
	e.runCtx = ctx
	e.streamMu.Unlock()

	subs, err := findAll(ctx, e.store, repo.Query{Datatype: domain.DatatypeSubscription}, setSubscriptionID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		e.cache(sub)
		e.log.Debugw("Loaded subscription", "handle", sub.Handle, "enabled", sub.Enabled, "destinations", len(sub.Rules))
	}
	e.log.Infow("Subscriptions loaded", "count", len(subs))

	return e.RecomputeWatchSet(ctx)
}

// Stop closes the feed stream
func (e *FanoutEngine) Stop() {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if e.stream != nil {
		e.stream.Stop()
		e.stream = nil
		e.watching = nil
	}
}

func setSubscriptionID(s *domain.Subscription, id string) { s.ID = id }

func (e *FanoutEngine) load(ctx context.Context, handle string) (domain.Subscription, bool, error) {
	q := repo.Query{
		Datatype: domain.DatatypeSubscription,
		Where:    []repo.Condition{repo.Eq("handle", handle)},
	}
	return findOne(ctx, e.store, q, setSubscriptionID)
}

func (e *FanoutEngine) cache(sub domain.Subscription) {
	e.mu.Lock()
	e.sources[sub.SourceID] = sub
	e.mu.Unlock()
}

// commit reconciles incoming against existing and writes it only when something changed
func (e *FanoutEngine) commit(ctx context.Context, existing *domain.Subscription, incoming domain.Subscription, origin domain.Origin) (domain.Subscription, error) {
	merged, changed, err := domain.Reconcile(existing, incoming, domain.SubscriptionDefaults)
	if err != nil {
		return incoming, err
	}
	if !changed {
		e.cache(merged)
		return merged, nil
	}

	merged.Provenance.Touch(origin, e.now())
	id, err := save(ctx, e.store, domain.DatatypeSubscription, merged.ID, merged)
	if err != nil {
		return merged, err
	}
	merged.ID = id
	e.cache(merged)
	return merged, nil
}

// FollowSource starts following handle with one delivery rule for dest.
// An already-enabled subscription is returned untouched with FollowAlreadyFollowing.
func (e *FanoutEngine) FollowSource(ctx context.Context, rawHandle string, dest domain.Destination, origin domain.Origin) (FollowResult, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return FollowResult{}, err
	}

	unlock := e.locks.Lock(handle)
	defer unlock()

	existing, found, err := e.load(ctx, handle)
	if err != nil {
		return FollowResult{}, err
	}

	if found && existing.Enabled {
		return FollowResult{Subscription: existing, Status: FollowAlreadyFollowing}, nil
	}

	if found {
		incoming := existing.Clone()
		incoming.Enabled = true
		merged, err := e.commit(ctx, &existing, incoming, origin)
		if err != nil {
			return FollowResult{}, err
		}
		e.recomputeLogged(ctx)
		return FollowResult{Subscription: merged, Status: FollowReactivated}, nil
	}

	ident, err := e.feed.LookupIdentity(ctx, handle)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return FollowResult{}, errors.WithHintf(err, "Bluesky is telling me that the handle @%s doesn't actually exist.", handle)
		}
		return FollowResult{}, errors.MarkTransient(errors.Wrapf(err, "failed to look up %s", handle))
	}

	sub := domain.NewSubscription(handle, *ident, dest, e.defaults, domain.NewProvenance(origin, e.now()))
	merged, err := e.commit(ctx, nil, sub, origin)
	if err != nil {
		return FollowResult{}, err
	}
	e.log.Infow("Following source", "handle", handle, "source_id", merged.SourceID, "destination", dest.Key())

	e.recomputeLogged(ctx)
	return FollowResult{Subscription: merged, Status: FollowCreated}, nil
}

// Unfollow disables a subscription; its delivery rules are kept
func (e *FanoutEngine) Unfollow(ctx context.Context, rawHandle string, origin domain.Origin) (domain.Subscription, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return domain.Subscription{}, err
	}

	unlock := e.locks.Lock(handle)
	defer unlock()

	existing, found, err := e.load(ctx, handle)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !found {
		return domain.Subscription{}, errors.NotFoundf("I don't seem to be following @%s... Sorry!", handle)
	}
	if !existing.Enabled {
		return existing, errors.Conflictf("Know of @%s I do; following them, I am not.", existing.Name())
	}

	incoming := existing.Clone()
	incoming.Enabled = false
	merged, err := e.commit(ctx, &existing, incoming, origin)
	if err != nil {
		return domain.Subscription{}, err
	}
	e.log.Infow("Unfollowed source", "handle", handle)

	e.recomputeLogged(ctx)
	return merged, nil
}

// AddDestination shows a followed source's posts at dest.
// Re-adding an enabled destination fails with ErrConflict.
func (e *FanoutEngine) AddDestination(ctx context.Context, rawHandle string, dest domain.Destination, origin domain.Origin) (AddStatus, domain.Subscription, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return 0, domain.Subscription{}, err
	}

	unlock := e.locks.Lock(handle)
	defer unlock()

	existing, found, err := e.load(ctx, handle)
	if err != nil {
		return 0, domain.Subscription{}, err
	}
	if !found {
		return 0, domain.Subscription{}, notFollowing(handle)
	}

	incoming := existing.Clone()
	status := DestinationAdded
	key := dest.Key()
	if rule, ok := incoming.Rules[key]; ok {
		if rule.Enabled {
			return 0, existing, errors.Conflictf("Don't you fret, I'm already keeping my digital ports peeled for posts from @%s that I can repeat back to %s!",
				existing.Name(), dest.Target)
		}
		rule.Enabled = true
		incoming.Rules[key] = rule
		status = DestinationReenabled
	} else {
		incoming.Rules[key] = domain.NewDeliveryRule(dest, e.defaults, domain.NewProvenance(origin, e.now()))
	}

	merged, err := e.commit(ctx, &existing, incoming, origin)
	if err != nil {
		return 0, domain.Subscription{}, err
	}
	return status, merged, nil
}

// RemoveDestination stops showing a source's posts at dest
func (e *FanoutEngine) RemoveDestination(ctx context.Context, rawHandle string, dest domain.Destination, origin domain.Origin) (domain.Subscription, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return domain.Subscription{}, err
	}

	unlock := e.locks.Lock(handle)
	defer unlock()

	existing, found, err := e.load(ctx, handle)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !found {
		return domain.Subscription{}, notFollowing(handle)
	}

	key := dest.Key()
	rule, ok := existing.Rules[key]
	if !ok || !rule.Enabled {
		return existing, errors.NotFoundf("I'm not sharing posts from @%s there.", existing.Name())
	}

	incoming := existing.Clone()
	rule.Enabled = false
	incoming.Rules[key] = rule
	return e.commit(ctx, &existing, incoming, origin)
}

// SetDeliveryRuleProperty changes one property of an existing delivery rule.
// replies and reposts take a bool; filters takes a []string of regular expressions.
func (e *FanoutEngine) SetDeliveryRuleProperty(ctx context.Context, rawHandle string, key domain.DestinationKey, prop domain.RuleProperty, value interface{}, origin domain.Origin) (domain.Subscription, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return domain.Subscription{}, err
	}

	unlock := e.locks.Lock(handle)
	defer unlock()

	existing, found, err := e.load(ctx, handle)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !found {
		return domain.Subscription{}, notFollowing(handle)
	}

	rule, ok := existing.Rules[key]
	if !ok {
		return existing, errors.NotFoundf("I'm not sharing posts from @%s to %s.", existing.Name(), key.Target())
	}
	rule.Filters = append([]string(nil), rule.Filters...)

	switch prop {
	case domain.PropertyReplies, domain.PropertyReposts:
		b, ok := value.(bool)
		if !ok {
			return existing, errors.Validationf("%s can only be turned on or off.", prop)
		}
		if prop == domain.PropertyReplies {
			rule.Replies = b
		} else {
			rule.Reposts = b
		}
	case domain.PropertyFilters:
		filters, ok := value.([]string)
		if !ok {
			return existing, errors.Validationf("Filters must be a list of regular expressions.")
		}
		for _, f := range filters {
			if _, err := regexp.Compile(f); err != nil {
				return existing, errors.Validationf("That filter isn't a valid regular expression: %s", f)
			}
		}
		rule.Filters = append([]string(nil), filters...)
	default:
		return existing, errors.Validationf("I don't know how to change %s.", prop)
	}

	incoming := existing.Clone()
	incoming.Rules[key] = rule
	return e.commit(ctx, &existing, incoming, origin)
}

// Lookup returns the subscription for handle
func (e *FanoutEngine) Lookup(ctx context.Context, rawHandle string) (domain.Subscription, error) {
	handle, err := domain.NormalizeHandle(rawHandle)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub, found, err := e.load(ctx, handle)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !found {
		return domain.Subscription{}, errors.NotFoundf("Nope, I'm not following @%s.", handle)
	}
	return sub, nil
}

// Subscriptions returns every stored subscription sorted by handle
func (e *FanoutEngine) Subscriptions(ctx context.Context) ([]domain.Subscription, error) {
	subs, err := findAll(ctx, e.store, repo.Query{Datatype: domain.DatatypeSubscription}, setSubscriptionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Handle < subs[j].Handle })
	return subs, nil
}

func notFollowing(handle string) error {
	return errors.NotFoundf("I'm not currently following that handle. Try following @%s first...", handle)
}

// WatchSet returns the source ids of enabled subscriptions, sorted
func (e *FanoutEngine) WatchSet() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sources))
	for id, sub := range e.sources {
		if sub.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Watching returns the ids the open stream is scoped to; nil when idle
func (e *FanoutEngine) Watching() []string {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	return append([]string(nil), e.watching...)
}

// RecomputeWatchSet stops the current stream and, unless no subscription is enabled,
// opens a new one scoped to exactly the enabled source ids.
func (e *FanoutEngine) RecomputeWatchSet(ctx context.Context) error {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	ids := e.WatchSet()

	if e.stream != nil {
		e.log.Debugw("Stopping feed stream", "sources", len(e.watching))
		e.stream.Stop()
		e.stream = nil
		e.watching = nil
	}

	if len(ids) == 0 {
		e.log.Infow("No enabled subscriptions, feed stream idle")
		return nil
	}

	stream, err := e.feed.Subscribe(e.runCtx, ids, repo.FeedHandler{
		OnEvent: func(ctx context.Context, ev domain.FeedEvent) { e.DispatchEvent(ctx, ev) },
		OnError: func(err error) { e.log.Errorw("Feed stream error", "error", err) },
	})
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to open feed stream"))
	}
	e.stream = stream
	e.watching = ids
	e.log.Infow("Started feed stream", "sources", len(ids))
	return nil
}

// recomputeLogged recomputes after a committed change. A failure is logged and
// repaired by the next recompute; the committed change stands.
func (e *FanoutEngine) recomputeLogged(ctx context.Context) {
	if err := e.RecomputeWatchSet(ctx); err != nil {
		e.log.Errorw("Failed to recompute watch set", "error", err)
	}
}

// DispatchEvent delivers ev to every enabled rule of its source that accepts it and
// returns the number of deliveries. Events from sources outside the watch-set are dropped.
func (e *FanoutEngine) DispatchEvent(ctx context.Context, ev domain.FeedEvent) int {
	e.mu.RLock()
	sub, ok := e.sources[ev.SourceID]
	e.mu.RUnlock()
	if !ok || !sub.Enabled {
		return 0
	}

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	cleaned := domain.CleanContent(ev)
	message := domain.FormatDelivery(sub.Name(), cleaned)

	delivered := 0
	for _, key := range sub.RuleKeys() {
		if e.deliverRule(ctx, key, sub.Rules[key], ev, cleaned, message) {
			delivered++
		}
	}
	return delivered
}

func (e *FanoutEngine) deliverRule(ctx context.Context, key domain.DestinationKey, rule domain.DeliveryRule, ev domain.FeedEvent, cleaned, message string) (delivered bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Errorw("Delivery panicked", "destination", key, "event", ev.ID, "panic", p)
			delivered = false
		}
	}()

	if !rule.Enabled {
		e.log.Debugw("Skipping disabled destination", "destination", key, "event", ev.ID)
		return false
	}
	if ev.IsReply && !rule.Replies {
		e.log.Debugw("Skipping reply", "destination", key, "event", ev.ID)
		return false
	}

	seen := e.seen[key]
	if seen == nil {
		seen = make(map[string]struct{})
		e.seen[key] = seen
	}

	if ev.IsRepost {
		if !rule.Reposts {
			e.log.Debugw("Skipping repost", "destination", key, "event", ev.ID)
			return false
		}
		if _, dup := seen[ev.OriginalID]; dup {
			e.log.Debugw("Skipping repost of delivered post", "destination", key, "event", ev.ID, "original", ev.OriginalID)
			return false
		}
	}
	if _, dup := seen[ev.ID]; dup {
		e.log.Debugw("Skipping repeated post", "destination", key, "event", ev.ID)
		return false
	}

	if len(rule.Filters) > 0 && !e.matchesAny(rule.Filters, cleaned) {
		e.log.Debugw("Skipping post with no filter match", "destination", key, "event", ev.ID)
		return false
	}

	if e.deliver == nil {
		e.log.Warnw("No delivery handler set", "destination", key)
		return false
	}
	if err := e.deliver(ctx, rule.Destination, message); err != nil {
		e.log.Errorw("Failed to deliver post", "destination", key, "event", ev.ID, "error", err)
		return false
	}

	seen[ev.ID] = struct{}{}
	e.log.Debugw("Delivered post", "destination", key, "event", ev.ID)
	return true
}

func (e *FanoutEngine) matchesAny(filters []string, text string) bool {
	for _, f := range filters {
		re, ok := e.regexes[f]
		if !ok {
			compiled, err := regexp.Compile(f)
			if err != nil {
				e.log.Warnw("Ignoring invalid filter", "filter", f, "error", err)
				continue
			}
			e.regexes[f] = compiled
			re = compiled
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
