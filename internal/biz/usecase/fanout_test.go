package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
)

const aliceDID = "did:plc:alice"

var (
	newsDest   = domain.NewDestination("open.feishu.cn:443", "#News")
	opsDest    = domain.NewDestination("open.feishu.cn:443", "#ops")
	testOrigin = domain.Origin{User: "ou_alice@feishu", Target: "#news"}
)

func newTestEngine(t *testing.T) (*FanoutEngine, *mockStore, *mockFeed, *recorder) {
	t.Helper()
	store := newMockStore()
	feed := newMockFeed()
	rec := &recorder{}
	e := NewFanoutEngine(store, feed, domain.DefaultDeliveryDefaults())
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }
	e.SetDelivery(rec.deliver)
	require.NoError(t, e.Start(context.Background()))
	return e, store, feed, rec
}

func followAlice(t *testing.T, e *FanoutEngine) domain.Subscription {
	t.Helper()
	res, err := e.FollowSource(context.Background(), "@Alice", newsDest, testOrigin)
	require.NoError(t, err)
	require.Equal(t, FollowCreated, res.Status)
	return res.Subscription
}

func post(id, text string) domain.FeedEvent {
	return domain.FeedEvent{ID: "at://" + aliceDID + "/app.bsky.feed.post/" + id, SourceID: aliceDID, Text: text}
}

func TestFanout_FollowCreatesSubscriptionAndStream(t *testing.T) {
	e, store, feed, _ := newTestEngine(t)

	sub := followAlice(t, e)
	assert.Equal(t, "alice.bsky.social", sub.Handle)
	assert.Equal(t, aliceDID, sub.SourceID)
	assert.True(t, sub.Enabled)
	assert.NotEmpty(t, sub.ID)
	require.Contains(t, sub.Rules, newsDest.Key())
	assert.Equal(t, "#news", sub.Rules[newsDest.Key()].Destination.Target)
	assert.Equal(t, "ou_alice@feishu", sub.Provenance.User)

	inserts, _ := store.writes()
	assert.Equal(t, 1, inserts)

	open := feed.open()
	require.Len(t, open, 1)
	assert.Equal(t, []string{aliceDID}, open[0].ids)
	assert.Equal(t, []string{aliceDID}, e.Watching())
}

func TestFanout_FollowExistingReportsAlreadyFollowing(t *testing.T) {
	e, _, feed, _ := newTestEngine(t)
	followAlice(t, e)

	res, err := e.FollowSource(context.Background(), "alice", opsDest, testOrigin)
	require.NoError(t, err)
	assert.Equal(t, FollowAlreadyFollowing, res.Status)
	assert.NotContains(t, res.Subscription.Rules, opsDest.Key())
	assert.Len(t, feed.streams, 1)
}

func TestFanout_FollowUnknownHandle(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.feed.(*mockFeed).lookupErr = errors.WithStack(errors.ErrNotFound)

	_, err := e.FollowSource(context.Background(), "ghost", newsDest, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "Bluesky is telling me that the handle @ghost.bsky.social doesn't actually exist.", errors.UserMessage(err))
}

func TestFanout_FollowLookupFailureIsTransient(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	e.feed.(*mockFeed).lookupErr = errors.New("connection reset")

	_, err := e.FollowSource(context.Background(), "alice", newsDest, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, errors.GenericFailure, errors.UserMessage(err))
}

func TestFanout_FollowEmptyHandle(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.FollowSource(context.Background(), "", newsDest, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFanout_DuplicateEventDeliveredOnce(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	ev := post("1", "hello &amp; welcome")
	assert.Equal(t, 1, e.DispatchEvent(ctx, ev))
	assert.Equal(t, 0, e.DispatchEvent(ctx, ev))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "[Bluesky] @alice.bsky.social wrote: hello & welcome", rec.says[0].message)
	assert.Equal(t, "#news", rec.says[0].dest.Target)

	repost := domain.FeedEvent{
		ID:             "at://" + aliceDID + "/app.bsky.feed.repost/2",
		SourceID:       aliceDID,
		IsRepost:       true,
		OriginalID:     ev.ID,
		OriginalAuthor: "alice.bsky.social",
		OriginalText:   "hello",
	}
	assert.Equal(t, 0, e.DispatchEvent(ctx, repost))
	assert.Equal(t, 1, rec.count())
}

func TestFanout_UnfollowStopsStream(t *testing.T) {
	e, _, feed, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	sub, err := e.Unfollow(ctx, "alice", testOrigin)
	require.NoError(t, err)
	assert.False(t, sub.Enabled)
	assert.Contains(t, sub.Rules, newsDest.Key())

	assert.Empty(t, feed.open())
	assert.Len(t, feed.streams, 1)
	assert.Empty(t, e.Watching())
	assert.Empty(t, e.WatchSet())

	assert.Equal(t, 0, e.DispatchEvent(ctx, post("1", "hello")))
	assert.Equal(t, 0, rec.count())

	_, err = e.Unfollow(ctx, "alice", testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, "Know of @alice.bsky.social I do; following them, I am not.", errors.UserMessage(err))
}

func TestFanout_RefollowReactivates(t *testing.T) {
	e, _, feed, _ := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	_, err := e.Unfollow(ctx, "alice", testOrigin)
	require.NoError(t, err)

	res, err := e.FollowSource(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)
	assert.Equal(t, FollowReactivated, res.Status)
	assert.True(t, res.Subscription.Enabled)
	require.Len(t, feed.open(), 1)
	assert.Equal(t, []string{aliceDID}, feed.open()[0].ids)
}

func TestFanout_UnfollowUnknown(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.Unfollow(context.Background(), "nobody", testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "I don't seem to be following @nobody.bsky.social... Sorry!", errors.UserMessage(err))
}

func TestFanout_FilterIsCaseSensitive(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	_, err := e.SetDeliveryRuleProperty(ctx, "alice", newsDest.Key(), domain.PropertyFilters, []string{"^RT"}, testOrigin)
	require.NoError(t, err)

	assert.Equal(t, 0, e.DispatchEvent(ctx, post("1", "rt this please")))
	assert.Equal(t, 0, e.DispatchEvent(ctx, post("2", "an original thought")))

	repost := domain.FeedEvent{
		ID:             "at://" + aliceDID + "/app.bsky.feed.repost/3",
		SourceID:       aliceDID,
		IsRepost:       true,
		OriginalID:     "at://did:plc:bob/app.bsky.feed.post/9",
		OriginalAuthor: "bob.bsky.social",
		OriginalText:   "worth sharing",
	}
	assert.Equal(t, 1, e.DispatchEvent(ctx, repost))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "[Bluesky] @alice.bsky.social wrote: RT @bob.bsky.social: worth sharing", rec.says[0].message)
}

func TestFanout_InvalidFilterRejected(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	followAlice(t, e)

	_, err := e.SetDeliveryRuleProperty(context.Background(), "alice", newsDest.Key(), domain.PropertyFilters, []string{"(unclosed"}, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFanout_RepliesAndRepostsToggles(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	_, err := e.SetDeliveryRuleProperty(ctx, "alice", newsDest.Key(), domain.PropertyReplies, false, testOrigin)
	require.NoError(t, err)
	_, err = e.SetDeliveryRuleProperty(ctx, "alice", newsDest.Key(), domain.PropertyReposts, false, testOrigin)
	require.NoError(t, err)

	reply := post("1", "@bob agreed")
	reply.IsReply = true
	assert.Equal(t, 0, e.DispatchEvent(ctx, reply))

	repost := domain.FeedEvent{ID: "at://x/app.bsky.feed.repost/2", SourceID: aliceDID, IsRepost: true, OriginalID: "at://y", OriginalAuthor: "bob.bsky.social"}
	assert.Equal(t, 0, e.DispatchEvent(ctx, repost))

	assert.Equal(t, 1, e.DispatchEvent(ctx, post("3", "plain")))
	assert.Equal(t, 1, rec.count())

	_, err = e.SetDeliveryRuleProperty(ctx, "alice", newsDest.Key(), domain.PropertyReplies, "yes", testOrigin)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFanout_SetPropertyUnknownDestination(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	followAlice(t, e)

	_, err := e.SetDeliveryRuleProperty(context.Background(), "alice", opsDest.Key(), domain.PropertyReplies, false, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "I'm not sharing posts from @alice.bsky.social to #ops.", errors.UserMessage(err))
}

func TestFanout_NoopChangeSkipsWrite(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	followAlice(t, e)

	_, err := e.SetDeliveryRuleProperty(context.Background(), "alice", newsDest.Key(), domain.PropertyReplies, true, testOrigin)
	require.NoError(t, err)

	_, updates := store.writes()
	assert.Equal(t, 0, updates)
}

func TestFanout_AddAndRemoveDestination(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	status, sub, err := e.AddDestination(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)
	assert.Equal(t, DestinationAdded, status)
	assert.Len(t, sub.Rules, 2)

	_, _, err = e.AddDestination(ctx, "alice", opsDest, testOrigin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	assert.Equal(t, 2, e.DispatchEvent(ctx, post("1", "hello")))

	_, err = e.RemoveDestination(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)
	assert.Equal(t, 1, e.DispatchEvent(ctx, post("2", "again")))
	assert.Equal(t, 3, rec.count())

	_, err = e.RemoveDestination(ctx, "alice", opsDest, testOrigin)
	require.Error(t, err)
	assert.Equal(t, "I'm not sharing posts from @alice.bsky.social there.", errors.UserMessage(err))

	status, _, err = e.AddDestination(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)
	assert.Equal(t, DestinationReenabled, status)
}

func TestFanout_AddDestinationNotFollowing(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, _, err := e.AddDestination(context.Background(), "carol", opsDest, testOrigin)
	require.Error(t, err)
	assert.Equal(t, "I'm not currently following that handle. Try following @carol.bsky.social first...", errors.UserMessage(err))
}

func TestFanout_DeliveryPanicIsolatedPerRule(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()
	_, _, err := e.AddDestination(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)

	e.SetDelivery(func(ctx context.Context, dest domain.Destination, message string) error {
		if dest.Target == "#news" {
			panic("transport exploded")
		}
		return rec.deliver(ctx, dest, message)
	})

	assert.Equal(t, 1, e.DispatchEvent(ctx, post("1", "hello")))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "#ops", rec.says[0].dest.Target)
}

func TestFanout_FailedDeliveryIsRetried(t *testing.T) {
	e, _, _, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()

	rec.fail = map[domain.DestinationKey]error{newsDest.Key(): errors.New("send failed")}
	ev := post("1", "hello")
	assert.Equal(t, 0, e.DispatchEvent(ctx, ev))

	rec.fail = nil
	assert.Equal(t, 1, e.DispatchEvent(ctx, ev))
}

func TestFanout_StartLoadsStoredSubscriptions(t *testing.T) {
	store := newMockStore()
	feed := newMockFeed()
	ctx := context.Background()

	prov := domain.NewProvenance(domain.SystemOrigin, time.UnixMilli(1))
	enabled := domain.NewSubscription("alice.bsky.social", domain.FeedIdentity{ID: aliceDID}, newsDest, domain.DefaultDeliveryDefaults(), prov)
	disabled := domain.NewSubscription("bob.bsky.social", domain.FeedIdentity{ID: "did:plc:bob"}, newsDest, domain.DefaultDeliveryDefaults(), prov)
	disabled.Enabled = false
	_, err := save(ctx, store, domain.DatatypeSubscription, "", enabled)
	require.NoError(t, err)
	_, err = save(ctx, store, domain.DatatypeSubscription, "", disabled)
	require.NoError(t, err)

	e := NewFanoutEngine(store, feed, domain.DefaultDeliveryDefaults())
	require.NoError(t, e.Start(ctx))

	assert.Equal(t, []string{aliceDID}, e.WatchSet())
	require.Len(t, feed.open(), 1)

	subs, err := e.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "alice.bsky.social", subs[0].Handle)

	e.Stop()
	assert.Empty(t, feed.open())
}

func TestFanout_StartWithNothingEnabledStaysIdle(t *testing.T) {
	_, _, feed, _ := newTestEngine(t)
	assert.Empty(t, feed.streams)
}

func TestFanout_StreamEventsReachDispatch(t *testing.T) {
	e, _, feed, rec := newTestEngine(t)
	followAlice(t, e)

	feed.handler.OnEvent(context.Background(), post("1", "via stream"))
	assert.Equal(t, 1, rec.count())
}

func TestFanout_RestartDuringDispatchDeliversInFlightEvent(t *testing.T) {
	e, _, feed, rec := newTestEngine(t)
	followAlice(t, e)
	ctx := context.Background()
	_, _, err := e.AddDestination(ctx, "alice", opsDest, testOrigin)
	require.NoError(t, err)

	open := feed.open()
	require.Len(t, open, 1)
	first := open[0]

	// The first delivery follows another handle, which restarts the stream
	restarted := false
	e.SetDelivery(func(ctx context.Context, dest domain.Destination, message string) error {
		if !restarted {
			restarted = true
			_, err := e.FollowSource(context.Background(), "bob", opsDest, testOrigin)
			require.NoError(t, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return rec.deliver(ctx, dest, message)
	})

	ev := post("1", "mid-restart")
	first.emit(ev)

	assert.True(t, first.stopped)
	assert.Equal(t, 2, rec.count(), "every destination still gets the in-flight post")

	open = feed.open()
	require.Len(t, open, 1)
	assert.Equal(t, []string{aliceDID, "did:plc:bob"}, open[0].ids)

	open[0].emit(ev)
	assert.Equal(t, 2, rec.count(), "deliveries were recorded for dedup")
}

func TestFanout_ConcurrentFollowsLeaveStreamOnLatestWatchSet(t *testing.T) {
	e, _, feed, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.FollowSource(context.Background(), fmt.Sprintf("user%d", i), newsDest, testOrigin)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	want := e.WatchSet()
	require.Len(t, want, 16)
	assert.Equal(t, want, e.Watching())
	open := feed.open()
	require.Len(t, open, 1)
	assert.Equal(t, want, open[0].ids)
}

func TestFanout_LookupUnknown(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.Lookup(context.Background(), "zed")
	require.Error(t, err)
	assert.Equal(t, "Nope, I'm not following @zed.bsky.social.", errors.UserMessage(err))
}
