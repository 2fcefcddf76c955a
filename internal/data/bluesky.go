package data

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

const (
	collectionPost   = "app.bsky.feed.post"
	collectionRepost = "app.bsky.feed.repost"

	maxReconnectDelay = time.Minute
)

// blueskyRepo implements the feed repository on the Bluesky AppView and Jetstream
type blueskyRepo struct {
	client       *xrpc.Client
	jetstreamURL string
	dialer       websocket.Dialer
	log          *zap.SugaredLogger
}

// NewBlueskyRepo creates a Bluesky feed repository
func NewBlueskyRepo(apiHost, jetstreamURL string) repo.FeedRepo {
	return &blueskyRepo{
		client: &xrpc.Client{
			Host:   apiHost,
			Client: &http.Client{Timeout: 15 * time.Second},
		},
		jetstreamURL: jetstreamURL,
		dialer:       websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		log:          logger.Named("bluesky"),
	}
}

// LookupIdentity resolves a handle through the public profile endpoint
func (r *blueskyRepo) LookupIdentity(ctx context.Context, handle string) (*domain.FeedIdentity, error) {
	profile, err := appbsky.ActorGetProfile(ctx, r.client, handle)
	if err != nil {
		var xe *xrpc.Error
		if errors.As(err, &xe) && (xe.StatusCode == http.StatusBadRequest || xe.StatusCode == http.StatusNotFound) {
			return nil, errors.Mark(errors.Wrapf(err, "profile %s not found", handle), errors.ErrNotFound)
		}
		return nil, errors.MarkTransient(errors.Wrapf(err, "failed to get profile %s", handle))
	}

	ident := &domain.FeedIdentity{ID: profile.Did, Handle: profile.Handle}
	if profile.DisplayName != nil {
		ident.DisplayName = *profile.DisplayName
	}
	return ident, nil
}

type jetstreamEvent struct {
	Did    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// jetstream is one open Jetstream subscription; it reconnects until stopped
type jetstream struct {
	repo    *blueskyRepo
	ids     []string
	handler repo.FeedHandler
	cancel  context.CancelFunc
	done    chan struct{}

	// deliveryCtx outlives Stop so an event already read is delivered in full
	deliveryCtx context.Context

	mu     sync.Mutex
	conn   *websocket.Conn
	cursor int64
}

// Subscribe opens a Jetstream connection filtered to posts and reposts by ids.
// The first dial happens before returning so connection errors reach the caller.
func (r *blueskyRepo) Subscribe(ctx context.Context, ids []string, handler repo.FeedHandler) (repo.FeedStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &jetstream{
		repo:    r,
		ids:     append([]string(nil), ids...),
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),

		deliveryCtx: context.WithoutCancel(ctx),
	}

	conn, err := s.dial(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(streamCtx, conn)
	return s, nil
}

func (s *jetstream) subscribeURL() (string, error) {
	u, err := url.Parse(s.repo.jetstreamURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid jetstream url %s", s.repo.jetstreamURL)
	}
	q := u.Query()
	q.Add("wantedCollections", collectionPost)
	q.Add("wantedCollections", collectionRepost)
	for _, id := range s.ids {
		q.Add("wantedDids", id)
	}
	s.mu.Lock()
	if s.cursor > 0 {
		q.Set("cursor", strconv.FormatInt(s.cursor, 10))
	}
	s.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *jetstream) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := s.subscribeURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := s.repo.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, errors.MarkTransient(errors.Wrap(err, "failed to connect to jetstream"))
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	s.repo.log.Infow("Connected to jetstream", "sources", len(s.ids))
	return conn, nil
}

func (s *jetstream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)

	delay := time.Second
	for {
		err := s.readLoop(conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if s.handler.OnError != nil {
			s.handler.OnError(err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < maxReconnectDelay {
				delay *= 2
			}

			conn, err = s.dial(ctx)
			if err == nil {
				delay = time.Second
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.repo.log.Warnw("Jetstream reconnect failed", "error", err, "retry_in", delay)
		}
	}
}

func (s *jetstream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "jetstream read failed")
		}

		var ev jetstreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.repo.log.Warnw("Failed to parse jetstream message", "error", err)
			continue
		}
		s.mu.Lock()
		s.cursor = ev.TimeUS
		s.mu.Unlock()

		feedEvent, ok := s.repo.toFeedEvent(s.deliveryCtx, ev)
		if !ok {
			continue
		}
		if s.handler.OnEvent != nil {
			s.handler.OnEvent(s.deliveryCtx, feedEvent)
		}
	}
}

// Stop closes the connection and waits for the read loop to exit
func (s *jetstream) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func permalink(did, rkey string) string {
	return "https://bsky.app/profile/" + did + "/post/" + rkey
}

// toFeedEvent converts a created post or repost record; everything else is skipped
func (r *blueskyRepo) toFeedEvent(ctx context.Context, ev jetstreamEvent) (domain.FeedEvent, bool) {
	if ev.Kind != "commit" || ev.Commit == nil || ev.Commit.Operation != "create" {
		return domain.FeedEvent{}, false
	}
	c := ev.Commit
	out := domain.FeedEvent{
		ID:       "at://" + ev.Did + "/" + c.Collection + "/" + c.RKey,
		SourceID: ev.Did,
	}

	switch c.Collection {
	case collectionPost:
		var post appbsky.FeedPost
		if err := json.Unmarshal(c.Record, &post); err != nil {
			r.log.Warnw("Failed to decode post", "uri", out.ID, "error", err)
			return domain.FeedEvent{}, false
		}
		out.Text = post.Text
		out.IsReply = post.Reply != nil
		out.Permalink = permalink(ev.Did, c.RKey)
		return out, true

	case collectionRepost:
		var repost appbsky.FeedRepost
		if err := json.Unmarshal(c.Record, &repost); err != nil || repost.Subject == nil {
			r.log.Warnw("Failed to decode repost", "uri", out.ID, "error", err)
			return domain.FeedEvent{}, false
		}
		out.IsRepost = true
		out.OriginalID = repost.Subject.Uri
		r.hydrateRepost(ctx, &out)
		return out, true
	}
	return domain.FeedEvent{}, false
}

// hydrateRepost fills in the reposted post's author and text
func (r *blueskyRepo) hydrateRepost(ctx context.Context, ev *domain.FeedEvent) {
	if aturi, err := syntax.ParseATURI(ev.OriginalID); err == nil {
		ev.OriginalAuthor = aturi.Authority().String()
		ev.Permalink = permalink(aturi.Authority().String(), aturi.RecordKey().String())
	}

	resp, err := appbsky.FeedGetPosts(ctx, r.client, []string{ev.OriginalID})
	if err != nil {
		r.log.Warnw("Failed to fetch reposted post", "uri", ev.OriginalID, "error", err)
		return
	}
	if len(resp.Posts) == 0 {
		return
	}
	view := resp.Posts[0]
	if view.Author != nil && view.Author.Handle != "" {
		ev.OriginalAuthor = view.Author.Handle
	}
	if view.Record != nil {
		if post, ok := view.Record.Val.(*appbsky.FeedPost); ok {
			ev.OriginalText = post.Text
		}
	}
}
