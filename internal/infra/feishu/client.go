package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

// memberTTL is how long a chat's member names are cached
const memberTTL = 10 * time.Minute

// memberLookup returns open_id -> display name for the members of a chat
type memberLookup func(ctx context.Context, chatID string) (map[string]string, error)

type memberCache struct {
	names   map[string]string
	fetched time.Time
}

// Transport is a Feishu bot connection over the long-lived WebSocket event channel
type Transport struct {
	appID     string
	appSecret string
	server    domain.Server
	baseURL   string
	larkCli   *lark.Client
	log       *zap.SugaredLogger

	mu        sync.RWMutex
	botOpenID string
	botName   string
	cancel    context.CancelFunc

	membersMu sync.Mutex
	members   map[string]memberCache
	lookup    memberLookup
}

var _ repo.ChatTransport = (*Transport)(nil)

// NewTransport creates a Feishu transport for server
func NewTransport(appID, appSecret string, server domain.Server) *Transport {
	baseURL := "https://" + server.Address
	t := &Transport{
		appID:     appID,
		appSecret: appSecret,
		server:    server,
		baseURL:   baseURL,
		larkCli:   lark.NewClient(appID, appSecret, lark.WithOpenBaseUrl(baseURL)),
		log:       logger.Named("feishu"),
		members:   make(map[string]memberCache),
	}
	t.lookup = t.chatMembers
	return t
}

// ServerID returns the address:port identifier of the server
func (t *Transport) ServerID() string {
	return t.server.Identifier()
}

// Nickname returns the bot's app name, or the configured nickname until it is known
func (t *Transport) Nickname() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.botName != "" {
		return t.botName
	}
	return t.server.Nickname
}

// Start connects via WebSocket and blocks until ctx is cancelled or the connection fails
func (t *Transport) Start(ctx context.Context, handler repo.TransportHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	// Fetch bot's own open_id at startup
	if err := t.fetchBotInfo(ctx); err != nil {
		t.log.Warnw("Failed to fetch bot info", "error", err)
	}

	// Must return quickly so the SDK can ACK; Feishu retries slow handlers
	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			go func() {
				if msg, ok := t.inbound(ctx, event); ok {
					handler.OnMessage(ctx, msg)
				}
			}()
			return nil
		})

	wsCli := larkws.NewClient(t.appID, t.appSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithDomain(t.baseURL),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	t.log.Infow("Starting WebSocket connection", "server", t.ServerID())

	// larkws.Client.Start never returns once connected
	errCh := make(chan error, 1)
	go func() {
		errCh <- wsCli.Start(ctx)
	}()

	handler.OnRegistered(ctx, t.ServerID())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			err = errors.MarkTransient(errors.Wrap(err, "feishu websocket"))
			handler.OnError(ctx, t.ServerID(), err)
		}
		return err
	}
}

// Stop disconnects from Feishu
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// fetchBotInfo fetches the bot's own open_id and app name
func (t *Transport) fetchBotInfo(ctx context.Context) error {
	tokenReq, err := json.Marshal(map[string]string{"app_id": t.appID, "app_secret": t.appSecret})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", strings.NewReader(string(tokenReq)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	tokenResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "get token")
	}
	defer tokenResp.Body.Close()

	var tokenResult struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&tokenResult); err != nil {
		return errors.Wrap(err, "decode token")
	}
	if tokenResult.Code != 0 {
		return errors.Newf("token API error: %s", tokenResult.Msg)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/open-apis/bot/v3/info", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tokenResult.TenantAccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "get bot info")
	}
	defer resp.Body.Close()

	var botResult struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&botResult); err != nil {
		return errors.Wrap(err, "decode bot info")
	}
	if botResult.Code != 0 {
		return errors.Newf("bot info API error: %s", botResult.Msg)
	}

	t.mu.Lock()
	t.botOpenID = botResult.Bot.OpenID
	t.botName = botResult.Bot.AppName
	t.mu.Unlock()

	t.log.Infow("Bot identity", "open_id", botResult.Bot.OpenID, "name", botResult.Bot.AppName)
	return nil
}

// inbound converts a receive event into a transport message
func (t *Transport) inbound(ctx context.Context, event *larkim.P2MessageReceiveV1) (repo.InboundMessage, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return repo.InboundMessage{}, false
	}
	rawMsg := event.Event.Message
	sender := event.Event.Sender

	// Messages sent by apps (including this one) are never commands
	if sender != nil && deref(sender.SenderType) == "app" {
		return repo.InboundMessage{}, false
	}

	chatID := deref(rawMsg.ChatId)
	msgType := deref(rawMsg.MessageType)
	if chatID == "" {
		return repo.InboundMessage{}, false
	}

	t.mu.RLock()
	botOpenID := t.botOpenID
	t.mu.RUnlock()

	// Map mention keys (@_user_1) to names; the bot's own mention becomes its nickname
	mentionMap := make(map[string]string)
	for _, mention := range rawMsg.Mentions {
		if mention == nil || mention.Key == nil {
			continue
		}
		name := deref(mention.Name)
		if mention.Id != nil && botOpenID != "" && deref(mention.Id.OpenId) == botOpenID {
			name = t.Nickname()
		}
		if name != "" {
			mentionMap[*mention.Key] = name
		}
	}

	var text string
	switch msgType {
	case "text":
		text = parseTextContent(deref(rawMsg.Content), mentionMap)
	case "post":
		text = parsePostContent(deref(rawMsg.Content), mentionMap)
	default:
		t.log.Debugw("Unsupported message type", "type", msgType, "chat", chatID)
		return repo.InboundMessage{}, false
	}
	if strings.TrimSpace(text) == "" {
		return repo.InboundMessage{}, false
	}

	openID := ""
	if sender != nil && sender.SenderId != nil {
		openID = deref(sender.SenderId.OpenId)
	}

	direct := deref(rawMsg.ChatType) == "p2p"
	nickname := openID
	if !direct {
		nickname = t.senderName(ctx, chatID, openID)
	}

	return repo.InboundMessage{
		ServerID: t.ServerID(),
		MsgID:    deref(rawMsg.MessageId),
		Nickname: nickname,
		Username: openID,
		Hostname: string(domain.PlatformFeishu),
		Channel:  chatID,
		Text:     text,
		Direct:   direct,
	}, true
}

// senderName resolves a sender's display name from the chat's member list, falling back to the open_id
func (t *Transport) senderName(ctx context.Context, chatID, openID string) string {
	if openID == "" {
		return ""
	}

	t.membersMu.Lock()
	cached, ok := t.members[chatID]
	t.membersMu.Unlock()

	if !ok || time.Since(cached.fetched) > memberTTL || cached.names[openID] == "" {
		names, err := t.lookup(ctx, chatID)
		if err != nil {
			t.log.Debugw("Failed to get chat members", "chat", chatID, "error", err)
			return openID
		}
		cached = memberCache{names: names, fetched: time.Now()}
		t.membersMu.Lock()
		t.members[chatID] = cached
		t.membersMu.Unlock()
	}

	if name := cached.names[openID]; name != "" {
		return name
	}
	return openID
}

// chatMembers retrieves the members of a chat, following pagination
func (t *Transport) chatMembers(ctx context.Context, chatID string) (map[string]string, error) {
	names := make(map[string]string)
	var pageToken string

	for {
		reqBuilder := larkim.NewGetChatMembersReqBuilder().
			MemberIdType("open_id").
			ChatId(chatID).
			PageSize(100)
		if pageToken != "" {
			reqBuilder = reqBuilder.PageToken(pageToken)
		}

		resp, err := t.larkCli.Im.ChatMembers.Get(ctx, reqBuilder.Build())
		if err != nil {
			return nil, errors.MarkTransient(errors.Wrap(err, "get chat members failed"))
		}
		if !resp.Success() {
			return nil, errors.Newf("get chat members error: %s", resp.Msg)
		}

		for _, item := range resp.Data.Items {
			if id := deref(item.MemberId); id != "" {
				names[id] = deref(item.Name)
			}
		}

		if resp.Data.PageToken == nil || *resp.Data.PageToken == "" {
			break
		}
		pageToken = *resp.Data.PageToken
	}

	return names, nil
}

// Say sends a text message to a chat
func (t *Transport) Say(ctx context.Context, target, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(target).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()

	resp, err := t.larkCli.Im.Message.Create(ctx, req)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "send message failed"))
	}
	if !resp.Success() {
		return errors.Newf("send message error: %s", resp.Msg)
	}

	t.log.Debugw("Message sent", "chat", target)
	return nil
}

// Join adds the bot to a chat
func (t *Transport) Join(ctx context.Context, channel string) error {
	req := larkim.NewMeJoinChatMembersReqBuilder().
		ChatId(channel).
		Build()

	resp, err := t.larkCli.Im.ChatMembers.MeJoin(ctx, req)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "join chat failed"))
	}
	if !resp.Success() {
		return errors.Newf("join chat error: %s", resp.Msg)
	}

	t.log.Infow("Joined chat", "chat", channel)
	return nil
}

// Part removes the bot from a chat
func (t *Transport) Part(ctx context.Context, channel string) error {
	req := larkim.NewDeleteChatMembersReqBuilder().
		ChatId(channel).
		MemberIdType("app_id").
		Body(larkim.NewDeleteChatMembersReqBodyBuilder().
			IdList([]string{t.appID}).
			Build()).
		Build()

	resp, err := t.larkCli.Im.ChatMembers.Delete(ctx, req)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "leave chat failed"))
	}
	if !resp.Success() {
		return errors.Newf("leave chat error: %s", resp.Msg)
	}

	t.membersMu.Lock()
	delete(t.members, channel)
	t.membersMu.Unlock()

	t.log.Infow("Left chat", "chat", channel)
	return nil
}

// parseTextContent extracts text from a text message, replacing mention placeholders
func parseTextContent(content string, mentionMap map[string]string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return replaceMentions(parsed.Text, mentionMap)
}

// parsePostContent flattens a rich text message into lines of plain text
func parsePostContent(content string, mentionMap map[string]string) string {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag    string `json:"tag"`
			Text   string `json:"text,omitempty"`
			Href   string `json:"href,omitempty"`
			UserID string `json:"user_id,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}

	var lines []string
	if parsed.Title != "" {
		lines = append(lines, parsed.Title)
	}

	for _, line := range parsed.Content {
		var parts []string
		for _, elem := range line {
			switch elem.Tag {
			case "text":
				parts = append(parts, elem.Text)
			case "a":
				// Keep the URL so link titles still work
				if elem.Href != "" {
					parts = append(parts, elem.Href)
				} else {
					parts = append(parts, elem.Text)
				}
			case "at":
				if name, ok := mentionMap[elem.UserID]; ok {
					parts = append(parts, "@"+name)
				} else if elem.UserID != "" {
					parts = append(parts, "@"+elem.UserID)
				}
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, ""))
		}
	}

	return replaceMentions(strings.Join(lines, "\n"), mentionMap)
}

// replaceMentions replaces mention placeholders (@_user_1) with @Name
func replaceMentions(text string, mentionMap map[string]string) string {
	keys := make([]string, 0, len(mentionMap))
	for key := range mentionMap {
		keys = append(keys, key)
	}
	// Longest first so @_user_1 never clobbers @_user_10
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, key := range keys {
		text = strings.ReplaceAll(text, key, "@"+mentionMap[key])
	}
	return text
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
