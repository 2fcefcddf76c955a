package service

import (
	"context"
	"regexp"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
)

const maxURLsPerMessage = 3

var urlPattern = regexp.MustCompile(`https?://[A-Za-z0-9$_.+!*(),;/?:@&~=%#-]{2,}[A-Za-z0-9$_+!*();/?:~=#-]`)

// URLTitleModule replies with the title of web pages linked in chat
type URLTitleModule struct {
	host   *Host
	titles repo.TitleRepo
}

// NewURLTitleModule creates the URL title module
func NewURLTitleModule(titles repo.TitleRepo) *URLTitleModule {
	return &URLTitleModule{titles: titles}
}

// Name returns the module name
func (m *URLTitleModule) Name() string { return "urltitle" }

// OnLoad registers the generic URL handler
func (m *URLTitleModule) OnLoad(h *Host) error {
	m.host = h
	h.Router.RegisterGeneric("Detect and output website titles.", m.handleURLs)
	return nil
}

// extractURLs returns the distinct http(s) URLs in text, in order
func extractURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range urlPattern.FindAllString(text, -1) {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func (m *URLTitleModule) handleURLs(ctx context.Context, req *domain.Request) (domain.HandleResult, error) {
	urls := extractURLs(req.Text)
	if len(urls) == 0 {
		return domain.PassThrough, nil
	}
	if len(urls) > maxURLsPerMessage {
		urls = urls[:maxURLsPerMessage]
	}

	replied := false
	for _, u := range urls {
		title, err := m.titles.FetchTitle(ctx, u)
		if err != nil {
			m.host.Bot.log.Debugw("Failed to fetch title", "url", u, "error", err)
			continue
		}
		if title == "" {
			continue
		}
		if err := m.host.Reply(ctx, req, title); err != nil {
			return domain.Consumed, err
		}
		replied = true
	}
	if !replied {
		return domain.PassThrough, nil
	}
	return domain.Consumed, nil
}
