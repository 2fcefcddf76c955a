package data

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
)

const (
	// MaxTitleLength is the longest title returned; longer ones end in "..."
	MaxTitleLength = 256

	maxTitleBody = 512 << 10
	maxRedirects = 5
)

// titleRepo fetches page titles over http(s), refusing private addresses
type titleRepo struct {
	client       *http.Client
	allowPrivate bool
}

// NewTitleRepo creates a title repository
func NewTitleRepo(timeout time.Duration) repo.TitleRepo {
	return newTitleRepo(timeout, false)
}

func newTitleRepo(timeout time.Duration, allowPrivate bool) *titleRepo {
	r := &titleRepo{allowPrivate: allowPrivate}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	r.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if !r.allowPrivate && isPrivateIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			return validateTitleURL(req.URL)
		},
	}
	return r
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

func validateTitleURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

// FetchTitle returns the cleaned <title> of an html page, or "" when there is none
func (r *titleRepo) FetchTitle(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %s", rawURL)
	}
	if err := validateTitleURL(u); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", "ExAstris/1.0 (+link titles)")
	req.Header.Set("Accept", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.MarkTransient(errors.Wrapf(err, "failed to fetch %s", u.Host))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("fetch %s: status %d", u.Host, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", nil
	}

	return extractTitle(io.LimitReader(resp.Body, maxTitleBody)), nil
}

// extractTitle returns the first <title> outside of <svg>, whitespace-collapsed and truncated
func extractTitle(body io.Reader) string {
	z := html.NewTokenizer(body)
	inSVG := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "svg":
				inSVG++
			case "title":
				if inSVG > 0 {
					continue
				}
				if z.Next() != html.TextToken {
					return ""
				}
				return CleanTitle(string(z.Text()))
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "svg" && inSVG > 0 {
				inSVG--
			}
		}
	}
}

// CleanTitle collapses whitespace and truncates to MaxTitleLength runes
func CleanTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	runes := []rune(title)
	if len(runes) > MaxTitleLength {
		return string(runes[:MaxTitleLength-3]) + "..."
	}
	return title
}
