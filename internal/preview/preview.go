// Package preview extracts OpenGraph metadata from web pages so clients can
// render link cards for URLs posted in chat.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
)

const (
	// maxBody bounds how much of a page is read; only <head> matters.
	maxBody      = 256 * 1024
	maxRedirects = 3
	userAgent    = "cosmic-linkpreview/1.0"
)

var (
	// ErrInvalidURL is returned for anything that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("preview: url must be absolute http or https")
	// ErrBlockedAddress is returned when the target resolves to a loopback,
	// private, link-local or unspecified address.
	ErrBlockedAddress = errors.New("preview: address not allowed")
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Preview is the metadata of one page.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// Fetcher fetches previews. Concurrent requests for the same URL share one
// upstream fetch.
type Fetcher struct {
	client *http.Client
	group  singleflight.Group
}

type fetcherOptions struct {
	allowPrivate bool
}

// Option configures a Fetcher.
type Option func(*fetcherOptions)

// AllowPrivateAddresses lets the fetcher reach loopback and private networks.
func AllowPrivateAddresses() Option {
	return func(o *fetcherOptions) { o.allowPrivate = true }
}

// NewFetcher returns a Fetcher whose requests give up after timeout. Unless
// AllowPrivateAddresses is given, every dial (redirects included) to an
// internal address fails with ErrBlockedAddress.
func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	var o fetcherOptions
	for _, opt := range opts {
		opt(&o)
	}

	dialer := &net.Dialer{Timeout: timeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !o.allowPrivate {
		dialer.Control = blockInternal
		// A proxy would be the only address dialed.
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext

	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// blockInternal runs after DNS resolution, so address is a literal IP.
func blockInternal(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	ip := ap.Addr().Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

// Fetch loads rawURL and extracts its metadata. Non-HTML responses and
// error statuses yield a Preview carrying only the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Preview, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Preview{}, ErrInvalidURL
	}

	v, err, _ := f.group.Do(u.String(), func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), u.String())
	})
	if err != nil {
		return Preview{}, err
	}
	return v.(Preview), nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Preview{}, fmt.Errorf("preview: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return Preview{}, fmt.Errorf("preview: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode >= 400 || (!strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml")) {
		return Preview{URL: rawURL}, nil
	}
	return Parse(rawURL, io.LimitReader(resp.Body, maxBody)), nil
}

// Parse reads the <head> of an HTML document. OpenGraph tags win over
// <title> and <meta name="description">.
func Parse(rawURL string, r io.Reader) Preview {
	p := Preview{URL: rawURL}
	var (
		title   strings.Builder
		inTitle bool
		fbDesc  string
	)
	finish := func() Preview {
		if p.Title == "" {
			p.Title = strings.TrimSpace(title.String())
		}
		if p.Description == "" {
			p.Description = fbDesc
		}
		return p
	}

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					if d := applyMeta(z, &p); d != "" {
						fbDesc = d
					}
				}
			}

		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

// applyMeta copies an og:* tag into p. It returns the content of a plain
// description tag so the caller can use it as a fallback.
func applyMeta(z *html.Tokenizer, p *Preview) string {
	var property, name, content string
	for more := true; more; {
		var key, val []byte
		key, val, more = z.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
	}
	if content == "" {
		return ""
	}

	switch property {
	case "og:title":
		p.Title = content
	case "og:description":
		p.Description = content
	case "og:image":
		p.Image = content
	case "og:site_name":
		p.SiteName = content
	}
	if name == "description" {
		return content
	}
	return ""
}
