package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	xerrors "santosobot/internal/errors"
)

const (
	defaultFetchLength = 10000
	maxFetchBytes      = 10 << 20
	fetchUserAgent     = "Mozilla/5.0 (compatible; Santosobot/1.0)"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)

	errBlockedAddress = errors.New("destination address is not allowed")
)

// WebFetchTool downloads an http(s) URL and returns readable text. Loopback,
// private, link-local and unspecified destinations are refused, including
// after DNS resolution and redirects.
type WebFetchTool struct {
	client       *http.Client
	timeout      time.Duration
	allowPrivate bool
}

// NewWebFetchTool creates web_fetch.
func NewWebFetchTool(timeout time.Duration) *WebFetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &WebFetchTool{timeout: timeout}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			if t.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
				return errBlockedAddress
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	// The address guard runs at dial time, so a proxy would hide the real destination.
	transport.Proxy = nil
	t.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return t.checkURL(req.URL)
		},
	}
	return t
}

func (t *WebFetchTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web_fetch",
		Description: "Fetch a URL over http or https and return its readable text content.",
		Schema: Schema{
			Properties: map[string]Property{
				"url":        {Type: "string", Description: "The URL to fetch"},
				"max_length": {Type: "integer", Description: "Maximum characters to return (default 10000)"},
			},
			Required: []string{"url"},
		},
		Policy: Policy{Timeout: t.timeout, SideEffect: SideEffectNetwork},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args Args) (string, error) {
	raw := strings.TrimSpace(args.String("url"))
	u, err := url.Parse(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid url")
	}
	if err := t.checkURL(u); err != nil {
		return "", err
	}
	maxLength := args.Int("max_length", defaultFetchLength)
	if maxLength <= 0 {
		maxLength = defaultFetchLength
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "failed to create request")
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, errBlockedAddress) {
			return "", xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("fetching %s is not allowed: %v", u.Host, errBlockedAddress))
		}
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "failed to fetch url")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, u.String()))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "failed to read response")
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") || (contentType == "" && looksLikeHTML(text)) {
		text, err = htmlToText(text)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "failed to parse html")
		}
	}

	runes := []rune(text)
	if len(runes) > maxLength {
		text = string(runes[:maxLength]) + "\n\n[...truncated...]"
	}
	return fmt.Sprintf("URL: %s\nStatus: %d\n\n%s", resp.Request.URL.String(), resp.StatusCode, text), nil
}

func (t *WebFetchTool) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.New(xerrors.CodeInvalidArgument, "only http and https urls are allowed")
	}
	host := u.Hostname()
	if host == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "url has no host")
	}
	if t.allowPrivate {
		return nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return xerrors.New(xerrors.CodeToolExecution, "fetching localhost is not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("fetching %s is not allowed", host))
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// htmlToText extracts readable text, dropping script and style content.
func htmlToText(content string) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(doc, &sb, 0)
	return cleanText(sb.String()), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 200 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg":
			return
		case "title":
			sb.WriteString("# ")
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "section", "article", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
	if n.Type == html.ElementNode && n.Data == "title" {
		sb.WriteString("\n\n")
	}
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
