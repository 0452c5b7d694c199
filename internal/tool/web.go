package tool

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const maxFetchBytes = 100 * 1024

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n\s*\n+`)
)

// WebFetch downloads a URL as text. Host checks are the Gateway's job.
type WebFetch struct {
	client *http.Client
}

func NewWebFetch(client *http.Client) *WebFetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetch{client: client}
}

func (t *WebFetch) Info() Definition {
	return Definition{
		Name:        "web_fetch",
		Description: "Fetch a URL and return its content as text",
		Category:    CategoryWeb,
		Params: []Param{
			{Name: "url", Type: "string", Description: "http or https URL", Required: true},
		},
	}
}

func (t *WebFetch) Execute(ctx context.Context, args map[string]any) Result {
	raw, _ := stringArg(args, "url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Fail("web_fetch: a valid http(s) url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Fail("web_fetch: %v", err)
	}
	req.Header.Set("User-Agent", "kado/1.0")
	resp, err := t.client.Do(req)
	if err != nil {
		return Fail("web_fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Fail("web_fetch: read body: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Fail("web_fetch: HTTP %d", resp.StatusCode)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = htmlToText(text)
	}
	return Result{Success: true, Data: map[string]any{"url": u.String(), "status": resp.StatusCode, "content": text}}
}

func htmlToText(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, "")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var _ Tool = (*WebFetch)(nil)
