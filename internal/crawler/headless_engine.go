package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/docuflow/internal/models"
)

// HeadlessBrowserEngine renders JavaScript-dependent pages via a pooled
// chromedp browser context before extracting links (adapted from the
// teacher's ChromeDPPool, collapsed to the single allocator this engine
// needs rather than a full round-robin pool). Download/ExtractAssets/
// DownloadAssets delegate to an embedded HTMLParserEngine: once a page is
// rendered there is nothing JavaScript-specific left to do for raw byte
// fetches or static asset parsing.
type HeadlessBrowserEngine struct {
	*HTMLParserEngine
	allocCtx    context.Context
	allocCancel context.CancelFunc
	timeout     time.Duration
}

// NewHeadlessBrowserEngine builds a single-instance headless allocator.
// A configured proxy is passed as a Chrome launch flag
// (protocol://host:port) the way the teacher's ChromeDPPool configures
// UserAgent; proxy username and password are not passed to Chrome.
func NewHeadlessBrowserEngine(opts EngineOptions) *HeadlessBrowserEngine {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Proxy != nil {
		allocatorOpts = append(allocatorOpts, chromedp.ProxyServer(fmt.Sprintf("%s://%s:%d", opts.Proxy.Protocol, opts.Proxy.Host, opts.Proxy.Port)))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)

	timeout := time.Duration(opts.HeadlessTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HeadlessBrowserEngine{
		HTMLParserEngine: NewHTMLParserEngine(opts),
		allocCtx:         allocCtx,
		allocCancel:      allocCancel,
		timeout:          timeout,
	}
}

func (e *HeadlessBrowserEngine) CrawlPage(ctx context.Context, rawURL string, extensions []string) ([]string, []byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(e.allocCtx)
	defer taskCancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, e.timeout)
	defer timeoutCancel()

	var html string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, nil, fmt.Errorf("crawler: headless render %s: %w", rawURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil, nil, fmt.Errorf("crawler: parse rendered html of %s: %w", rawURL, err)
	}
	base, _ := url.Parse(rawURL)
	links := extractLinks(doc, base)
	if len(extensions) > 0 {
		links = filterByExtension(links, extensions)
	}
	return links, []byte(html), nil
}

func (e *HeadlessBrowserEngine) Close() error {
	e.allocCancel()
	return e.HTMLParserEngine.Close()
}
