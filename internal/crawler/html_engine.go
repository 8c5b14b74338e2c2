package crawler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/docuflow/internal/models"
)

// HTMLParserEngine is the static-HTML reference implementation of Engine,
// built on net/http and goquery (adapted from the teacher's link_extractor.go
// and html_scraper.go, minus the colly dependency the teacher's go.mod does
// not actually carry).
type HTMLParserEngine struct {
	client              *http.Client
	userAgent           string
	maxAssetConcurrency int
}

// NewHTMLParserEngine builds an HTML engine, wiring opts.Proxy into the
// client's transport when present.
func NewHTMLParserEngine(opts EngineOptions) *HTMLParserEngine {
	timeout := time.Duration(opts.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{}
	if opts.Proxy != nil {
		if proxyURL, err := proxyURLFrom(opts.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "DocuFlow-Crawler/1.0"
	}
	maxAssets := opts.MaxAssetConcurrency
	if maxAssets <= 0 {
		maxAssets = 10
	}
	return &HTMLParserEngine{
		client:              &http.Client{Timeout: timeout, Transport: transport},
		userAgent:           ua,
		maxAssetConcurrency: maxAssets,
	}
}

func proxyURLFrom(p *models.ProxyConfig) (*url.URL, error) {
	u := &url.URL{
		Scheme: string(p.Protocol),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

func (e *HTMLParserEngine) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("crawler: build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	return e.client.Do(req)
}

func (e *HTMLParserEngine) CrawlPage(ctx context.Context, rawURL string, extensions []string) ([]string, []byte, error) {
	resp, err := e.get(ctx, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("crawler: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, nil, &httpStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("crawler: read body of %s: %w", rawURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("crawler: parse html of %s: %w", rawURL, err)
	}

	base, _ := url.Parse(rawURL)
	links := extractLinks(doc, base)
	if len(extensions) > 0 {
		links = filterByExtension(links, extensions)
	}
	return links, html, nil
}

func (e *HTMLParserEngine) Download(ctx context.Context, rawURL string, w io.Writer) (string, int64, error) {
	resp, err := e.get(ctx, rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("crawler: download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", 0, &httpStatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("crawler: stream %s: %w", rawURL, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = mimeFromExtension(rawURL)
	}
	return ct, n, nil
}

func (e *HTMLParserEngine) ExtractAssets(html []byte, baseURL string, assetTypes []models.AssetType) (AssetRefs, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("crawler: parse html for assets: %w", err)
	}
	base, _ := url.Parse(baseURL)
	want := assetTypeSet(assetTypes)

	refs := AssetRefs{}
	add := func(t models.AssetType, raw string) {
		if raw == "" || (len(want) > 0 && !want[t]) {
			return
		}
		resolved := resolveAgainst(base, raw)
		if resolved == "" {
			return
		}
		refs[t] = append(refs[t], resolved)
	}

	doc.Find("link[rel=stylesheet][href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(models.AssetCSS, href)
	})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(models.AssetJS, src)
	})
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(models.AssetImages, src)
	})
	doc.Find("source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(models.AssetVideos, src)
	})
	doc.Find("video[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(models.AssetVideos, src)
	})
	extractCSSURLAssets(doc, add)

	return refs, nil
}

// extractCSSURLAssets looks for inline <style> blocks' url(...) references
// and @font-face declarations, classifying by extension (spec §4.5.2 step 1
// names CSS url(...) and @font-face explicitly).
func extractCSSURLAssets(doc *goquery.Document, add func(models.AssetType, string)) {
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, raw := range extractCSSURLs(s.Text()) {
			if looksLikeFont(raw) {
				add(models.AssetFonts, raw)
			} else {
				add(models.AssetImages, raw)
			}
		}
	})
}

func looksLikeFont(raw string) bool {
	ext := strings.ToLower(path.Ext(strings.SplitN(raw, "?", 2)[0]))
	switch ext {
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return true
	default:
		return false
	}
}

func extractCSSURLs(css string) []string {
	var urls []string
	const marker = "url("
	for {
		idx := strings.Index(css, marker)
		if idx < 0 {
			break
		}
		rest := css[idx+len(marker):]
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			break
		}
		raw := strings.Trim(strings.TrimSpace(rest[:end]), `"'`)
		if raw != "" {
			urls = append(urls, raw)
		}
		css = rest[end+1:]
	}
	return urls
}

func (e *HTMLParserEngine) DownloadAssets(ctx context.Context, refs AssetRefs, destDir string) (map[models.AssetType][]string, error) {
	sem := make(chan struct{}, e.maxAssetConcurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := map[models.AssetType][]string{}

	for assetType, urls := range refs {
		for _, u := range urls {
			assetType, u := assetType, u
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				localPath, err := downloadAssetTo(ctx, e, u, destDir, assetType)
				if err != nil {
					return
				}
				mu.Lock()
				out[assetType] = append(out[assetType], localPath)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()
	return out, nil
}

func (e *HTMLParserEngine) Close() error { return nil }

// httpStatusError classifies a non-2xx HTTP response for the retry engine's
// error classification (spec §4.6: http_4xx vs http_5xx).
type httpStatusError struct {
	URL        string
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("crawler: %s returned status %d", e.URL, e.StatusCode)
}

// Retryable reports whether this status should be retried per §4.5.2 step 3:
// 4xx except 408/429 are non-retryable; 5xx always is.
func (e *httpStatusError) Retryable() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 408 || e.StatusCode == 429
}

const maxPageBodyBytes = 32 << 20 // 32MB cap on a single discovered page
