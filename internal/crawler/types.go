// Package crawler implements the HTTP fetcher contract (spec §6.3) and the
// discover-filter-download-publish pipeline that ExecuteCrawler tasks drive
// (spec §4.5.2). Two engines share one interface: HTMLParserEngine for
// static pages and HeadlessBrowserEngine for JavaScript-rendered ones.
package crawler

import (
	"context"
	"io"

	"github.com/ternarybob/docuflow/internal/models"
)

// AssetRefs groups discovered asset URLs by type, keyed the same way as
// models.AssetType (spec §4.5.2 step 1).
type AssetRefs map[models.AssetType][]string

// Engine is the shared contract both fetcher implementations satisfy
// (spec §6.3).
type Engine interface {
	// CrawlPage fetches url, parses the response as HTML, and returns every
	// outgoing link plus the raw HTML bytes. extensions, when non-empty,
	// restricts which link targets are worth resolving eagerly (callers
	// still apply full filtering afterward).
	CrawlPage(ctx context.Context, url string, extensions []string) (links []string, html []byte, err error)

	// Download streams url's body into w, returning the response's declared
	// content type (or, when none is declared, one derived from the URL's
	// file extension) and byte count.
	Download(ctx context.Context, url string, w io.Writer) (contentType string, size int64, err error)

	// ExtractAssets parses html for asset references (css, js, images,
	// fonts, videos) and resolves them against baseURL.
	ExtractAssets(html []byte, baseURL string, assetTypes []models.AssetType) (AssetRefs, error)

	// DownloadAssets fetches every URL in refs into destDir, organized by
	// type subdirectory, and returns the local paths actually written.
	DownloadAssets(ctx context.Context, refs AssetRefs, destDir string) (map[models.AssetType][]string, error)

	// Close releases engine-owned resources (browser contexts, connection
	// pools). Safe to call once per engine instance.
	Close() error
}

// NewEngine constructs the engine named by kind, configured with proxy and
// politeness settings. Unknown kinds fall back to the HTML parser engine.
func NewEngine(kind models.Engine, opts EngineOptions) Engine {
	switch kind {
	case models.EngineHeadlessBrowser:
		return NewHeadlessBrowserEngine(opts)
	default:
		return NewHTMLParserEngine(opts)
	}
}

// EngineOptions carries the settings both engine implementations need,
// decoupling them from internal/config so neither imports the other.
type EngineOptions struct {
	Proxy               *models.ProxyConfig
	UserAgent           string
	RequestTimeoutSecs  int
	HeadlessTimeoutSecs int
	MaxAssetConcurrency int
}
