package models

import "fmt"

// CrawlMode enumerates how deep a crawler traverses from the seed URL
// (spec §3.1).
type CrawlMode string

const (
	ModePageOnly         CrawlMode = "page_only"
	ModePageWithAll      CrawlMode = "page_with_all"
	ModePageWithFiltered CrawlMode = "page_with_filtered"
	ModeFullWebsite      CrawlMode = "full_website"
)

// Engine selects which fetcher implementation (§6.3) executes an attempt.
type Engine string

const (
	EngineHTMLParser     Engine = "html_parser"
	EngineHeadlessBrowser Engine = "headless_browser"
)

// AssetType enumerates the asset kinds discoverable on a page (spec §3.1).
type AssetType string

const (
	AssetCSS      AssetType = "css"
	AssetJS       AssetType = "js"
	AssetImages   AssetType = "images"
	AssetFonts    AssetType = "fonts"
	AssetVideos   AssetType = "videos"
	AssetDocuments AssetType = "documents"
)

// PDFHandling controls how discovered PDFs are combined (spec §4.5.2 step 4).
type PDFHandling string

const (
	PDFIndividual PDFHandling = "individual"
	PDFCombined   PDFHandling = "combined"
	PDFBoth       PDFHandling = "both"
)

// ProxyProtocol enumerates the proxy schemes a crawl engine can tunnel
// through (spec §6.3).
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
	ProxySocks5 ProxyProtocol = "socks5"
)

// ProxyConfig carries optional proxy credentials for a crawl attempt.
type ProxyConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Protocol ProxyProtocol `json:"protocol"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`
}

// RetryStrategyEntry is one ordered step of a crawler's retry strategy
// (spec §3.1, §4.6).
type RetryStrategyEntry struct {
	Attempt      int     `json:"attempt"`
	Engine       Engine  `json:"engine"`
	UseProxy     bool    `json:"use_proxy"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// CrawlerConfig is the JSON value object carried on a crawler job
// (spec §3.1).
type CrawlerConfig struct {
	Mode                CrawlMode            `json:"mode"`
	Engine              Engine               `json:"engine"`
	UseProxy            bool                 `json:"use_proxy"`
	Proxy               *ProxyConfig         `json:"proxy,omitempty"`
	AssetTypes          []AssetType          `json:"asset_types,omitempty"`
	FileExtensions      []string             `json:"file_extensions,omitempty"`
	PDFHandling         PDFHandling          `json:"pdf_handling"`
	MaxDepth            int                  `json:"max_depth"`
	FollowExternalLinks bool                 `json:"follow_external_links"`
	RetryEnabled        bool                 `json:"retry_enabled"`
	MaxRetries          int                  `json:"max_retries"`
	RetryStrategy       []RetryStrategyEntry `json:"retry_strategy"`
}

// Named built-in retry strategies (spec §4.6 "Engine selection discipline").
// Orderings follow the four documented profiles: conservative retries the
// same engine without a proxy before trying proxy and headless fallback;
// aggressive jumps straight to the strongest combination; proxy_first tries
// the proxy before anything else; balanced alternates proxy and engine.
func ConservativeStrategy() []RetryStrategyEntry {
	return []RetryStrategyEntry{
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 5},
		{Attempt: 2, Engine: EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 10},
	}
}

func AggressiveStrategy() []RetryStrategyEntry {
	return []RetryStrategyEntry{
		{Attempt: 0, Engine: EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 2},
	}
}

func ProxyFirstStrategy() []RetryStrategyEntry {
	return []RetryStrategyEntry{
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 5},
		{Attempt: 2, Engine: EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 10},
	}
}

func BalancedStrategy() []RetryStrategyEntry {
	return []RetryStrategyEntry{
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 5},
		{Attempt: 2, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 5},
		{Attempt: 3, Engine: EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 10},
	}
}

// NamedStrategy resolves one of the four built-in profiles by name.
func NamedStrategy(name string) ([]RetryStrategyEntry, bool) {
	switch name {
	case "conservative":
		return ConservativeStrategy(), true
	case "aggressive":
		return AggressiveStrategy(), true
	case "proxy_first":
		return ProxyFirstStrategy(), true
	case "balanced":
		return BalancedStrategy(), true
	default:
		return nil, false
	}
}

// Validate checks the "well-formed" discipline from spec §4.6: strictly
// increasing Attempt starting at 0, and non-negative DelaySeconds.
func (c *CrawlerConfig) Validate() error {
	if len(c.RetryStrategy) == 0 {
		return fmt.Errorf("crawler config: retry_strategy must have at least one entry")
	}
	for i, entry := range c.RetryStrategy {
		if (i == 0 && entry.Attempt != 0) || (i > 0 && entry.Attempt <= c.RetryStrategy[i-1].Attempt) {
			return fmt.Errorf("crawler config: retry_strategy[%d].attempt = %d, want strictly increasing from 0", i, entry.Attempt)
		}
		if entry.DelaySeconds < 0 {
			return fmt.Errorf("crawler config: retry_strategy[%d].delay_seconds must be >= 0", i)
		}
		if entry.Engine != EngineHTMLParser && entry.Engine != EngineHeadlessBrowser {
			return fmt.Errorf("crawler config: retry_strategy[%d].engine %q is not a recognized engine", i, entry.Engine)
		}
	}
	return nil
}
