package crawler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/indexer"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/normalize"
	"github.com/ternarybob/docuflow/internal/retry"
	"github.com/ternarybob/docuflow/internal/storage"
)

// Options configures one Pipeline instance (spec §4.5.2, §6.6 crawler
// config surface).
type Options struct {
	MaxDownloadConcurrency int
	MaxAssetConcurrency    int
	PerHostDelay           time.Duration
	UserAgent              string
	RequestTimeoutSecs     int
	HeadlessTimeoutSecs    int
	RespectRobotsTxt       bool
	ProgressFlushInterval  time.Duration // debounce window, default 5s (§4.5.2)
}

// Pipeline runs the discover → filter → download → pdf-handling → publish →
// finalize steps of a single crawler execution attempt (spec §4.5.2),
// driven by the Retry Engine which fixes the engine/proxy for each attempt.
type Pipeline struct {
	store   storage.JobStore
	blobs   blobstore.Store
	retry   *retry.Engine
	indexer *indexer.Indexer
	robots  *RobotsChecker
	logger  arbor.ILogger
	opts    Options
}

func New(store storage.JobStore, blobs blobstore.Store, retryEngine *retry.Engine, idx *indexer.Indexer, logger arbor.ILogger, opts Options) *Pipeline {
	if opts.MaxDownloadConcurrency <= 0 {
		opts.MaxDownloadConcurrency = 5
	}
	if opts.MaxAssetConcurrency <= 0 {
		opts.MaxAssetConcurrency = 10
	}
	if opts.PerHostDelay <= 0 {
		opts.PerHostDelay = 500 * time.Millisecond
	}
	if opts.ProgressFlushInterval <= 0 {
		opts.ProgressFlushInterval = 5 * time.Second
	}
	return &Pipeline{
		store:   store,
		blobs:   blobs,
		retry:   retryEngine,
		indexer: idx,
		robots:  NewRobotsChecker(&http.Client{Timeout: 30 * time.Second}, opts.UserAgent),
		logger:  logger,
		opts:    opts,
	}
}

// ExecutionID derives the deterministic child-job ID for one scheduled fire
// of crawlerJobID, the same derived-ID idiom the split/merge tracker rows
// use. Deriving it from the fire instant rather than minting a fresh uuid
// makes StartExecution idempotent: a trigger redelivered for the same
// instant resolves to the same execution row instead of starting a second
// run (spec §4.4 dispatch idempotency).
func ExecutionID(crawlerJobID string, fireInstant time.Time) string {
	return fmt.Sprintf("%s-exec-%d", crawlerJobID, fireInstant.Unix())
}

// StartExecution materializes the JobTypeCrawler child row for one trigger
// fire and returns its ID, creating it only if it doesn't already exist
// (spec §4.4: the Dispatcher must not start a second execution for a
// trigger it has already handled). Run then loads this row by ID.
func (p *Pipeline) StartExecution(ctx context.Context, crawlerJobID string, fireInstant time.Time) (string, error) {
	id := ExecutionID(crawlerJobID, fireInstant)
	if existing, err := p.store.Get(ctx, id); err == nil {
		return existing.ID, nil
	}

	parent, err := p.store.Get(ctx, crawlerJobID)
	if err != nil {
		return "", fmt.Errorf("crawler pipeline: start execution: load crawler %s: %w", crawlerJobID, err)
	}

	execution := &models.Job{
		ID:          id,
		UserID:      parent.UserID,
		JobType:     models.JobTypeCrawler,
		Status:      models.StatusQueued,
		SourceType:  models.SourceCrawler,
		SourceURL:   parent.SourceURL,
		Name:        parent.Name,
		ParentJobID: crawlerJobID,
		CreatedAt:   time.Now(),
	}
	if err := p.store.Put(ctx, execution); err != nil {
		return "", fmt.Errorf("crawler pipeline: start execution: persist %s: %w", id, err)
	}
	return execution.ID, nil
}

// Run executes the crawler execution job identified by executionID end to
// end: it resolves the owning crawler's config, walks the retry strategy,
// and persists the final status (spec §4.5.2 step 6, §4.6).
func (p *Pipeline) Run(ctx context.Context, executionID string) error {
	execution, err := p.store.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("crawler pipeline: load execution %s: %w", executionID, err)
	}
	parent, err := p.store.Get(ctx, execution.ParentJobID)
	if err != nil {
		return fmt.Errorf("crawler pipeline: load parent crawler %s: %w", execution.ParentJobID, err)
	}
	if parent.CrawlerConfig == nil {
		return fmt.Errorf("crawler pipeline: parent %s has no crawler_config", parent.ID)
	}
	cfg := parent.CrawlerConfig

	execution.Status = models.StatusProcessing
	execution.StartedAt = time.Now()
	if err := p.store.Put(ctx, execution); err != nil {
		return fmt.Errorf("crawler pipeline: mark processing: %w", err)
	}

	tracker := newProgressTracker(p.store, p.indexer, execution.ID, p.opts.ProgressFlushInterval)

	attempt := func(attemptCtx context.Context, entry models.RetryStrategyEntry) error {
		tracker.reset()
		return p.runAttempt(attemptCtx, execution, cfg, entry, tracker)
	}
	statusLookup := func(lookupCtx context.Context) (models.JobStatus, error) {
		current, err := p.store.Get(lookupCtx, execution.ID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}

	outcome := p.retry.Run(ctx, cfg, attempt, statusLookup)
	tracker.flushFinal(outcome.Success)

	// Reload: the progress tracker wrote its own Get/Put cycles against this
	// job ID while the attempt ran, so execution's in-memory Version is
	// stale and would lose the optimistic-concurrency race otherwise.
	current, err := p.store.Get(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("crawler pipeline: reload execution before final write: %w", err)
	}
	execution = current

	execution.EngineUsed = string(outcome.EngineUsed)
	execution.ProxyUsed = outcome.ProxyUsed
	execution.RetryHistory = outcome.History
	execution.CompletedAt = time.Now()

	switch {
	case outcome.WasCancelled:
		execution.Status = models.StatusCancelled
		execution.Error = outcome.FailSummary
	case outcome.Success:
		execution.Status = models.StatusCompleted
		execution.Progress = 100
	default:
		execution.Status = models.StatusFailed
		execution.Error = outcome.FailSummary
	}

	if err := p.store.Put(ctx, execution); err != nil {
		return fmt.Errorf("crawler pipeline: persist final state: %w", err)
	}

	parent.PagesCompleted++ // reused as "executions completed" counter for crawler jobs
	if err := p.store.Put(ctx, parent); err != nil {
		p.logger.Warn().Err(err).Str("crawler_job_id", parent.ID).Msg("failed to increment parent crawler counters")
	}

	return nil
}

// runAttempt performs one fixed engine/proxy attempt's discover, filter,
// download, pdf-handling, and publish steps (spec §4.5.2 steps 1-5).
func (p *Pipeline) runAttempt(ctx context.Context, execution *models.Job, cfg *models.CrawlerConfig, entry models.RetryStrategyEntry, tracker *progressTracker) error {
	proxy := cfg.Proxy
	if !entry.UseProxy {
		proxy = nil
	}
	engine := NewEngine(entry.Engine, EngineOptions{
		Proxy:               proxy,
		UserAgent:           p.opts.UserAgent,
		RequestTimeoutSecs:  p.opts.RequestTimeoutSecs,
		HeadlessTimeoutSecs: p.opts.HeadlessTimeoutSecs,
		MaxAssetConcurrency: p.opts.MaxAssetConcurrency,
	})
	defer engine.Close()

	tempDir, err := os.MkdirTemp("", "docuflow-crawl-"+execution.ID)
	if err != nil {
		return &retry.AttemptError{Class: retry.ClassOther, Err: fmt.Errorf("create temp dir: %w", err)}
	}
	defer os.RemoveAll(tempDir)

	// Step 1: Discover (0-10%)
	seedURL, err := normalize.Normalize(execution.SourceURL)
	if err != nil {
		return &retry.AttemptError{Class: retry.ClassOther, Err: fmt.Errorf("seed url rejected: %w", err)}
	}
	if err := p.politeWait(ctx, seedURL, cfg); err != nil {
		return &retry.AttemptError{Class: retry.ClassOther, Err: err}
	}
	// page_with_all keeps every depth-1 link, so the seed crawl is not
	// narrowed to file_extensions in that mode.
	crawlExts := cfg.FileExtensions
	if cfg.Mode == models.ModePageWithAll {
		crawlExts = nil
	}
	links, html, err := engine.CrawlPage(ctx, seedURL, crawlExts)
	if err != nil {
		return classifyEngineError(err)
	}
	seedPage, err := writeSeedPage(tempDir, seedURL, html)
	if err != nil {
		return &retry.AttemptError{Class: retry.ClassOther, Err: err}
	}
	tracker.update(10)

	// Step 2: Filter (-> 20%)
	rateLimiter := NewHostRateLimiter(p.opts.PerHostDelay)
	var filtered []string
	var crawledPages []downloadedFile
	if cfg.Mode == models.ModeFullWebsite {
		crawledPages, filtered = p.crawlSite(ctx, engine, rateLimiter, seedURL, links, cfg, tempDir)
	} else {
		filtered = p.filterLinks(links, seedURL, cfg)
	}
	tracker.update(20)

	// Step 3: Download (-> 70%)
	files, err := p.downloadAll(ctx, engine, rateLimiter, filtered, tempDir)
	if err != nil {
		return classifyEngineError(err)
	}
	files = append(files, seedPage)
	files = append(files, crawledPages...)

	if cfg.Mode != models.ModePageOnly {
		assetFiles, err := p.downloadSeedAssets(ctx, engine, html, seedURL, tempDir, cfg)
		if err != nil {
			p.logger.Warn().Err(err).Msg("asset download failed, continuing with page/file downloads only")
		} else {
			files = append(files, assetFiles...)
		}
	}
	tracker.update(70)

	// Step 4: PDF handling (-> 80%)
	var merged *MergedPDF
	if cfg.PDFHandling == models.PDFCombined || cfg.PDFHandling == models.PDFBoth {
		merged = p.combinePDFs(files, tempDir)
	}
	tracker.update(80)

	// Step 5: Publish (-> 95%)
	if err := p.publish(ctx, execution.ID, files, merged); err != nil {
		return &retry.AttemptError{Class: retry.ClassOther, Err: err}
	}
	tracker.update(95)

	return nil
}

// writeSeedPage persists the crawled seed page's raw HTML to tempDir/pages
// so publish() uploads it under crawled/{execution_id}/pages/ (spec §6.1
// layout).
func writeSeedPage(tempDir, seedURL string, html []byte) (downloadedFile, error) {
	name := safeFileName(seedURL) + ".html"
	dir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return downloadedFile{}, fmt.Errorf("create pages dir: %w", err)
	}
	localPath := filepath.Join(dir, name)
	if err := os.WriteFile(localPath, html, 0o644); err != nil {
		return downloadedFile{}, fmt.Errorf("write seed page: %w", err)
	}
	return downloadedFile{
		url:      seedURL,
		path:     localPath,
		kind:     fileKindPage,
		fileType: "html",
		mimeType: "text/html",
		size:     int64(len(html)),
		status:   models.FileDownloaded,
	}, nil
}

// downloadSeedAssets extracts and fetches the seed page's CSS/JS/image/
// font/video references (spec §4.5.2 step 1 asset kinds), restricted to
// cfg.AssetTypes when set.
func (p *Pipeline) downloadSeedAssets(ctx context.Context, engine Engine, html []byte, seedURL, tempDir string, cfg *models.CrawlerConfig) ([]downloadedFile, error) {
	refs, err := engine.ExtractAssets(html, seedURL, cfg.AssetTypes)
	if err != nil {
		return nil, err
	}
	assetDir := filepath.Join(tempDir, "assets")
	localByType, err := engine.DownloadAssets(ctx, refs, assetDir)
	if err != nil {
		return nil, err
	}
	var out []downloadedFile
	for assetType, paths := range localByType {
		for _, localPath := range paths {
			info, err := os.Stat(localPath)
			if err != nil {
				continue
			}
			out = append(out, downloadedFile{
				path:      localPath,
				kind:      fileKindAsset,
				assetType: assetType,
				fileType:  classifyExtension(localPath),
				mimeType:  mimeFromExtension(localPath),
				size:      info.Size(),
				status:    models.FileDownloaded,
			})
		}
	}
	return out, nil
}

func (p *Pipeline) politeWait(ctx context.Context, rawURL string, cfg *models.CrawlerConfig) error {
	if p.opts.RespectRobotsTxt {
		allowed, err := p.robots.Allowed(ctx, rawURL)
		if err == nil && !allowed {
			return fmt.Errorf("disallowed by robots.txt: %s", rawURL)
		}
	}
	return nil
}

// filterLinks applies mode/extension/external-host rules (spec
// §4.5.2 step 2) plus the URL Normalizer's rejection list, which applies to
// every discovered URL, not just the seed. page_only drops every link:
// only the seed page itself is ever fetched. page_with_all fetches every
// depth-1 link regardless of file_extensions. page_with_filtered and
// full_website both restrict depth-1 (and, for full_website, every
// subsequent) links to the configured file_extensions.
func (p *Pipeline) filterLinks(links []string, seedURL string, cfg *models.CrawlerConfig) []string {
	if cfg.Mode == models.ModePageOnly {
		return nil
	}
	seedHost := hostOf(seedURL)
	var out []string
	for _, l := range links {
		normalized, err := normalize.Normalize(l)
		if err != nil {
			continue
		}
		if !cfg.FollowExternalLinks && hostOf(normalized) != seedHost {
			continue
		}
		out = append(out, normalized)
	}
	if cfg.Mode != models.ModePageWithAll && len(cfg.FileExtensions) > 0 {
		out = filterByExtension(out, cfg.FileExtensions)
	}
	return out
}

// defaultMaxDepth bounds full_website traversal when a crawler config
// leaves max_depth unset (zero value).
const defaultMaxDepth = 3

func effectiveMaxDepth(cfg *models.CrawlerConfig) int {
	if cfg.MaxDepth > 0 {
		return cfg.MaxDepth
	}
	return defaultMaxDepth
}

// nonPageExtensions lists file extensions crawlSite treats as download
// targets rather than HTML pages to recurse into.
var nonPageExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".csv": true, ".json": true,
	".xml": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".webp": true, ".mp4": true, ".mp3": true, ".wav": true,
}

func looksLikeHTMLPage(rawURL string) bool {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(rawURL, "?", 2)[0]))
	if ext == "" || ext == ".html" || ext == ".htm" {
		return true
	}
	return !nonPageExtensions[ext]
}

// crawlSite performs full_website mode's bounded breadth-first traversal
// (spec §4.5.2 step 2 "enforce max_depth"): depth-1 links come from the
// seed page already fetched by the caller; each newly discovered HTML page
// up to cfg.MaxDepth (or defaultMaxDepth) is itself fetched to extract
// further links, while non-HTML targets are collected for downloadAll
// instead of being recursed into. Returns the fetched pages (to be
// published alongside the seed page) and the flat set of non-HTML links to
// download.
func (p *Pipeline) crawlSite(ctx context.Context, engine Engine, limiter *HostRateLimiter, seedURL string, seedLinks []string, cfg *models.CrawlerConfig, tempDir string) ([]downloadedFile, []string) {
	maxDepth := effectiveMaxDepth(cfg)
	visited := map[string]bool{seedURL: true}

	var pages []downloadedFile
	var fileLinks []string

	frontier := p.filterLinks(seedLinks, seedURL, cfg)
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, link := range frontier {
			if visited[link] {
				continue
			}
			visited[link] = true

			if !looksLikeHTMLPage(link) {
				fileLinks = append(fileLinks, link)
				continue
			}
			if err := p.politeWait(ctx, link, cfg); err != nil {
				continue
			}
			if err := limiter.Wait(ctx, link); err != nil {
				continue
			}
			pageLinks, html, err := engine.CrawlPage(ctx, link, cfg.FileExtensions)
			if err != nil {
				p.logger.Warn().Err(err).Str("url", link).Msg("crawler pipeline: full_website traversal failed to fetch page, skipping")
				continue
			}
			page, err := writeSeedPage(tempDir, link, html)
			if err != nil {
				continue
			}
			pages = append(pages, page)

			if depth < maxDepth {
				next = append(next, p.filterLinks(pageLinks, seedURL, cfg)...)
			}
		}
		frontier = next
	}
	return pages, fileLinks
}

// fileKind classifies a downloadedFile for the purpose of choosing its
// publish path under crawled/{execution_id}/... (spec §6.1 layout).
type fileKind string

const (
	fileKindPage  fileKind = "page"
	fileKindAsset fileKind = "asset"
	fileKindFile  fileKind = "file"
)

type downloadedFile struct {
	url       string
	path      string
	kind      fileKind
	assetType models.AssetType
	fileType  string
	mimeType  string
	size      int64
	status    models.CrawledFileStatus
	errMsg    string
}

// downloadAll fetches urls with bounded concurrency, making up to 3
// attempts in all per URL with exponential backoff between them (spec
// §4.5.2 step 3).
func (p *Pipeline) downloadAll(ctx context.Context, engine Engine, limiter *HostRateLimiter, urls []string, destDir string) ([]downloadedFile, error) {
	concurrency := p.opts.MaxDownloadConcurrency
	sem := make(chan struct{}, concurrency)
	results := make([]downloadedFile, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		i, u := i, u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.downloadOneWithRetry(ctx, engine, limiter, u, destDir)
		}()
	}
	wg.Wait()
	return results, nil
}

func (p *Pipeline) downloadOneWithRetry(ctx context.Context, engine Engine, limiter *HostRateLimiter, rawURL, destDir string) downloadedFile {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return downloadedFile{url: rawURL, status: models.FileFailed, errMsg: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}
		if err := limiter.Wait(ctx, rawURL); err != nil {
			return downloadedFile{url: rawURL, status: models.FileFailed, errMsg: err.Error()}
		}

		name := safeFileName(rawURL)
		localPath := filepath.Join(destDir, "files", name)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return downloadedFile{url: rawURL, status: models.FileFailed, errMsg: err.Error()}
		}

		f, err := os.Create(localPath)
		if err != nil {
			return downloadedFile{url: rawURL, status: models.FileFailed, errMsg: err.Error()}
		}
		ct, size, err := engine.Download(ctx, rawURL, f)
		f.Close()
		if err == nil {
			return downloadedFile{
				url:      rawURL,
				path:     localPath,
				kind:     fileKindFile,
				fileType: classifyExtension(name),
				mimeType: ct,
				size:     size,
				status:   models.FileDownloaded,
			}
		}
		os.Remove(localPath)
		lastErr = err
		if se, ok := err.(*httpStatusError); ok && !se.Retryable() {
			break
		}
	}
	return downloadedFile{url: rawURL, status: models.FileFailed, errMsg: lastErr.Error()}
}

// combinePDFs merges every downloaded PDF in discovery order, skipping
// corrupt ones with a warning (spec §4.5.2 step 4).
func (p *Pipeline) combinePDFs(files []downloadedFile, tempDir string) *MergedPDF {
	var pdfPaths []string
	for _, f := range files {
		if f.status == models.FileDownloaded && f.fileType == "pdf" {
			pdfPaths = append(pdfPaths, f.path)
		}
	}
	if len(pdfPaths) == 0 {
		return nil
	}
	outPath := filepath.Join(tempDir, "merged", uuid.NewString()+".pdf")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		p.logger.Warn().Err(err).Msg("failed to create merge output directory")
		return nil
	}
	merged, err := MergePDFs(pdfPaths, outPath, p.logger)
	if err != nil {
		p.logger.Warn().Err(err).Msg("pdf merge failed, continuing with individual files only")
		return nil
	}
	return merged
}

// publish uploads every local artifact to the blob store under
// crawled/{execution_id}/... and records CrawledFile rows (spec §4.5.2
// step 5, §6.1 layout).
func (p *Pipeline) publish(ctx context.Context, executionID string, files []downloadedFile, merged *MergedPDF) error {
	var rows []*models.CrawledFile
	for _, f := range files {
		row := &models.CrawledFile{
			ID:          uuid.NewString(),
			ExecutionID: executionID,
			URL:         f.url,
			Filename:    filepath.Base(f.path),
			FileType:    f.fileType,
			MimeType:    f.mimeType,
			SizeBytes:   f.size,
			Status:      f.status,
			Error:       f.errMsg,
			DownloadedAt: time.Now(),
		}
		if f.status == models.FileDownloaded {
			data, err := os.ReadFile(f.path)
			if err != nil {
				row.Status = models.FileFailed
				row.Error = err.Error()
			} else {
				key := publishKey(executionID, f)
				if _, err := p.blobs.Put(ctx, blobstore.BucketCrawled, key, data, f.mimeType); err != nil {
					row.Status = models.FileFailed
					row.Error = err.Error()
				} else {
					row.MinioPath = key
					if url, err := p.blobs.PresignedGet(ctx, blobstore.BucketCrawled, key, 3600); err == nil {
						row.PublicURL = url
					}
				}
			}
		}
		rows = append(rows, row)
	}

	if merged != nil {
		data, err := os.ReadFile(merged.Path)
		if err == nil {
			key := fmt.Sprintf("%s/merged/%s", executionID, filepath.Base(merged.Path))
			if _, err := p.blobs.Put(ctx, blobstore.BucketCrawled, key, data, "application/pdf"); err == nil {
				rows = append(rows, &models.CrawledFile{
					ID:           uuid.NewString(),
					ExecutionID:  executionID,
					Filename:     filepath.Base(merged.Path),
					FileType:     "pdf",
					MimeType:     "application/pdf",
					SizeBytes:    int64(len(data)),
					MinioPath:    key,
					Status:       models.FileDownloaded,
					DownloadedAt: time.Now(),
				})
			}
		}
	}

	return p.store.PutCrawledFiles(ctx, executionID, rows)
}

// publishKey builds the blob-store key for f under the §6.1 layout:
// crawled/{execution_id}/{pages|assets/{type}|files}/{name}.
func publishKey(executionID string, f downloadedFile) string {
	name := filepath.Base(f.path)
	switch f.kind {
	case fileKindPage:
		return fmt.Sprintf("%s/pages/%s", executionID, name)
	case fileKindAsset:
		return fmt.Sprintf("%s/assets/%s/%s", executionID, f.assetType, name)
	default:
		return fmt.Sprintf("%s/files/%s", executionID, name)
	}
}

// classifyEngineError wraps a raw engine error in a retry.AttemptError
// using the same 4xx/5xx/timeout classification as the download path.
func classifyEngineError(err error) error {
	if se, ok := err.(*httpStatusError); ok {
		if se.StatusCode >= 500 {
			return &retry.AttemptError{Class: retry.ClassHTTP5xx, Err: se}
		}
		return &retry.AttemptError{Class: retry.ClassHTTP4xx, Err: se}
	}
	return &retry.AttemptError{Class: retry.ClassifyError(err), Err: err}
}
