package crawler

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/docuflow/internal/models"
)

// extractLinks pulls every <a href> from doc and resolves it against base,
// deduplicating and skipping non-content schemes (adapted from the
// teacher's link_extractor.go shouldSkipLink/resolveURL pair).
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := map[string]bool{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || shouldSkipLink(href) {
			return
		}
		resolved := resolveAgainst(base, href)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})
	return links
}

func shouldSkipLink(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	if h == "" || strings.HasPrefix(h, "#") {
		return true
	}
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "sms:", "ftp:", "data:"} {
		if strings.HasPrefix(h, prefix) {
			return true
		}
	}
	return false
}

func resolveAgainst(base *url.URL, ref string) string {
	if base == nil {
		if u, err := url.Parse(ref); err == nil && u.IsAbs() {
			return u.String()
		}
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

// filterByExtension restricts links to those whose path ends in one of
// extensions, always keeping links with no extension (directory/page URLs).
func filterByExtension(links []string, extensions []string) []string {
	wanted := map[string]bool{}
	for _, e := range extensions {
		wanted[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	var out []string
	for _, link := range links {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(link), "."))
		if ext == "" || wanted[ext] {
			out = append(out, link)
		}
	}
	return out
}

func assetTypeSet(types []models.AssetType) map[models.AssetType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[models.AssetType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func mimeFromExtension(rawURL string) string {
	ext := path.Ext(rawURL)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// downloadAssetTo fetches u through engine into destDir/<type>/<basename>,
// creating the type subdirectory as needed.
func downloadAssetTo(ctx context.Context, engine Engine, u, destDir string, assetType models.AssetType) (string, error) {
	dir := filepath.Join(destDir, string(assetType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("crawler: mkdir %s: %w", dir, err)
	}
	name := safeFileName(u)
	localPath := filepath.Join(dir, name)
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("crawler: create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, _, err := engine.Download(ctx, u, f); err != nil {
		os.Remove(localPath)
		return "", err
	}
	return localPath, nil
}

// safeFileName derives a filesystem-safe name from a URL's path, falling
// back to a hash-free placeholder for query-only or empty paths.
func safeFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "index"
	}
	base := path.Base(u.Path)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "index"
	}
	return base
}

// classifyExtension maps a filename to the CrawledFile.file_type field
// (spec §3.1), grouping by the same families as AssetType where relevant.
func classifyExtension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	switch ext {
	case "pdf":
		return "pdf"
	case "doc", "docx", "odt", "rtf", "txt":
		return "document"
	case "css":
		return "css"
	case "js":
		return "js"
	case "jpg", "jpeg", "png", "gif", "svg", "webp", "ico":
		return "image"
	case "woff", "woff2", "ttf", "otf", "eot":
		return "font"
	case "mp4", "webm", "mov", "avi":
		return "video"
	case "html", "htm":
		return "html"
	case "":
		return "unknown"
	default:
		return ext
	}
}
