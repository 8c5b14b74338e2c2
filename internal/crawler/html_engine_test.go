package crawler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/docuflow/internal/models"
)

func TestHTMLParserEngine_CrawlPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>
			<a href="/about">About</a>
			<a href="https://external.example/other">External</a>
			<a href="mailto:hi@example.com">Mail</a>
		</body></html>`))
	}))
	defer srv.Close()

	engine := NewHTMLParserEngine(EngineOptions{RequestTimeoutSecs: 5})
	links, html, err := engine.CrawlPage(context.Background(), srv.URL+"/", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, html)
	assert.Contains(t, links, srv.URL+"/about")
	assert.Contains(t, links, "https://external.example/other")
	for _, l := range links {
		assert.NotContains(t, l, "mailto:")
	}
}

func TestHTMLParserEngine_CrawlPage_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	engine := NewHTMLParserEngine(EngineOptions{RequestTimeoutSecs: 5})
	_, _, err := engine.CrawlPage(context.Background(), srv.URL, nil)
	require.Error(t, err)
	statusErr, ok := err.(*httpStatusError)
	require.True(t, ok)
	assert.Equal(t, 404, statusErr.StatusCode)
	assert.False(t, statusErr.Retryable())
}

func TestHttpStatusError_Retryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{500, true},
		{503, true},
		{408, true},
		{429, true},
		{404, false},
		{401, false},
	}
	for _, c := range cases {
		e := &httpStatusError{StatusCode: c.status}
		assert.Equal(t, c.want, e.Retryable(), "status %d", c.status)
	}
}

func TestHTMLParserEngine_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake contents"))
	}))
	defer srv.Close()

	engine := NewHTMLParserEngine(EngineOptions{RequestTimeoutSecs: 5})
	var buf bytes.Buffer
	ct, size, err := engine.Download(context.Background(), srv.URL, &buf)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", ct)
	assert.Equal(t, int64(len("%PDF-1.4 fake contents")), size)
}

func TestHTMLParserEngine_ExtractAssets(t *testing.T) {
	html := []byte(`<html><head>
		<link rel="stylesheet" href="/css/main.css">
		<script src="/js/app.js"></script>
		<style>.x{background:url('/img/bg.png')} @font-face{src:url('/fonts/a.woff2')}</style>
	</head><body>
		<img src="/img/logo.png">
	</body></html>`)

	engine := NewHTMLParserEngine(EngineOptions{})
	refs, err := engine.ExtractAssets(html, "https://example.com/page", nil)
	require.NoError(t, err)
	assert.Contains(t, refs[models.AssetCSS], "https://example.com/css/main.css")
	assert.Contains(t, refs[models.AssetJS], "https://example.com/js/app.js")
	assert.Contains(t, refs[models.AssetImages], "https://example.com/img/logo.png")
	assert.Contains(t, refs[models.AssetImages], "https://example.com/img/bg.png")
	assert.Contains(t, refs[models.AssetFonts], "https://example.com/fonts/a.woff2")
}

func TestHTMLParserEngine_ExtractAssets_FiltersByType(t *testing.T) {
	html := []byte(`<link rel="stylesheet" href="/a.css"><script src="/b.js"></script>`)
	engine := NewHTMLParserEngine(EngineOptions{})
	refs, err := engine.ExtractAssets(html, "https://example.com/", []models.AssetType{models.AssetCSS})
	require.NoError(t, err)
	assert.Contains(t, refs, models.AssetCSS)
	assert.NotContains(t, refs, models.AssetJS)
}
