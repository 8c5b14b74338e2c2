package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldSkipLink(t *testing.T) {
	assert.True(t, shouldSkipLink("#section"))
	assert.True(t, shouldSkipLink("mailto:a@b.com"))
	assert.True(t, shouldSkipLink("javascript:void(0)"))
	assert.True(t, shouldSkipLink(""))
	assert.False(t, shouldSkipLink("/page"))
	assert.False(t, shouldSkipLink("https://example.com/page"))
}

func TestFilterByExtension(t *testing.T) {
	links := []string{
		"https://a.example/doc.pdf",
		"https://a.example/page",
		"https://a.example/image.png",
	}
	out := filterByExtension(links, []string{".pdf"})
	assert.Contains(t, out, "https://a.example/doc.pdf")
	assert.Contains(t, out, "https://a.example/page") // no extension always kept
	assert.NotContains(t, out, "https://a.example/image.png")
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "index", safeFileName("https://example.com/"))
	assert.Equal(t, "index", safeFileName("https://example.com"))
	assert.Equal(t, "report.pdf", safeFileName("https://example.com/docs/report.pdf"))
	assert.Equal(t, "weird_name.css", safeFileName("https://example.com/weird name.css"))
}

func TestClassifyExtension(t *testing.T) {
	cases := map[string]string{
		"report.pdf":  "pdf",
		"notes.docx":  "document",
		"style.css":   "css",
		"app.js":      "js",
		"photo.jpg":   "image",
		"font.woff2":  "font",
		"clip.mp4":    "video",
		"index.html":  "html",
		"noextension": "unknown",
		"data.xyz":    "xyz",
	}
	for filename, want := range cases {
		assert.Equal(t, want, classifyExtension(filename), "filename %s", filename)
	}
}
