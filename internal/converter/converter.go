// Package converter defines the Converter contract the core consumes
// (spec §6.2) and provides two implementations: HTMLConverter for the
// crawler pipeline's HTML-to-markdown step, and PDFConverter for the
// split/merge pipeline's per-page PDF extraction.
package converter

import (
	"bytes"
	"errors"
	"fmt"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// ErrorKind classifies Convert failures (spec §6.2).
type ErrorKind string

const (
	ErrUnsupportedFormat ErrorKind = "unsupported_format"
	ErrCorruptInput      ErrorKind = "corrupt_input"
	ErrTimeout           ErrorKind = "timeout"
)

// ConvertError wraps a classified converter failure.
type ConvertError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConvertError) Error() string { return fmt.Sprintf("converter: %s: %v", e.Kind, e.Err) }
func (e *ConvertError) Unwrap() error { return e.Err }

// Meta describes the converted document (spec §6.2).
type Meta struct {
	Pages  int    `json:"pages"`
	Words  int    `json:"words"`
	Format string `json:"format"`
	Size   int    `json:"size_bytes"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

// Converter is the contract the core consumes to turn raw bytes into
// markdown. Implementations must be deterministic for the same input
// (spec §6.2).
type Converter interface {
	Convert(data []byte, hintFormat string) (markdown string, meta Meta, err error)
}

// HTMLConverter is the reference implementation, built on
// JohannesKaufmann/html-to-markdown with goquery for title extraction.
type HTMLConverter struct {
	conv *md.Converter
}

func NewHTMLConverter() *HTMLConverter {
	return &HTMLConverter{conv: md.NewConverter("", true, nil)}
}

func (c *HTMLConverter) Convert(data []byte, hintFormat string) (string, Meta, error) {
	if len(data) == 0 {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: errors.New("empty input")}
	}
	if hintFormat != "" && hintFormat != "html" && hintFormat != "text/html" {
		return "", Meta{}, &ConvertError{Kind: ErrUnsupportedFormat, Err: fmt.Errorf("unsupported hint format %q", hintFormat)}
	}

	markdown, err := c.conv.ConvertString(string(data))
	if err != nil {
		return "", Meta{}, &ConvertError{Kind: ErrCorruptInput, Err: err}
	}

	title, author := extractHead(data)

	return markdown, Meta{
		Pages:  1,
		Words:  countWords([]byte(markdown)),
		Format: "html",
		Size:   len(data),
		Title:  title,
		Author: author,
	}, nil
}

func extractHead(data []byte) (title, author string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", ""
	}
	title = doc.Find("title").First().Text()
	author, _ = doc.Find("meta[name=author]").First().Attr("content")
	return title, author
}

func countWords(b []byte) int {
	count := 0
	inWord := false
	for _, r := range string(b) {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
