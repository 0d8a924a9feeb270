package uploads

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"kapture_back/knowledge"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
)

func init() {
	knowledge.RegisterExtractor(plainTextExtractor{})
	knowledge.RegisterExtractor(markdownExtractor{})
	knowledge.RegisterExtractor(htmlExtractor{})
}

// DetectFormat maps an uploaded payload to a registered extractor format,
// preferring content sniffing over the file extension.
func DetectFormat(filename string, data []byte) (string, error) {
	detected := mimetype.Detect(data)
	switch {
	case detected.Is("text/html"), detected.Is("application/xhtml+xml"):
		return "html", nil
	case detected.Is("text/markdown"):
		return "markdown", nil
	}

	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	switch ext {
	case ".html", ".htm", ".xhtml":
		return "html", nil
	case ".md", ".markdown":
		return "markdown", nil
	case ".txt", ".text", ".log":
		return "text", nil
	}

	for mime := detected; mime != nil; mime = mime.Parent() {
		if mime.Is("text/plain") {
			return "text", nil
		}
	}

	return "", fmt.Errorf("uploads: unsupported document type %q (%s)", ext, detected.String())
}

type plainTextExtractor struct{}

func (plainTextExtractor) Formats() []string {
	return []string{"text", "txt", "plain"}
}

func (plainTextExtractor) Extract(data []byte) (string, error) {
	return string(data), nil
}

var (
	markdownCodeFenceRe = regexp.MustCompile("(?s)```.*?```")
	markdownInlineRe    = regexp.MustCompile("[*_`~]|^#{1,6}\\s*")
	markdownLinkRe      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownImageRe     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
)

// markdownExtractor strips formatting markers so headings and link text read
// as plain sentences.
type markdownExtractor struct{}

func (markdownExtractor) Formats() []string {
	return []string{"markdown", "md"}
}

func (markdownExtractor) Extract(data []byte) (string, error) {
	text := string(data)
	text = markdownCodeFenceRe.ReplaceAllString(text, "")
	text = markdownImageRe.ReplaceAllString(text, "$1")
	text = markdownLinkRe.ReplaceAllString(text, "$1")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimLeft(trimmed, "#>")
		trimmed = strings.TrimSpace(trimmed)
		trimmed = markdownInlineRe.ReplaceAllString(trimmed, "")
		lines[i] = trimmed
	}
	return strings.Join(lines, "\n"), nil
}

// htmlExtractor pulls the visible text out of an HTML document, skipping
// script and style blocks.
type htmlExtractor struct{}

func (htmlExtractor) Formats() []string {
	return []string{"html", "htm", "webpage"}
}

func (htmlExtractor) Extract(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("uploads: parse html: %w", err)
	}

	doc.Find("script, style, noscript, iframe").Remove()

	var builder strings.Builder
	doc.Find("title, h1, h2, h3, h4, h5, h6, p, li, td, th, blockquote, pre, figcaption").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		builder.WriteString(text)
		builder.WriteString("\n")
	})

	extracted := strings.TrimSpace(builder.String())
	if extracted == "" {
		extracted = strings.TrimSpace(doc.Find("body").Text())
	}
	return extracted, nil
}
