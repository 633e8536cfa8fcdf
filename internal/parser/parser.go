// Package parser implements the HTML parsing capability on goquery.
package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagevault/acquire/internal/engine"
)

// Parser extracts title, text content, links, images, and metadata from
// HTML documents. Stateless and safe for concurrent use.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse builds a Document from the HTML. Link and image URLs are resolved
// against baseURL; malformed or non-http references are silently dropped.
func (p *Parser) Parse(html, baseURL string) (engine.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return engine.Document{}, fmt.Errorf("parse html: %w", err)
	}

	out := engine.Document{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Metadata: map[string]string{},
	}

	body := doc.Find("body")
	body.Find("script, style, noscript").Remove()
	out.Content = collapseWhitespace(body.Text())

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, err := p.Resolve(baseURL, href)
		if err != nil || !p.IsValid(resolved) {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		out.Links = append(out.Links, resolved)
	})

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		resolved, err := p.Resolve(baseURL, src)
		if err != nil || !p.IsValid(resolved) {
			return
		}
		out.Images = append(out.Images, resolved)
	})

	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		content, ok := sel.Attr("content")
		if !ok || content == "" {
			return
		}
		if name, ok := sel.Attr("name"); ok && name != "" {
			out.Metadata[strings.ToLower(name)] = content
		} else if prop, ok := sel.Attr("property"); ok && prop != "" {
			out.Metadata[strings.ToLower(prop)] = content
		}
	})

	return out, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
