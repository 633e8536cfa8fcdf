package parser

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Normalize standardizes a URL for visited-set and cache keys: lowercased
// scheme/host, default ports stripped, trailing slash trimmed (except
// root), fragment removed. Query strings are preserved since they select
// distinct pages on many sites.
func (p *Parser) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if host, port, splitErr := net.SplitHostPort(u.Host); splitErr == nil {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	if u.Path == "" {
		u.Path = "/"
	} else if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.Fragment = ""

	return u.String(), nil
}

// IsValid reports whether the URL is an absolute http(s) URL.
func (p *Parser) IsValid(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve interprets ref relative to baseURL and returns the absolute form.
func (p *Parser) Resolve(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse ref %q: %w", ref, err)
	}
	return base.ResolveReference(r).String(), nil
}
