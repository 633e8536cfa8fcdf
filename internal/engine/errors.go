package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by CrawlURL and the sandbox executor. Callers
// are expected to match with errors.Is.
var (
	// ErrAlreadyVisited means the normalized URL was crawled earlier in this
	// orchestrator's lifetime.
	ErrAlreadyVisited = errors.New("url already visited")
	// ErrRobotsDisallowed means robots.txt policy forbids fetching the URL.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrTaskNotFound means no sandbox task is tracked under the given ID.
	ErrTaskNotFound = errors.New("task not found")
)

// ComplianceBlockedError distinguishes "fetched but disallowed by policy"
// from a fetch failure. The page was retrieved; the rule engine refused it.
type ComplianceBlockedError struct {
	URL    string
	Reason string
	Rules  []string
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("compliance blocked %s: %s", e.URL, e.Reason)
}
