// Package compliance implements the rule-based legal compliance filter
// applied to every fetched page before it is cached or persisted.
package compliance

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pagevault/acquire/internal/engine"
	"github.com/pagevault/acquire/internal/metrics"
)

// Action determines what a matching rule does to the evaluation.
type Action string

// Supported rule actions.
const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionFilter Action = "filter"
)

// Field selects which part of the crawl result the rule pattern is
// evaluated against.
type Field string

// Supported rule fields.
const (
	FieldDomain   Field = "domain"
	FieldContent  Field = "content"
	FieldMetadata Field = "metadata"
	FieldURL      Field = "url"
)

// Pattern is a tagged variant: either a case-insensitive substring or a
// compiled regular expression. The variant is resolved once at rule
// registration, never per evaluation.
type Pattern struct {
	substr string
	re     *regexp.Regexp
}

// Substring builds a case-insensitive substring pattern.
func Substring(s string) Pattern {
	return Pattern{substr: strings.ToLower(s)}
}

// Regex compiles expr case-insensitively and returns a regex pattern.
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile rule pattern %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

// Match reports whether the pattern fires on the value.
func (p Pattern) Match(value string) bool {
	if p.re != nil {
		return p.re.MatchString(value)
	}
	if p.substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(value), p.substr)
}

// String describes the pattern for logs and results.
func (p Pattern) String() string {
	if p.re != nil {
		return p.re.String()
	}
	return p.substr
}

// Rule is one long-lived compliance policy entry.
type Rule struct {
	ID          string
	Name        string
	Field       Field
	Pattern     Pattern
	Action      Action
	Description string
}

// Redaction patterns for filter-action rules on content. Digit runs shaped
// like payment cards or SSNs are replaced wholesale.
var (
	cardPattern = regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`)
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Filter evaluates registered rules against crawl results. Safe for
// concurrent use; AddRule/RemoveRule take effect immediately.
type Filter struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *zap.Logger
}

// New creates a Filter with the given initial rules, preserving order.
func New(logger *zap.Logger, rules ...Rule) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		rules:  append([]Rule(nil), rules...),
		logger: logger,
	}
}

// AddRule appends a rule to the live set.
func (f *Filter) AddRule(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
}

// RemoveRule deletes the rule with the given ID, reporting whether it was
// present.
func (f *Filter) RemoveRule(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the current rule set in registration order.
func (f *Filter) Rules() []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Rule(nil), f.rules...)
}

// Check evaluates every rule against the result. Rules are independent and
// all matches are recorded. A block match is sticky: once set, later rules
// cannot clear it, though registration order decides which reason string is
// reported. Filter-action rules on content redact result.Content in place.
func (f *Filter) Check(result *engine.CrawlResult) engine.ComplianceResult {
	f.mu.RLock()
	rules := append([]Rule(nil), f.rules...)
	f.mu.RUnlock()

	out := engine.ComplianceResult{Allowed: true}
	for _, rule := range rules {
		value := fieldValue(rule.Field, result)
		if value == "" || !rule.Pattern.Match(value) {
			continue
		}
		out.Rules = append(out.Rules, rule.ID)
		switch rule.Action {
		case ActionBlock:
			out.Blocked = true
			out.Allowed = false
			if out.Reason == "" {
				out.Reason = fmt.Sprintf("blocked by rule %q", rule.Name)
			}
		case ActionWarn:
			out.Warnings = append(out.Warnings, fmt.Sprintf("rule %q matched", rule.Name))
		case ActionFilter:
			if rule.Field == FieldContent {
				redacted := redact(result.Content)
				if redacted != result.Content {
					result.Content = redacted
					out.Filtered = true
				}
			}
		case ActionAllow:
			// Explicit allow records the match but never overrides a block.
		}
		metrics.ObserveComplianceMatch(string(rule.Action))
		f.logger.Debug("compliance rule matched",
			zap.String("rule", rule.ID),
			zap.String("action", string(rule.Action)),
			zap.String("url", result.URL),
		)
	}
	return out
}

func fieldValue(field Field, result *engine.CrawlResult) string {
	switch field {
	case FieldDomain:
		u, err := url.Parse(result.URL)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	case FieldContent:
		return result.Content
	case FieldMetadata:
		return serializeMetadata(result.Metadata)
	case FieldURL:
		return result.URL
	default:
		return ""
	}
}

// serializeMetadata flattens metadata into a stable "k=v" form so patterns
// can match across keys and values.
func serializeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, ";")
}

func redact(content string) string {
	content = cardPattern.ReplaceAllString(content, "[CARD]")
	return ssnPattern.ReplaceAllString(content, "[SSN]")
}
