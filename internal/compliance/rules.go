package compliance

// DefaultRules returns the baseline policy set registered when no custom
// rules are configured: block adult content, warn on gambling domains, and
// redact card/SSN shaped digit runs.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "block-adult-content",
			Name:        "adult content",
			Field:       FieldContent,
			Pattern:     Substring("explicit adult content"),
			Action:      ActionBlock,
			Description: "Pages self-describing as explicit adult content are not acquired.",
		},
		{
			ID:          "warn-gambling-domain",
			Name:        "gambling domain",
			Field:       FieldDomain,
			Pattern:     Substring("casino"),
			Action:      ActionWarn,
			Description: "Gambling hosts are crawled but flagged for review.",
		},
		{
			ID:          "filter-pii-digits",
			Name:        "pii digit runs",
			Field:       FieldContent,
			Pattern:     mustRegex(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b|\b\d{3}-\d{2}-\d{4}\b`),
			Action:      ActionFilter,
			Description: "Card and SSN shaped digit runs are redacted before caching.",
		},
	}
}

func mustRegex(expr string) Pattern {
	p, err := Regex(expr)
	if err != nil {
		panic(err)
	}
	return p
}
