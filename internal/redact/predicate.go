// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"fmt"
	"strings"
)

// DefaultThreshold is the legacy numeric threshold used when none is
// configured: it feeds the default redaction predicate and the
// minimum_threshold input to should_redact_along_axis (§4.5, §6).
const DefaultThreshold = 11

// Predicate is the user-supplied boolean expression that classifies an
// aggregated cell as non-anonymous (§3). It is rendered once per dataset
// run and spliced into the aggregation planner's projection.
type Predicate struct {
	Expression  string // SQL boolean expression over metric aliases; "" selects the default
	Threshold   int    // legacy threshold: builds the default Expression, and is always the minimum_threshold of should_redact_along_axis
	AllowZeroes bool   // when false, a metric value of 0 always counts as non-anonymous
	Metrics     []string
}

// NewPredicate builds a Predicate for a dataset. primaryAlias is the first
// metric's alias, used by the default expression "<alias> < threshold".
func NewPredicate(expression string, threshold int, primaryAlias string, allowZeroes bool, metricAliases []string) *Predicate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	expr := expression
	if expr == "" {
		expr = fmt.Sprintf("%s < %d", QuoteIdent(primaryAlias), threshold)
	}
	return &Predicate{
		Expression:  expr,
		Threshold:   threshold,
		AllowZeroes: allowZeroes,
		Metrics:     metricAliases,
	}
}

// Validate rejects a predicate whose expression mentions is_redacted (§3:
// "MUST be monotonic-free of is_redacted itself"), or whose Metrics list
// names an alias the dataset does not declare. The expression text is not
// parsed for the aliases it references.
func (p *Predicate) Validate(knownAliases []string) error {
	if strings.Contains(strings.ToLower(p.Expression), "is_redacted") {
		return fmt.Errorf("redaction predicate must not reference is_redacted: %s", p.Expression)
	}
	known := make(map[string]bool, len(knownAliases))
	for _, a := range knownAliases {
		known[a] = true
	}
	for _, a := range p.Metrics {
		if !known[a] {
			return fmt.Errorf("redaction predicate references unknown metric alias %q", a)
		}
	}
	return nil
}

// Render produces the predicate's SQL boolean fragment. When AllowZeroes is
// false, every metric alias in Metrics contributes an "OR alias = 0"
// disjunct so a zero-valued cell is always treated as non-anonymous, even if
// the configured expression would otherwise call it anonymous (a custom
// compound-threshold predicate, for example, may not by itself catch a zero
// incidence as revealing).
func (p *Predicate) Render() string {
	expr := "(" + p.Expression + ")"
	if p.AllowZeroes || len(p.Metrics) == 0 {
		return expr
	}
	zeroChecks := make([]string, len(p.Metrics))
	for i, a := range p.Metrics {
		zeroChecks[i] = QuoteIdent(a) + " = 0"
	}
	return expr + " OR (" + strings.Join(zeroChecks, " OR ") + ")"
}
