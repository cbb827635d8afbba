// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "fmt"

// AggKind names the supported aggregation functions for a metric.
type AggKind string

const (
	AggSum           AggKind = "sum"
	AggAvg           AggKind = "avg"
	AggCount         AggKind = "count"
	AggCountDistinct AggKind = "count_distinct"
	AggMin           AggKind = "min"
	AggMax           AggKind = "max"
	AggAnyValue      AggKind = "any_value"
	AggArrayAgg      AggKind = "array_agg"
)

// Metric describes one aggregated output column: how to compute it, which
// phase(s) of the two-phase pipeline it participates in, and what alias it
// is exposed under (§3).
type Metric struct {
	Kind         AggKind
	Column       string // source column, or "*"
	Alias        string
	NullIsZero   bool
	Expression   string // raw override; if set, Render returns it verbatim
	IsInitial    bool   // evaluated against the raw source rows
	IsSubsequent bool   // evaluated against the already-aggregated cell table
}

// ShouldInclude reports whether this metric participates in the given phase.
// The first disjunct places a metric in the phase its IsInitial flag names,
// so a metric not marked initial (subsequent-only or unmarked) belongs to
// re-aggregation passes. The second disjunct lets a metric marked both
// initial and subsequent also show up on re-aggregation passes.
func (m Metric) ShouldInclude(phaseIsInitial bool) bool {
	return m.IsInitial == phaseIsInitial || (!phaseIsInitial && m.IsSubsequent)
}

// Render produces the aggregation expression for this metric, in the order
// described by §4.1:
//  1. an Expression override is returned verbatim
//  2. Column == "*" renders as the bare "*" argument
//  3. count_distinct with no column downgrades to count, with a warning
//  4. NullIsZero wraps a real column with coalesce(col, 0)
//  5. count_distinct renders "count(distinct expr)"; everything else "kind(expr)"
//
// includeAlias appends " as <quoted alias>" when true.
func (m Metric) Render(includeAlias bool, lg Logger) (string, error) {
	lg = orNop(lg)

	if m.Alias == "" {
		return "", fmt.Errorf("metric has no alias")
	}

	if m.Expression != "" {
		return appendAlias(m.Expression, m.Alias, includeAlias), nil
	}

	kind := m.Kind
	var arg string
	switch {
	case m.Column == "*":
		arg = "*"
	case kind == AggCountDistinct && m.Column == "":
		lg.Log(fmt.Sprintf("metric %q: count_distinct with no column, downgrading to count", m.Alias))
		kind = AggCount
		arg = "*"
	case m.Column == "":
		return "", fmt.Errorf("metric %q: empty column and no expression override", m.Alias)
	default:
		arg = QuoteIdent(m.Column)
		if m.NullIsZero {
			arg = "coalesce(" + arg + ", 0)"
		}
	}

	var expr string
	if kind == AggCountDistinct {
		expr = "count(distinct " + arg + ")"
	} else {
		expr = string(kind) + "(" + arg + ")"
	}

	return appendAlias(expr, m.Alias, includeAlias), nil
}

func appendAlias(expr, alias string, includeAlias bool) string {
	if !includeAlias {
		return expr
	}
	return expr + " as " + QuoteIdent(alias)
}

// normalizeMetrics assigns auto-aliases (m_0, m_1, ...) to metrics with no
// alias and enforces the "at least one initial and one subsequent metric"
// invariant from §3: if no metric is marked initial, the first one is; if
// none is marked subsequent, either the last one is (when there is more than
// one metric) or, when exactly one metric was configured, a duplicate
// "sum(alias)" subsequent form is appended.
func normalizeMetrics(metrics []Metric) ([]Metric, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("dataset must declare at least one metric")
	}

	out := make([]Metric, len(metrics))
	copy(out, metrics)

	seen := make(map[string]bool, len(out))
	for i := range out {
		if out[i].Alias == "" {
			out[i].Alias = fmt.Sprintf("m_%d", i)
		}
		if seen[out[i].Alias] {
			return nil, fmt.Errorf("duplicate metric alias %q", out[i].Alias)
		}
		seen[out[i].Alias] = true
	}

	hasInitial, hasSubsequent := false, false
	for _, m := range out {
		hasInitial = hasInitial || m.IsInitial
		hasSubsequent = hasSubsequent || m.IsSubsequent
	}

	if !hasInitial {
		out[0].IsInitial = true
	}

	// A lone metric not marked subsequent gets an auto subsequent twin
	// that reuses out[0].Alias verbatim: phase filtering (ShouldInclude)
	// guarantees the two never appear in the same phase's select list, so
	// the shared alias never actually collides in rendered SQL. The
	// duplicate-alias check above runs only over user-supplied metrics for
	// this reason -- it must not reject this designed exception.
	if !hasSubsequent {
		if len(out) == 1 {
			out = append(out, Metric{
				Kind:         AggSum,
				Column:       out[0].Alias,
				Alias:        out[0].Alias,
				IsSubsequent: true,
			})
		} else {
			out[len(out)-1].IsSubsequent = true
		}
	}

	return out, nil
}

// aliases returns the list of metric aliases, in declared order.
func aliases(metrics []Metric) []string {
	a := make([]string, len(metrics))
	for i, m := range metrics {
		a[i] = m.Alias
	}
	return a
}

func firstAlias(metrics []Metric) string {
	if len(metrics) == 0 {
		return ""
	}
	return metrics[0].Alias
}

