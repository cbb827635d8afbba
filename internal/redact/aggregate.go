// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "strings"

// dimensionExpr is one dimension's projection, both as used in SELECT (with
// its alias) and in GROUP BY (without it).
type dimensionExpr struct {
	name  string
	expr  string // raw or CASE-rewritten expression, no alias
	alias string // quoted column alias, same as quoted(name) unless renamed
}

// buildDimensionExprs projects each dimension either as the raw quoted
// column, or -- when rewrites carries a prior replace-with-redacted
// CASE-rewrite for that dimension -- as the rewritten expression (§4.2).
func buildDimensionExprs(dims []string, rewrites map[string]string) []dimensionExpr {
	out := make([]dimensionExpr, len(dims))
	for i, d := range dims {
		expr := QuoteIdent(d)
		if rewrites != nil {
			if rw, ok := rewrites[d]; ok && rw != "" {
				expr = rw
			}
		}
		out[i] = dimensionExpr{name: d, expr: expr, alias: QuoteIdent(d)}
	}
	return out
}

// BuildAggregationSQL produces the SQL for a grouped aggregation annotated
// with the predicate-derived is_anonymous flag (§4.2). It is pure: the same
// inputs always produce the same output string. Used both for the initial
// materialization (phase=initial, against sourceTable) and for
// re-aggregation against the redacted intermediate table.
func BuildAggregationSQL(dims []string, sourceTable string, metrics []Metric, predicate *Predicate, phaseIsInitial bool, dimensionRewrites map[string]string, lg Logger) (string, error) {
	lg = orNop(lg)

	phaseMetrics := filterMetrics(metrics, phaseIsInitial)
	if len(phaseMetrics) == 0 {
		phaseMetrics = metrics
	}

	metricExprs := make([]string, 0, len(phaseMetrics))
	for _, m := range phaseMetrics {
		if !phaseIsInitial && m.Expression == "" && m.Column != "*" {
			// Re-aggregation reads sourceTable's already-aggregated columns,
			// named by alias, not the original source column (§4.1).
			m.Column = m.Alias
		}
		e, err := m.Render(true, lg)
		if err != nil {
			return "", err
		}
		metricExprs = append(metricExprs, e)
	}

	dimExprs := buildDimensionExprs(dims, dimensionRewrites)

	selectCols := make([]string, 0, len(dimExprs)+len(metricExprs))
	groupByCols := make([]string, 0, len(dimExprs))
	for _, d := range dimExprs {
		selectCols = append(selectCols, d.expr+" as "+d.alias)
		groupByCols = append(groupByCols, d.expr)
	}
	selectCols = append(selectCols, metricExprs...)

	var inner strings.Builder
	inner.WriteString("select ")
	inner.WriteString(strings.Join(selectCols, ", "))
	inner.WriteString(" from ")
	inner.WriteString(sourceTable)
	if len(groupByCols) > 0 {
		inner.WriteString(" group by ")
		inner.WriteString(strings.Join(groupByCols, ", "))
	}

	// The predicate is rendered over metric ALIASES (§3), which only exist
	// once the aggregation has run -- a select-list expression cannot refer
	// to a sibling alias from the same list, so is_anonymous is computed in
	// an outer query over the aggregation rather than spliced alongside it.
	var anonExpr string
	if predicate != nil {
		anonExpr = "not " + predicate.Render()
	} else {
		anonExpr = "1=1"
	}

	sql := "select *, " + anonExpr + " as is_anonymous from (" + inner.String() + ")"
	lg.LogSQL(sql)
	return sql, nil
}
