// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "strings"

// BuildPeerQuery builds the auxiliary identify_peers relation for target
// dimension D (§4.3): one row per (non-target dimension values, D value)
// coordinate, re-aggregated from sourceTable because a prior iteration may
// already have rewritten values and reduced cardinality. peer_id is a
// dense_rank over the non-target dimensions, giving a stable integer key per
// peer coordinate.
func BuildPeerQuery(dataset *Dataset, target string, sourceTable string, lg Logger) (string, error) {
	lg = orNop(lg)

	nonTarget := dataset.NonTargetDimensions(target)
	if len(nonTarget) == 0 {
		return "", &ConfigError{Dataset: dataset.Name, Reason: "peer builder requires at least one non-target dimension"}
	}

	nonTargetAliases := make([]string, len(nonTarget))
	nonTargetGroupBy := make([]string, len(nonTarget))
	nonTargetSelect := make([]string, len(nonTarget))
	for i, d := range nonTarget {
		q := QuoteIdent(d)
		nonTargetAliases[i] = q
		nonTargetGroupBy[i] = q
		nonTargetSelect[i] = q
	}

	metrics := dataset.SubsequentMetrics()
	metricSums := make([]string, len(metrics))
	metricSort := make([]string, len(metrics))
	for i, m := range metrics {
		metricSums[i] = "sum(" + QuoteIdent(m.Alias) + ") as " + QuoteIdent(m.Alias)
		metricSort[i] = QuoteIdent(m.Alias)
	}

	reAgg := "select " + strings.Join(nonTargetSelect, ", ") + ", " +
		QuoteIdent(target) + " as dimension_value, " +
		strings.Join(metricSums, ", ") + ", " +
		"(count(*) filter (where not is_anonymous) = 0) as is_anonymous" +
		" from " + sourceTable +
		" group by " + strings.Join(nonTargetGroupBy, ", ") + ", " + QuoteIdent(target)

	sql := "with re_agg as (" + reAgg + ") " +
		"select dense_rank() over (order by " + strings.Join(nonTargetAliases, ", ") + ") as peer_id, * " +
		"from re_agg " +
		"order by peer_id, " + strings.Join(metricSort, ", ")

	lg.LogSQL(sql)
	return sql, nil
}

// PeerOrderColumns returns the ORDER BY column list for the outer loop over
// peer coordinates: smallest/least-anonymous peers first, unless the
// dataset names redaction_order_dimensions, in which case those (intersected
// with the non-target dimensions) are prepended for semantic ordering, ie.
// by time then geography (§4.3).
func PeerOrderColumns(dataset *Dataset, target string) []string {
	nonTarget := dataset.NonTargetDimensions(target)
	nonTargetSet := make(map[string]bool, len(nonTarget))
	for _, d := range nonTarget {
		nonTargetSet[d] = true
	}

	cols := make([]string, 0, len(dataset.RedactionOrderDimensions)+3)
	for _, d := range dataset.RedactionOrderDimensions {
		if nonTargetSet[d] {
			cols = append(cols, QuoteIdent(d))
		}
	}

	cols = append(cols, "is_anonymous")
	for _, m := range dataset.SubsequentMetrics() {
		cols = append(cols, QuoteIdent(m.Alias))
	}
	cols = append(cols, "peer_id")
	return cols
}

// PeerIDOrderSQL renders PeerOrderColumns as an ORDER BY clause.
func PeerIDOrderSQL(dataset *Dataset, target string) string {
	return strings.Join(PeerOrderColumns(dataset, target), ", ")
}
