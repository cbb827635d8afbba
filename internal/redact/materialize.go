// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaskingValue is substituted for a redacted target-dimension value
// under the replace-with-redacted strategy when no masking_value is configured.
const DefaultMaskingValue = "redacted"

// MarkRedactedParams configures the mark-redacted strategy (§6).
type MarkRedactedParams struct {
	RedactedDimension     string
	NonSummableDimensions []string
	FirstOrderOnly        bool
}

// ReplaceWithRedactedParams configures the replace-with-redacted strategy (§6).
type ReplaceWithRedactedParams struct {
	Dimensions            []string // priority list of dimensions to mask, most important first
	MaskingValue          string
	NonSummableDimensions []string
	FirstOrderOnly        bool
}

// Materializer runs the output materializer's two emission strategies (§4.6)
// against a substrate connection.
type Materializer struct {
	DB     DB
	Logger Logger
}

// NewMaterializer returns a Materializer bound to db.
func NewMaterializer(db DB, lg Logger) *Materializer {
	return &Materializer{DB: db, Logger: orNop(lg)}
}

// createTableAs (re)creates table as the result of selectSQL. The substrate
// is plain SQLite, which has no CREATE OR REPLACE TABLE, so this is a drop
// followed by a create rather than one statement.
func createTableAs(ctx context.Context, db DB, lg Logger, dataset, table, selectSQL string) error {
	dropSQL := "drop table if exists " + table
	lg.LogSQL(dropSQL)
	if _, err := db.ExecContext(ctx, dropSQL); err != nil {
		return &SubstrateError{Dataset: dataset, SQLFragment: dropSQL, Err: err}
	}

	createSQL := "create table " + table + " as " + selectSQL
	lg.LogSQL(createSQL)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return &SubstrateError{Dataset: dataset, SQLFragment: createSQL, Err: err}
	}
	return nil
}

// MarkRedacted builds outputTable from resultTable (the initial aggregation)
// annotated with is_redacted/redaction_reason/peer_group/redacted_peers,
// seeded with is_redacted = NOT is_anonymous and the primary-suppression
// reason text, then runs the fixed-point kernel to close every secondary
// suppression path (§4.6).
func (m *Materializer) MarkRedacted(ctx context.Context, ds *Dataset, params MarkRedactedParams, resultTable, outputTable string) error {
	if params.RedactedDimension == "" {
		return &ConfigError{Dataset: ds.Name, Reason: "mark-redacted requires redacted_dimension"}
	}

	dimCols := QuoteIdentList(ds.Dimensions)
	metricCols := QuoteIdentList(aliases(ds.SubsequentMetrics()))

	reasonExpr := fmt.Sprintf(
		"case when not is_anonymous then 'value meets redaction criteria ''%s''' else null end",
		strings.ReplaceAll(ds.Predicate.Expression, "'", "''"),
	)

	selectSQL := fmt.Sprintf(
		`select %s, %s, is_anonymous,
		        not is_anonymous as is_redacted,
		        %s as redaction_reason,
		        null as peer_group,
		        null as redacted_peers
		 from %s`,
		dimCols, metricCols, reasonExpr, resultTable,
	)
	if err := createTableAs(ctx, m.DB, m.Logger, ds.Name, outputTable, selectSQL); err != nil {
		return err
	}

	kernel := NewKernel(m.DB, m.Logger)
	return kernel.Run(ctx, ds, KernelOptions{
		Target:                params.RedactedDimension,
		NonSummableDimensions: params.NonSummableDimensions,
		FirstOrderOnly:        params.FirstOrderOnly,
		OutputTable:           outputTable,
	})
}

// ReplaceWithRedacted runs the single-dimension latency collection pass for
// each dimension in params.Dimensions priority order, accumulates the
// resulting value rewrites as a CASE expression per dimension, and re-runs
// the aggregation planner with those rewrites spliced into the dimension's
// projection so that every masked value is aggregated under the masking
// token instead of emitted individually (§4.6).
//
// Per §9's open question, this mirrors the reference implementation and
// runs only the single-axis peer loop (not the subset-enumerated kernel);
// DESIGN.md records this choice.
func (m *Materializer) ReplaceWithRedacted(ctx context.Context, ds *Dataset, params ReplaceWithRedactedParams, resultTable, outputTable string) error {
	if len(params.Dimensions) == 0 {
		return &ConfigError{Dataset: ds.Name, Reason: "replace-with-redacted requires a non-empty dimensions list"}
	}
	masking := params.MaskingValue
	if masking == "" {
		masking = DefaultMaskingValue
	}

	rewrites := make(map[string]string, len(params.Dimensions))
	source := resultTable

	for _, dim := range params.Dimensions {
		redactions, err := m.collectLatencyRedactions(ctx, ds, dim, source, params.NonSummableDimensions)
		if err != nil {
			return err
		}

		whens := make([]CaseWhen, 0)
		for _, r := range redactions {
			otherCond := make([]string, 0, len(r.OtherDimensionValues))
			for _, d := range ds.NonTargetDimensions(dim) {
				v, ok := r.OtherDimensionValues[d]
				if !ok {
					continue
				}
				otherCond = append(otherCond, QuoteIdent(d)+" = "+literalOf(v))
			}
			for oldValue := range r.RemappedLookup {
				cond := AndAll(append(append([]string{}, otherCond...), QuoteIdent(dim)+" = "+literalOf(oldValue)))
				whens = append(whens, CaseWhen{Cond: cond, Then: QuoteLiteral(masking)})
			}
		}
		if len(whens) > 0 {
			rewrites[dim] = BuildCaseExpression(whens, QuoteIdent(dim))
		}
	}

	sql, err := BuildAggregationSQL(ds.Dimensions, source, ds.SubsequentMetrics(), ds.Predicate, false, rewrites, m.Logger)
	if err != nil {
		return err
	}

	selectSQL := fmt.Sprintf(
		`select *, not is_anonymous as is_redacted,
		        case when not is_anonymous then 'value meets redaction criteria ''%s''' else null end as redaction_reason,
		        null as peer_group, null as redacted_peers
		 from (%s)`,
		strings.ReplaceAll(ds.Predicate.Expression, "'", "''"), sql,
	)
	return createTableAs(ctx, m.DB, m.Logger, ds.Name, outputTable, selectSQL)
}

// collectLatencyRedactions runs the single-axis peer loop for target
// dimension dim: build identify_peers (§4.3), walk peer coordinates in
// PeerOrderColumns order, and within each coordinate walk member rows
// smallest-first, accumulating which target values must be masked together
// so that no subtraction of visible peers from a known total reveals a
// suppressed value (ported from the reference's procedural loop).
func (m *Materializer) collectLatencyRedactions(ctx context.Context, ds *Dataset, dim string, sourceTable string, nonSummable []string) ([]Redaction, error) {
	peerSQL, err := BuildPeerQuery(ds, dim, sourceTable, m.Logger)
	if err != nil {
		return nil, err
	}

	if err := createTableAs(ctx, m.DB, m.Logger, ds.Name, "identify_peers", peerSQL); err != nil {
		return nil, err
	}

	nonTarget := ds.NonTargetDimensions(dim)
	orderSQL := PeerIDOrderSQL(ds, dim)

	listSQL := "select distinct peer_id from identify_peers order by " + orderSQL
	rows, err := m.DB.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, &SubstrateError{Dataset: ds.Name, SQLFragment: listSQL, Err: err}
	}
	var peerIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		peerIDs = append(peerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	threshold := float64(ds.Predicate.Threshold)
	mustAnonymizeNext := false
	var redactions []Redaction

	for _, pid := range peerIDs {
		otherDims, err := m.loadPeerOtherDims(ctx, ds, nonTarget, pid)
		if err != nil {
			return nil, err
		}

		memberRows, err := m.loadPeerMembers(ctx, ds.PrimaryMetricAlias(), pid)
		if err != nil {
			return nil, err
		}

		toMask, reason, next := collectFromPeerRows(memberRows, mustAnonymizeNext, threshold)
		mustAnonymizeNext = next

		if len(toMask) > 0 {
			lookup := make(map[interface{}]string, len(toMask))
			for _, v := range toMask {
				lookup[v] = DefaultMaskingValue
			}
			redactions = append(redactions, Redaction{
				OtherDimensionValues: otherDims,
				RemappedLookup:       lookup,
				Reason:               reason,
			})
		}
		_ = nonSummable // non-summable dimensions do not affect the single-axis loop, which has no subset enumeration to restrict.
	}

	return redactions, nil
}

func (m *Materializer) loadPeerOtherDims(ctx context.Context, ds *Dataset, nonTarget []string, peerID int64) (map[string]interface{}, error) {
	cols := QuoteIdentList(nonTarget)
	q := "select " + cols + " from identify_peers where peer_id = ? limit 1"
	rows, err := m.DB.QueryContext(ctx, q, peerID)
	if err != nil {
		return nil, &SubstrateError{Dataset: ds.Name, SQLFragment: q, Err: err}
	}
	defer rows.Close()

	out := make(map[string]interface{}, len(nonTarget))
	if rows.Next() {
		vals := make([]interface{}, len(nonTarget))
		ptrs := make([]interface{}, len(nonTarget))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, d := range nonTarget {
			out[d] = vals[i]
		}
	}
	return out, rows.Err()
}

type peerCandidate struct {
	targetValue interface{}
	isAnonymous bool
	primary     float64
}

func (m *Materializer) loadPeerMembers(ctx context.Context, primaryAlias string, peerID int64) ([]peerCandidate, error) {
	col := QuoteIdent(primaryAlias)
	q := "select dimension_value, is_anonymous, " + col + " from identify_peers where peer_id = ? order by " + col + " asc"
	rows, err := m.DB.QueryContext(ctx, q, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []peerCandidate
	for rows.Next() {
		var val interface{}
		var isAnon interface{}
		var primary interface{}
		if err := rows.Scan(&val, &isAnon, &primary); err != nil {
			return nil, err
		}
		out = append(out, peerCandidate{targetValue: val, isAnonymous: toBool(isAnon), primary: toFloat(primary)})
	}
	return out, rows.Err()
}

// collectFromPeerRows ports the reference's sequential single-axis decision
// loop: walking a peer group smallest-value-first, decide which target
// values must be masked so that the visible remainder after masking never
// falls below threshold, while never leaving exactly one masked value (the
// two-mask rule, §3/§4.5).
func collectFromPeerRows(rows []peerCandidate, mustAnonymizeNext bool, threshold float64) ([]interface{}, string, bool) {
	var valuesToMask []interface{}
	var meetingCriteria []interface{}
	var seenSum float64

	for i, r := range rows {
		seenSum += r.primary
		workingTotalIsFine := seenSum >= threshold
		firstValueIsGood := i == 0 && r.isAnonymous
		sufficientPriorRedaction := len(valuesToMask) >= 2 && workingTotalIsFine

		if sufficientPriorRedaction {
			mustAnonymizeNext = false
		}

		switch {
		case !mustAnonymizeNext && firstValueIsGood:
			return valuesToMask, reasonFromValues(meetingCriteria), mustAnonymizeNext

		case !r.isAnonymous:
			meetingCriteria = append(meetingCriteria, r.targetValue)
			valuesToMask = append(valuesToMask, r.targetValue)
			mustAnonymizeNext = true

		case mustAnonymizeNext && r.isAnonymous:
			valuesToMask = append(valuesToMask, r.targetValue)
			mustAnonymizeNext = false
			return valuesToMask, reasonFromValues(meetingCriteria), mustAnonymizeNext

		case !sufficientPriorRedaction || mustAnonymizeNext:
			valuesToMask = append(valuesToMask, r.targetValue)
			if len(valuesToMask) >= 2 && (workingTotalIsFine || r.isAnonymous) {
				mustAnonymizeNext = false
			}

		case sufficientPriorRedaction && r.isAnonymous:
			mustAnonymizeNext = false
			return valuesToMask, reasonFromValues(meetingCriteria), mustAnonymizeNext
		}
	}

	return valuesToMask, reasonFromValues(meetingCriteria), mustAnonymizeNext
}

func reasonFromValues(values []interface{}) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			parts[i] = "<null>"
		} else {
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	plural := ""
	verb := "meets"
	if len(values) > 1 {
		plural = "s"
		verb = "meet"
	}
	return fmt.Sprintf("value%s %s %s redaction criteria", plural, strings.Join(parts, ", "), verb)
}

func literalOf(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return QuoteLiteral(t)
	case []byte:
		return QuoteLiteral(string(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}
