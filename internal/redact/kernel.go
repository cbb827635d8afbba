// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DB is the minimal substrate surface the kernel needs: parameterized query
// and exec, the way *sql.DB already behaves. Kept as an interface here (and
// not the concrete internal/substrate.Catalog) so the core package never
// depends on the substrate package -- only on database/sql, the contract
// §6 describes.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// KernelOptions configures one run of the fixed-point loop against a single
// target dimension (§4.4).
type KernelOptions struct {
	Target                string
	NonSummableDimensions []string
	FirstOrderOnly        bool
	OutputTable           string
}

// Kernel runs the suppression fixed-point loop described in §4.4.
type Kernel struct {
	DB     DB
	Logger Logger
}

// NewKernel returns a Kernel bound to db, logging through lg (nil is fine).
func NewKernel(db DB, lg Logger) *Kernel {
	return &Kernel{DB: db, Logger: orNop(lg)}
}

// Run drives the fixed-point loop to completion: it enumerates every
// non-empty subset of the dataset's dimensions that contains the target,
// largest first, and for each repeatedly evaluates and applies
// should_redact_along_axis until no row in that subset's partitioning
// qualifies, before moving to smaller subsets. A full outer pass with zero
// changes across every subset means the fixed point has been reached.
func (k *Kernel) Run(ctx context.Context, ds *Dataset, opts KernelOptions) error {
	if !ds.HasDimension(opts.Target) {
		return &ConfigError{Dataset: ds.Name, Reason: fmt.Sprintf("redacted_dimension %q is not one of the dataset's dimensions", opts.Target)}
	}
	if opts.OutputTable == "" {
		return &ConfigError{Dataset: ds.Name, Reason: "kernel requires an output table name"}
	}

	summable := make([]string, 0, len(ds.Dimensions))
	nonSummable := make(map[string]bool, len(opts.NonSummableDimensions))
	for _, d := range opts.NonSummableDimensions {
		nonSummable[d] = true
	}
	for _, d := range ds.Dimensions {
		if d != opts.Target && !nonSummable[d] {
			summable = append(summable, d)
		}
	}

	subsets := subsetsContaining(append([]string{}, summable...), opts.Target)

	rowCount, err := k.countRows(ctx, opts.OutputTable)
	if err != nil {
		return &SubstrateError{Dataset: ds.Name, Err: err, SQLFragment: "select count(*) from " + opts.OutputTable}
	}
	iterCap := rowCount * (len(subsets) + 1)
	if iterCap <= 0 {
		iterCap = 1
	}

	iterations := 0
	for {
		anyChanged := false
		for _, s := range subsets {
			g := append(append([]string{}, dropTarget(s, opts.Target)...), opts.NonSummableDimensions...)

			for {
				iterations++
				if iterations > iterCap {
					last, _ := k.evaluateAxis(ctx, ds, opts, g)
					return &DivergenceError{Dataset: ds.Name, Axis: strings.Join(g, ","), Iterations: iterations, LastToRedact: last}
				}

				candidates, err := k.evaluateAxis(ctx, ds, opts, g)
				if err != nil {
					return err
				}
				if len(candidates) == 0 {
					break
				}
				if err := k.apply(ctx, ds, opts, g, candidates); err != nil {
					return err
				}
				anyChanged = true
			}
		}
		if !anyChanged {
			break
		}
	}

	return nil
}

func dropTarget(s []string, target string) []string {
	out := make([]string, 0, len(s))
	for _, d := range s {
		if d != target {
			out = append(out, d)
		}
	}
	return out
}

func (k *Kernel) countRows(ctx context.Context, table string) (int, error) {
	rows, err := k.DB.QueryContext(ctx, "select count(*) from "+table)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// evaluateAxis builds and runs the redaction context view for one
// (subset, partition-key) pair and returns the rows should_redact_along_axis
// flags as needing redaction and that are not already redacted.
func (k *Kernel) evaluateAxis(ctx context.Context, ds *Dataset, opts KernelOptions, g []string) ([]RedactionCandidate, error) {
	query, dimCols := k.buildAxisQuery(ds, opts, g)
	k.Logger.LogSQL(query)

	rows, err := k.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, &SubstrateError{Dataset: ds.Name, SQLFragment: query, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []RedactionCandidate
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}

		dimValues := make(map[string]interface{}, len(dimCols))
		for _, d := range dimCols {
			dimValues[d] = rec[d]
		}

		ax := AxisInputs{
			Incidence:        toFloat(rec["incidence"]),
			MaskedValueCount: int(toFloat(rec["masked_value_count"])),
			MinimumThreshold: float64(ds.Predicate.Threshold),
			IsAnonymous:      toBool(rec["is_anonymous"]),
			RunSumByAxis:     toFloat(rec["run_sum_by_axis"]),
			FirstOrderOnly:   opts.FirstOrderOnly,
		}
		if rec["previous_cell_redacted"] != nil {
			b := toBool(rec["previous_cell_redacted"])
			ax.PreviousCellRedacted = &b
		}
		if rec["previous_cell_is_anonymous"] != nil {
			b := toBool(rec["previous_cell_is_anonymous"])
			ax.PreviousCellIsAnonymous = &b
		}

		alreadyRedacted := toBool(rec["is_redacted"])
		if alreadyRedacted {
			continue
		}

		if ShouldRedactAlongAxis(ax) {
			other := make(map[string]interface{}, len(g))
			for _, d := range g {
				other[d] = rec[d]
			}
			out = append(out, RedactionCandidate{
				RowKey:         rowKeyOf(dimValues, ds.Dimensions),
				TargetValue:    rec[opts.Target],
				OtherDimValues: other,
				Reason:         reasonFor(ax, ds),
			})
		}
	}
	return out, rows.Err()
}

func reasonFor(ax AxisInputs, ds *Dataset) string {
	if !ax.IsAnonymous {
		return fmt.Sprintf("value meets redaction criteria '%s'", ds.Predicate.Expression)
	}
	return "value would latently reveal a suppressed peer through subtraction"
}

// buildAxisQuery renders the redaction context view for one subset: a
// window over the output table partitioned by g (holding those dimensions
// constant) and ordered per §4.4's ordering guarantees.
func (k *Kernel) buildAxisQuery(ds *Dataset, opts KernelOptions, g []string) (string, []string) {
	dimCols := append([]string{}, ds.Dimensions...)

	orderCols := make([]string, 0, len(ds.RedactionOrderDimensions)+3)
	gSet := make(map[string]bool, len(g))
	for _, d := range g {
		gSet[d] = true
	}
	for _, d := range ds.RedactionOrderDimensions {
		if gSet[d] {
			orderCols = append(orderCols, QuoteIdent(d))
		}
	}
	orderCols = append(orderCols, "is_redacted desc", QuoteIdent(opts.Target)+" asc nulls last", QuoteIdent(ds.PrimaryMetricAlias())+" asc")

	var partitionClause string
	if len(g) > 0 {
		partitionClause = "partition by " + QuoteIdentList(g) + " "
	}
	over := "over (" + partitionClause + "order by " + strings.Join(orderCols, ", ") + ")"

	selectCols := make([]string, 0, len(dimCols)+8)
	for _, d := range dimCols {
		selectCols = append(selectCols, QuoteIdent(d))
	}
	selectCols = append(selectCols,
		"is_anonymous",
		"is_redacted",
		QuoteIdent(ds.PrimaryMetricAlias())+" as incidence",
		"sum("+QuoteIdent(ds.PrimaryMetricAlias())+") "+over+" as run_sum_by_axis",
		"sum(case when is_redacted then 1 else 0 end) "+over+" as masked_value_count",
		"lag(is_redacted) "+over+" as previous_cell_redacted",
		"lag(is_anonymous) "+over+" as previous_cell_is_anonymous",
	)

	query := "select " + strings.Join(selectCols, ", ") + " from " + opts.OutputTable
	return query, dimCols
}

// apply persists one batch of candidates as redactions: each row's
// is_redacted flag is set, its reason appended, and peer_group/redacted_peers
// recomputed for the partition it belongs to.
func (k *Kernel) apply(ctx context.Context, ds *Dataset, opts KernelOptions, g []string, candidates []RedactionCandidate) error {
	byGroup := groupByOtherDims(candidates)

	for _, group := range byGroup {
		peers, err := k.loadPeerGroup(ctx, ds, opts, g, group[0].OtherDimValues)
		if err != nil {
			return err
		}
		redactedPeers := make([]RedactedPeer, 0, len(group))
		for _, c := range group {
			redactedPeers = append(redactedPeers, RedactedPeer{TargetValue: c.TargetValue})
		}
		peerJSON, err := PeerGroupJSON(peers)
		if err != nil {
			return err
		}
		redactedJSON, err := RedactedPeersJSON(redactedPeers)
		if err != nil {
			return err
		}

		for _, c := range group {
			where, args := whereForDimTuple(ds.Dimensions, c.OtherDimValues, opts.Target, c.TargetValue)
			query := fmt.Sprintf(
				`update %s set is_redacted = 1,
				   redaction_reason = case when redaction_reason is null or redaction_reason = '' then ? else redaction_reason || '; ' || ? end,
				   peer_group = ?,
				   redacted_peers = ?
				 where %s`,
				opts.OutputTable, where,
			)
			args = append([]interface{}{c.Reason, c.Reason, peerJSON, redactedJSON}, args...)

			k.Logger.LogSQL(query)
			if _, err := k.DB.ExecContext(ctx, query, args...); err != nil {
				return &SubstrateError{Dataset: ds.Name, SQLFragment: query, Err: err}
			}
		}
	}
	return nil
}

// loadPeerGroup re-reads the current state of the partition named by
// otherDims (the g-valued coordinate) so the recorded peer_group annotation
// reflects the output table's state at the moment of this redaction.
func (k *Kernel) loadPeerGroup(ctx context.Context, ds *Dataset, opts KernelOptions, g []string, otherDims map[string]interface{}) (PeerGroup, error) {
	selectCols := []string{QuoteIdent(opts.Target)}
	for _, m := range ds.SubsequentMetrics() {
		selectCols = append(selectCols, QuoteIdent(m.Alias))
	}
	where, args := whereForDims(g, otherDims)

	query := "select " + strings.Join(selectCols, ", ") + " from " + opts.OutputTable
	if where != "" {
		query += " where " + where
	}

	rows, err := k.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return PeerGroup{}, &SubstrateError{Dataset: ds.Name, SQLFragment: query, Err: err}
	}
	defer rows.Close()

	metrics := ds.SubsequentMetrics()
	members := make([]PeerMember, 0, 8)
	for rows.Next() {
		vals := make([]interface{}, len(metrics)+1)
		ptrs := make([]interface{}, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return PeerGroup{}, err
		}
		m := make(map[string]interface{}, len(metrics))
		for i, metric := range metrics {
			m[metric.Alias] = vals[i+1]
		}
		members = append(members, PeerMember{TargetValue: vals[0], Metrics: m})
	}

	return PeerGroup{OtherDimensionValues: otherDims, Members: members}, rows.Err()
}

func groupByOtherDims(candidates []RedactionCandidate) [][]RedactionCandidate {
	order := make([]string, 0)
	groups := make(map[string][]RedactionCandidate)
	for _, c := range candidates {
		key := fmt.Sprintf("%v", c.OtherDimValues)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}
	out := make([][]RedactionCandidate, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

func whereForDims(dims []string, values map[string]interface{}) (string, []interface{}) {
	if len(dims) == 0 {
		return "", nil
	}
	conds := make([]string, len(dims))
	args := make([]interface{}, len(dims))
	for i, d := range dims {
		conds[i] = QuoteIdent(d) + " = ?"
		args[i] = values[d]
	}
	return strings.Join(conds, " and "), args
}

func whereForDimTuple(allDims []string, otherDims map[string]interface{}, target string, targetValue interface{}) (string, []interface{}) {
	conds := make([]string, 0, len(allDims))
	args := make([]interface{}, 0, len(allDims))
	for _, d := range allDims {
		conds = append(conds, QuoteIdent(d)+" = ?")
		if d == target {
			args = append(args, targetValue)
		} else {
			args = append(args, otherDims[d])
		}
	}
	return strings.Join(conds, " and "), args
}

func rowKeyOf(dimValues map[string]interface{}, dims []string) RowKey {
	var b strings.Builder
	for _, d := range dims {
		fmt.Fprintf(&b, "%s=%v|", d, dimValues[d])
	}
	return RowKey(b.String())
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case []byte:
		var f float64
		fmt.Sscanf(string(t), "%g", &f)
		return f
	default:
		return 0
	}
}

func toBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []byte:
		return string(t) == "1" || strings.EqualFold(string(t), "true")
	default:
		return false
	}
}
