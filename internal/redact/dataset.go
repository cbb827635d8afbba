// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "fmt"

// Dataset is the immutable description of one aggregation run (§3, §9
// REDESIGN FLAGS: "reimplement the mutable setter-driven active dataset as
// an immutable DatasetRun value passed through pure functions"). NewDataset
// builds the validated core, the caller fills in the optional fields
// (source, output, ordering, strategies) before the run, and the pipeline
// does not mutate it afterward; a multi-dataset pipeline constructs the
// next Dataset value rather than mutating this one.
type Dataset struct {
	Name                     string
	Dimensions               []string
	UnitLevelID              string
	Metrics                  []Metric
	SQL                      string // optional substrate view definition (a join, for example)
	SourceFile               string
	OutputFile               string
	RedactionOrderDimensions []string
	Strategies               []StrategyConfig
	Predicate                *Predicate
}

// NewDataset validates and normalizes a dataset definition per §3's
// invariants: every dimension list is non-empty, metric aliases are
// assigned/validated, and at least one initial and one subsequent metric
// exists.
func NewDataset(name string, dims []string, metrics []Metric, predicate *Predicate) (*Dataset, error) {
	if name == "" {
		return nil, &ConfigError{Dataset: name, Reason: "dataset name is empty"}
	}
	if len(dims) == 0 {
		return nil, &ConfigError{Dataset: name, Reason: "dataset must declare at least one dimension"}
	}

	norm, err := normalizeMetrics(metrics)
	if err != nil {
		return nil, &ConfigError{Dataset: name, Reason: err.Error()}
	}

	ds := &Dataset{
		Name:       name,
		Dimensions: dims,
		Metrics:    norm,
		Predicate:  predicate,
	}

	if ds.Predicate == nil {
		ds.Predicate = NewPredicate("", DefaultThreshold, firstAlias(norm), true, aliases(norm))
	}
	if err := ds.Predicate.Validate(aliases(norm)); err != nil {
		return nil, &ConfigError{Dataset: name, Reason: err.Error()}
	}

	return ds, nil
}

// InitialMetrics returns the metrics evaluated against raw source rows.
func (d *Dataset) InitialMetrics() []Metric {
	return filterMetrics(d.Metrics, true)
}

// SubsequentMetrics returns the metrics evaluated against the already
// aggregated cell table.
func (d *Dataset) SubsequentMetrics() []Metric {
	return filterMetrics(d.Metrics, false)
}

func filterMetrics(metrics []Metric, phaseIsInitial bool) []Metric {
	out := make([]Metric, 0, len(metrics))
	for _, m := range metrics {
		if m.ShouldInclude(phaseIsInitial) {
			out = append(out, m)
		}
	}
	return out
}

// PrimaryMetricAlias is the first subsequent-phase metric, whose sum drives
// suppression decisions: axis totals and the remainder check in
// should_redact_along_axis (§4.4, §4.5). The default redaction predicate is
// built separately, from the first declared metric's alias.
func (d *Dataset) PrimaryMetricAlias() string {
	return firstAlias(d.SubsequentMetrics())
}

// NonTargetDimensions returns the dataset's dimensions excluding target.
func (d *Dataset) NonTargetDimensions(target string) []string {
	out := make([]string, 0, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		if dim != target {
			out = append(out, dim)
		}
	}
	return out
}

// HasDimension reports whether name is one of the dataset's dimensions.
func (d *Dataset) HasDimension(name string) bool {
	for _, dim := range d.Dimensions {
		if dim == name {
			return true
		}
	}
	return false
}

func (d *Dataset) String() string {
	return fmt.Sprintf("dataset(%s, dims=%v)", d.Name, d.Dimensions)
}
