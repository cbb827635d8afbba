// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"context"
	"errors"
)

// StrategyKind names one of the output emission strategies a dataset can
// run through (§6). Only mark-redacted and replace-with-redacted are
// implemented; the rest are recognized configuration values reserved for a
// future materializer (§4.6, §9 Non-goals).
type StrategyKind string

const (
	StrategyMarkRedacted        StrategyKind = "mark-redacted"
	StrategyReplaceWithRedacted StrategyKind = "replace-with-redacted"
	StrategyMergeDimensionValues StrategyKind = "merge-dimension-values"
	StrategyReduceDimensions    StrategyKind = "reduce-dimensions"
	StrategyFabricateUnitRecords StrategyKind = "fabricate-unit-records"
)

// StrategyConfig is one entry of a dataset's strategy chain (§6): a tagged
// union discriminated on Kind, carrying only the parameters that kind uses.
// A dataset runs its strategies in declared order, each one materializing
// into the table RunStrategies' outputTableFor names for its index and
// becoming the next strategy's source.
type StrategyConfig struct {
	Kind StrategyKind

	MarkRedacted        *MarkRedactedParams
	ReplaceWithRedacted *ReplaceWithRedactedParams
}

// Validate reports whether this strategy config is runnable: its Kind is
// known and it carries the matching parameters struct (§7 error taxonomy:
// an unimplemented-but-recognized Kind is a distinct error from a typo).
func (s StrategyConfig) Validate(dataset string) error {
	switch s.Kind {
	case StrategyMarkRedacted:
		if s.MarkRedacted == nil {
			return &ConfigError{Dataset: dataset, Reason: "mark-redacted strategy missing its parameters"}
		}
		return nil
	case StrategyReplaceWithRedacted:
		if s.ReplaceWithRedacted == nil {
			return &ConfigError{Dataset: dataset, Reason: "replace-with-redacted strategy missing its parameters"}
		}
		return nil
	case StrategyMergeDimensionValues, StrategyReduceDimensions, StrategyFabricateUnitRecords:
		return &UnimplementedStrategyError{Dataset: dataset, Strategy: string(s.Kind)}
	default:
		return &ConfigError{Dataset: dataset, Reason: "unknown strategy kind " + string(s.Kind)}
	}
}

// RunStrategies executes ds.Strategies in order against m, chaining each
// strategy's OutputTable into the next strategy's source table, and
// returning the name of the final materialized table (§4.7, §6).
func RunStrategies(ctx context.Context, m *Materializer, ds *Dataset, sourceTable string, outputTableFor func(int) string) (string, error) {
	current := sourceTable
	for i, strat := range ds.Strategies {
		if err := strat.Validate(ds.Name); err != nil {
			return "", err
		}

		out := outputTableFor(i)
		var err error
		switch strat.Kind {
		case StrategyMarkRedacted:
			err = m.MarkRedacted(ctx, ds, *strat.MarkRedacted, current, out)
		case StrategyReplaceWithRedacted:
			err = m.ReplaceWithRedacted(ctx, ds, *strat.ReplaceWithRedacted, current, out)
		}
		if err != nil {
			var se *SubstrateError
			if errors.As(err, &se) {
				se.StrategyIdx = i
			}
			return "", err
		}
		current = out
	}
	return current, nil
}
