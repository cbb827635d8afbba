// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

// AxisInputs are the windowed quantities computed per row by the redaction
// context view for one (subset, partition) pair (§4.4 step 1.a).
type AxisInputs struct {
	Incidence               float64 // primary metric of this row
	MaskedValueCount        int     // running count of is_redacted=true rows so far in the partition
	MinimumThreshold        float64
	IsAnonymous             bool
	PreviousCellRedacted    *bool // nil if this is the first row in the partition
	PreviousCellIsAnonymous *bool
	RunSumByAxis            float64 // running sum of the primary metric across the partition, in order
	FirstOrderOnly          bool
}

// ShouldRedactAlongAxis is the per-axis scalar decision described in §4.5.
// It is a pure function; the kernel calls it in Go on every scanned row of
// the redaction context view. internal/substrate registers a separate
// SQL-callable copy of the same rules (redactUDF), which the tests in this
// package do not cover.
//
// Rules, evaluated in order:
//  1. a non-anonymous row is always redacted (primary suppression)
//  2. if the previous row in the partition was not redacted, there is no
//     latency pressure on this row -- do not redact
//  3. if there is no previous row (this is the first row in the partition),
//     there is nothing yet to hide -- do not redact
//  4. otherwise the previous row was redacted:
//     a. remainder = run_sum_by_axis - incidence
//     b. if remainder >= minimum_threshold: redact only if we do not yet
//        have two redactions along this axis (first_order_only narrows this
//        further to also require the immediately previous cell to have been
//        itself non-anonymous)
//     c. if remainder < minimum_threshold: redact -- subtraction would not
//        yet yield a safe residual
func ShouldRedactAlongAxis(in AxisInputs) bool {
	if !in.IsAnonymous {
		return true
	}

	if in.PreviousCellRedacted == nil {
		return false
	}
	if !*in.PreviousCellRedacted {
		return false
	}

	remainder := in.RunSumByAxis - in.Incidence

	if remainder >= in.MinimumThreshold {
		if in.FirstOrderOnly {
			prevNonAnonymous := in.PreviousCellIsAnonymous != nil && !*in.PreviousCellIsAnonymous
			return prevNonAnonymous && in.MaskedValueCount < 2
		}
		return in.MaskedValueCount < 2
	}

	// remainder < minimum_threshold: subtraction would not yet be safe.
	return true
}

// subsetsContaining enumerates every non-empty subset of dims that contains
// target, sorted by descending cardinality (§4.4 step 1, §3 invariant: "for
// every peer coordinate over every non-empty subset S of the active
// dimensions that contains the target D"). The full dimension set comes
// first so coarser axes are satisfied before finer ones re-check (§4.4
// ordering guarantees).
func subsetsContaining(dims []string, target string) [][]string {
	others := make([]string, 0, len(dims))
	for _, d := range dims {
		if d != target {
			others = append(others, d)
		}
	}

	var subsets [][]string
	n := len(others)
	for mask := 0; mask < (1 << uint(n)); mask++ {
		s := []string{target}
		for i := 0; i < n; i++ {
			if mask&(1<<uint(i)) != 0 {
				s = append(s, others[i])
			}
		}
		subsets = append(subsets, s)
	}

	// sort by descending length, stable so subsets of equal size keep the
	// order they were generated in (deterministic across runs, §8 property 5).
	for i := 1; i < len(subsets); i++ {
		for j := i; j > 0 && len(subsets[j]) > len(subsets[j-1]); j-- {
			subsets[j], subsets[j-1] = subsets[j-1], subsets[j]
		}
	}
	return subsets
}
