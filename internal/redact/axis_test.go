// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestShouldRedactAlongAxis_PrimarySuppression(t *testing.T) {
	in := AxisInputs{IsAnonymous: false}
	if !ShouldRedactAlongAxis(in) {
		t.Error("a non-anonymous row must always be redacted")
	}
}

func TestShouldRedactAlongAxis_FirstRowNoPressure(t *testing.T) {
	in := AxisInputs{IsAnonymous: true, PreviousCellRedacted: nil}
	if ShouldRedactAlongAxis(in) {
		t.Error("first row in a partition has nothing yet to hide")
	}
}

func TestShouldRedactAlongAxis_PreviousNotRedactedNoPressure(t *testing.T) {
	in := AxisInputs{IsAnonymous: true, PreviousCellRedacted: boolPtr(false)}
	if ShouldRedactAlongAxis(in) {
		t.Error("no latency pressure when the previous cell was not redacted")
	}
}

func TestShouldRedactAlongAxis_UnsafeRemainderForcesRedaction(t *testing.T) {
	in := AxisInputs{
		IsAnonymous:          true,
		PreviousCellRedacted: boolPtr(true),
		RunSumByAxis:         5,
		Incidence:            5,
		MinimumThreshold:     11,
	}
	if !ShouldRedactAlongAxis(in) {
		t.Error("remainder below threshold must redact to keep subtraction unsafe")
	}
}

func TestShouldRedactAlongAxis_SafeRemainderStopsAtTwo(t *testing.T) {
	in := AxisInputs{
		IsAnonymous:          true,
		PreviousCellRedacted: boolPtr(true),
		RunSumByAxis:         20,
		Incidence:            3,
		MinimumThreshold:     11,
		MaskedValueCount:     2,
	}
	if ShouldRedactAlongAxis(in) {
		t.Error("safe remainder with two already redacted should not redact a third")
	}
}

func TestShouldRedactAlongAxis_SafeRemainderBelowTwoStillRedacts(t *testing.T) {
	in := AxisInputs{
		IsAnonymous:          true,
		PreviousCellRedacted: boolPtr(true),
		RunSumByAxis:         20,
		Incidence:            3,
		MinimumThreshold:     11,
		MaskedValueCount:     1,
	}
	if !ShouldRedactAlongAxis(in) {
		t.Error("two-redaction minimum requires redacting the second cell even when remainder is safe")
	}
}

func TestShouldRedactAlongAxis_FirstOrderOnlyRequiresImmediatePredecessor(t *testing.T) {
	in := AxisInputs{
		IsAnonymous:             true,
		PreviousCellRedacted:    boolPtr(true),
		PreviousCellIsAnonymous: boolPtr(true),
		RunSumByAxis:            20,
		Incidence:               3,
		MinimumThreshold:        11,
		MaskedValueCount:        1,
		FirstOrderOnly:          true,
	}
	if ShouldRedactAlongAxis(in) {
		t.Error("first_order_only must not redact when the immediately previous cell was itself anonymous")
	}

	in.PreviousCellIsAnonymous = boolPtr(false)
	if !ShouldRedactAlongAxis(in) {
		t.Error("first_order_only should redact once the immediately previous cell was non-anonymous")
	}
}

func TestSubsetsContaining(t *testing.T) {
	subsets := subsetsContaining([]string{"month", "county"}, "race")

	if len(subsets) != 4 {
		t.Fatalf("expected 4 subsets over 2 other dims, got %d", len(subsets))
	}
	if len(subsets[0]) != 3 {
		t.Errorf("largest subset should come first, got len %d", len(subsets[0]))
	}
	for _, s := range subsets {
		found := false
		for _, d := range s {
			if d == "race" {
				found = true
			}
		}
		if !found {
			t.Errorf("subset %v does not contain target", s)
		}
	}
}

func TestSubsetsContaining_NoOtherDims(t *testing.T) {
	subsets := subsetsContaining([]string{}, "race")
	if len(subsets) != 1 || len(subsets[0]) != 1 || subsets[0][0] != "race" {
		t.Errorf("expected exactly [[race]], got %v", subsets)
	}
}
