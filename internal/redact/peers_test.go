// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "testing"

func peerTestDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := NewDataset("library", []string{"sex", "age", "zip"},
		[]Metric{{Kind: AggSum, Column: "count", Alias: "count", IsInitial: true, IsSubsequent: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func TestBuildPeerQuery_RequiresNonTargetDimension(t *testing.T) {
	ds, err := NewDataset("single", []string{"sex"},
		[]Metric{{Kind: AggSum, Column: "count", Alias: "count", IsInitial: true, IsSubsequent: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BuildPeerQuery(ds, "sex", "initial_single", nil); err == nil {
		t.Error("expected an error when the target is the only dimension")
	}
}

func TestBuildPeerQuery_GroupsByNonTargetDims(t *testing.T) {
	ds := peerTestDataset(t)
	sql, err := BuildPeerQuery(ds, "sex", "initial_library", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(sql, `group by "age", "zip", "sex"`) {
		t.Errorf("expected re-aggregation grouped by non-target dims then target, got %s", sql)
	}
	if !contains(sql, `dense_rank() over (order by "age", "zip")`) {
		t.Errorf("expected peer_id as a dense_rank over the non-target dims, got %s", sql)
	}
}

func TestPeerOrderColumns_Default(t *testing.T) {
	ds := peerTestDataset(t)
	cols := PeerOrderColumns(ds, "sex")
	want := []string{"is_anonymous", `"count"`, "peer_id"}
	if len(cols) != len(want) {
		t.Fatalf("got %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("got %v, want %v", cols, want)
		}
	}
}

func TestPeerOrderColumns_RedactionOrderDimensionsPrepended(t *testing.T) {
	ds := peerTestDataset(t)
	ds.RedactionOrderDimensions = []string{"zip", "sex", "age"}
	cols := PeerOrderColumns(ds, "sex")
	want := []string{`"zip"`, `"age"`, "is_anonymous", `"count"`, "peer_id"}
	if len(cols) != len(want) {
		t.Fatalf("got %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("got %v, want %v", cols, want)
		}
	}
}
