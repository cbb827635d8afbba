// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// TestReplaceWithRedacted_MergesSmallCellWithPeer runs the
// replace-with-redacted strategy end to end against a real substrate
// connection. A single peer coordinate (one zip) holds a small cell (3)
// next to a peer (20); the single-axis loop must mask both target values
// together, and the re-aggregation must then merge them into one row under
// the masking token rather than leaving either emitted individually.
func TestReplaceWithRedacted_MergesSmallCellWithPeer(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	exec(t, ctx, db, `create table raw_rows (sex text, zip text, n integer)`)
	rows := []struct {
		sex, zip string
		n        int
	}{
		{"F", "Z1", 3},
		{"M", "Z1", 20},
	}
	for _, r := range rows {
		exec(t, ctx, db, `insert into raw_rows (sex, zip, n) values (?, ?, ?)`, r.sex, r.zip, r.n)
	}

	metrics := []Metric{{Kind: AggSum, Column: "n", Alias: "count", IsInitial: true, IsSubsequent: true}}
	ds, err := NewDataset("library", []string{"sex", "zip"}, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}

	aggSQL, err := BuildAggregationSQL(ds.Dimensions, "raw_rows", ds.InitialMetrics(), ds.Predicate, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec(t, ctx, db, "create table initial_library as "+aggSQL)

	mat := NewMaterializer(db, nil)
	params := ReplaceWithRedactedParams{Dimensions: []string{"sex"}}
	if err := mat.ReplaceWithRedacted(ctx, ds, params, "initial_library", "output_library"); err != nil {
		t.Fatalf("ReplaceWithRedacted: %v", err)
	}

	type row struct {
		sex, zip string
		count    int
	}
	var got []row
	qrows, err := db.QueryContext(ctx, `select sex, zip, count from output_library order by sex`)
	if err != nil {
		t.Fatal(err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var r row
		if err := qrows.Scan(&r.sex, &r.zip, &r.count); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}
	if err := qrows.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("expected the small cell and its peer to merge into one row, got %+v", got)
	}
	if got[0].sex != DefaultMaskingValue {
		t.Errorf("expected sex to be replaced with %q, got %q", DefaultMaskingValue, got[0].sex)
	}
	if got[0].count != 23 {
		t.Errorf("expected the merged row to sum both peers' counts (23), got %d", got[0].count)
	}
}
