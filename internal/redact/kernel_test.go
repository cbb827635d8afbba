// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// TestMarkRedacted_LibrarySmallCell mirrors the §8 "library small-cell"
// scenario: a target dimension value whose own count (3) is well below
// threshold sits next to a peer (20) in the same zip. Primary suppression
// redacts the 3 outright; the kernel's latency pass must then also redact
// its neighbor so the peer coordinate never leaves exactly one cell masked.
// A second zip, with no small cell, should come out of the kernel
// completely unredacted.
func TestMarkRedacted_LibrarySmallCell(t *testing.T) {
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
		{"F", "Z2", 30},
		{"M", "Z2", 40},
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
	if err := mat.MarkRedacted(ctx, ds, MarkRedactedParams{RedactedDimension: "sex"}, "initial_library", "output_library"); err != nil {
		t.Fatalf("MarkRedacted: %v", err)
	}

	type cell struct {
		sex, zip      string
		count         int
		isAnonymous   bool
		isRedacted    bool
	}
	var cells []cell
	qrows, err := db.QueryContext(ctx, `select sex, zip, count, is_anonymous, is_redacted from output_library order by zip, sex`)
	if err != nil {
		t.Fatal(err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var c cell
		if err := qrows.Scan(&c.sex, &c.zip, &c.count, &c.isAnonymous, &c.isRedacted); err != nil {
			t.Fatal(err)
		}
		cells = append(cells, c)
	}
	if err := qrows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(cells) != 4 {
		t.Fatalf("expected 4 cells, got %d: %+v", len(cells), cells)
	}

	nonAnonymous, redacted := 0, 0
	var z1Redacted, z2Redacted int
	for _, c := range cells {
		if !c.isAnonymous {
			nonAnonymous++
		}
		if c.isRedacted {
			redacted++
			if c.zip == "Z1" {
				z1Redacted++
			} else {
				z2Redacted++
			}
		}
	}

	if nonAnonymous != 1 {
		t.Errorf("expected exactly one is_anonymous=false cell, got %d: %+v", nonAnonymous, cells)
	}
	if z1Redacted != 2 {
		t.Errorf("expected exactly two is_redacted cells in the Z1 peer coordinate, got %d: %+v", z1Redacted, cells)
	}
	if z2Redacted != 0 {
		t.Errorf("expected the Z2 peer coordinate to need no redaction, got %d: %+v", z2Redacted, cells)
	}
}

func exec(t *testing.T, ctx context.Context, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
