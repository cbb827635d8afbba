// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package datasource

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestTranscodingReader_PassesThroughUTF8(t *testing.T) {
	r := strings.NewReader("hello")
	out, err := transcodingReader(r, "")
	if err != nil {
		t.Fatal(err)
	}
	if out != r {
		t.Fatal("expected empty encoding name to return the reader unchanged")
	}

	out, err = transcodingReader(r, "utf-8")
	if err != nil {
		t.Fatal(err)
	}
	if out != r {
		t.Fatal("expected utf-8 to return the reader unchanged")
	}
}

func TestTranscodingReader_UnknownEncoding(t *testing.T) {
	if _, err := transcodingReader(strings.NewReader("x"), "not-a-real-encoding"); err == nil {
		t.Fatal("expected an error for an unrecognized encoding name")
	}
}

func TestLoadCSVIntoTable_InfersColumnTypesAndBatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	content := "sex,zip,n\nF,Z1,3\nM,Z1,20\nF,Z2,30\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	// batchSize of 1 forces a commit/rotate after every row, exercising the
	// transaction-rotation path and the final commit of the last, empty
	// transaction.
	if err := loadCSVIntoTable(ctx, db, path, "raw_rows", "", 1); err != nil {
		t.Fatalf("loadCSVIntoTable: %v", err)
	}

	rows, err := db.QueryContext(ctx, `select sex, zip, n from raw_rows order by n`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	var got []struct {
		sex, zip string
		n        float64
	}
	for rows.Next() {
		var r struct {
			sex, zip string
			n        float64
		}
		if err := rows.Scan(&r.sex, &r.zip, &r.n); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	if got[0].n != 3 || got[1].n != 20 || got[2].n != 30 {
		t.Fatalf("expected the n column to have been inferred as numeric, got %+v", got)
	}
}

func TestLoadCSVIntoTable_DefaultsBatchSizeWhenNonPositive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := loadCSVIntoTable(context.Background(), db, path, "t", "", 0); err != nil {
		t.Fatalf("loadCSVIntoTable with batchSize=0: %v", err)
	}
}
