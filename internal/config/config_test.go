// Copyright (c) 2016 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package config

import "testing"

func TestParsePositiveInt(t *testing.T) {
	cases := []struct {
		in       string
		fallback int
		want     int
	}{
		{"5000", 1, 5000},
		{"", 7, 7},
		{"0", 7, 7},
		{"-3", 7, 7},
		{"not a number", 7, 7},
	}
	for _, c := range cases {
		if got := ParsePositiveInt(c.in, c.fallback); got != c.want {
			t.Errorf("ParsePositiveInt(%q, %d) = %d, want %d", c.in, c.fallback, got, c.want)
		}
	}
}

func TestPreferredEncoding_NeverEmpty(t *testing.T) {
	if enc := PreferredEncoding(); enc == "" {
		t.Fatal("expected a non-empty encoding name, even as a UTF-8 fallback")
	}
}

func TestDocument_DatasetMergesGlobalDefaults(t *testing.T) {
	doc := &Document{Threshold: 11, AllowZeroes: true, RedactionExpression: ""}
	dd := DatasetDoc{
		Name:       "library",
		Dimensions: []string{"sex", "zip"},
		Metrics:    []MetricDoc{{Kind: "sum", Column: "n", Alias: "count", IsInitial: true, IsSubsequent: true}},
	}

	ds, err := doc.Dataset(dd)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Predicate.Threshold != 11 {
		t.Errorf("expected dataset to inherit the document's threshold, got %v", ds.Predicate.Threshold)
	}
}

func TestDocument_DatasetOverridesThreshold(t *testing.T) {
	doc := &Document{Threshold: 11, AllowZeroes: true}
	override := 50
	dd := DatasetDoc{
		Name:       "library",
		Dimensions: []string{"sex"},
		Metrics:    []MetricDoc{{Kind: "sum", Column: "n", Alias: "count", IsInitial: true, IsSubsequent: true}},
		Threshold:  override,
	}

	ds, err := doc.Dataset(dd)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Predicate.Threshold != override {
		t.Errorf("expected dataset threshold override to win, got %v", ds.Predicate.Threshold)
	}
}
