// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "testing"

func TestBuildAggregationSQL_Initial(t *testing.T) {
	metrics := []Metric{
		{Kind: AggSum, Column: "incidence", Alias: "total", IsInitial: true},
	}
	predicate := NewPredicate("", 11, "total", true, []string{"total"})

	sql, err := BuildAggregationSQL([]string{"sex", "age"}, "raw_rows", metrics, predicate, true, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := `select *, not ("total" < 11) as is_anonymous from (select "sex" as "sex", "age" as "age", sum("incidence") as "total" from raw_rows group by "sex", "age")`
	if sql != want {
		t.Errorf("got:\n%s\nwant:\n%s", sql, want)
	}
}

func TestBuildAggregationSQL_DimensionRewrite(t *testing.T) {
	metrics := []Metric{{Kind: AggSum, Column: "total", Alias: "total", IsSubsequent: true}}
	predicate := NewPredicate("", 11, "total", true, []string{"total"})

	rewrites := map[string]string{"sex": `case when "sex" = 'F' then 'redacted' else "sex" end`}
	sql, err := BuildAggregationSQL([]string{"sex"}, "initial_t", metrics, predicate, false, rewrites, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !contains(sql, `case when "sex" = 'F' then 'redacted' else "sex" end as "sex"`) {
		t.Errorf("expected rewritten dimension projection in %s", sql)
	}
	if !contains(sql, `group by case when "sex" = 'F' then 'redacted' else "sex" end`) {
		t.Errorf("expected GROUP BY on the raw rewritten expression, not the alias, in %s", sql)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
