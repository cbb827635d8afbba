// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

package redact

import "testing"

func TestNewPredicate_Default(t *testing.T) {
	p := NewPredicate("", 0, "count", true, []string{"count"})
	if p.Threshold != DefaultThreshold {
		t.Errorf("expected default threshold %d, got %d", DefaultThreshold, p.Threshold)
	}
	want := `"count" < 11`
	if p.Expression != want {
		t.Errorf("got expression %q, want %q", p.Expression, want)
	}
}

func TestPredicate_Validate_RejectsIsRedacted(t *testing.T) {
	p := NewPredicate("is_redacted = 0", 11, "count", true, nil)
	if err := p.Validate([]string{"count"}); err == nil {
		t.Error("expected rejection of a predicate referencing is_redacted")
	}
}

func TestPredicate_Validate_RejectsUnknownAlias(t *testing.T) {
	p := NewPredicate("unknown_metric < 11", 11, "count", true, []string{"unknown_metric"})
	if err := p.Validate([]string{"count"}); err == nil {
		t.Error("expected rejection of an unknown metric alias")
	}
}

func TestPredicate_Render_AllowZeroes(t *testing.T) {
	p := NewPredicate(`"count" < 11`, 11, "count", true, []string{"count"})
	got := p.Render()
	want := `("count" < 11)`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPredicate_Render_DisallowZeroesAddsDisjunct(t *testing.T) {
	p := NewPredicate(`"count" < 11`, 11, "count", false, []string{"count"})
	got := p.Render()
	want := `("count" < 11) OR ("count" = 0)`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
