package query

import (
	"strings"
	"testing"
)

func TestParameterizeSubstitutesEveryOccurrence(t *testing.T) {
	sql := "SELECT * FROM users WHERE handle = '@handle@' OR alias = '@handle@'"
	out, err := Parameterize(sql, map[string]any{"handle": "heffan"}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	want := "SELECT * FROM users WHERE handle = 'heffan' OR alias = 'heffan'"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestParameterizeDoublesSingleQuotes(t *testing.T) {
	out, err := Parameterize("SELECT '@v@'", map[string]any{"v": "'; DROP TABLE users; --"}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	want := "SELECT '''; DROP TABLE users; --'"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestParameterizeDoesNotRescanSubstitutedValues(t *testing.T) {
	// A value containing placeholder syntax must land verbatim, not trigger
	// another substitution round.
	out, err := Parameterize("SELECT '@email@'", map[string]any{
		"email": "user@example@com",
		"exa":   "boom",
	}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	if !strings.Contains(out, "user@example@com") {
		t.Fatalf("substituted value was rescanned: %q", out)
	}
}

func TestParameterizeMissingParamSubstitutesEmpty(t *testing.T) {
	out, err := Parameterize("SELECT * FROM t WHERE a = '@missing@'", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	want := "SELECT * FROM t WHERE a = ''"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestParameterizeNumbersAndBools(t *testing.T) {
	out, err := Parameterize("LIMIT @n@ -- @flag@", map[string]any{"n": 25, "flag": true}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	want := "LIMIT 25 -- true"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestParameterizeJoinsSlices(t *testing.T) {
	out, err := Parameterize("WHERE id IN (@ids@)", map[string]any{"ids": []any{1, 2, 3}}, nil)
	if err != nil {
		t.Fatalf("parameterize: %v", err)
	}
	want := "WHERE id IN (1, 2, 3)"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}

	out, err = Parameterize("WHERE h IN ('@hs@')", map[string]any{"hs": []string{"a'b", "c"}}, nil)
	if err != nil {
		t.Fatalf("parameterize strings: %v", err)
	}
	want = "WHERE h IN ('a''b, c')"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestParameterizeRejectsObjects(t *testing.T) {
	if _, err := Parameterize("@v@", map[string]any{"v": map[string]string{"a": "b"}}, nil); err == nil {
		t.Fatalf("expected map parameter to be rejected")
	}
	if _, err := Parameterize("@v@", map[string]any{"v": struct{ A int }{1}}, nil); err == nil {
		t.Fatalf("expected struct parameter to be rejected")
	}
}
