package main

import (
	"strings"
	"testing"
)

func TestParseEdits(t *testing.T) {
	edits, err := parseEdits([]string{"0=Be brief.", "cmp_01=x=y", "3="})
	if err != nil {
		t.Fatalf("parseEdits() error = %v", err)
	}
	if len(edits) != 3 {
		t.Fatalf("edits = %d; want 3", len(edits))
	}
	if edits[0].OrderIndex == nil || *edits[0].OrderIndex != 0 || *edits[0].Content != "Be brief." {
		t.Errorf("edits[0] = %+v", edits[0])
	}
	if edits[1].ComponentID != "cmp_01" || edits[1].OrderIndex != nil || *edits[1].Content != "x=y" {
		t.Errorf("edits[1] = %+v; want component id with text x=y", edits[1])
	}
	if *edits[2].OrderIndex != 3 || *edits[2].Content != "" {
		t.Errorf("edits[2] = %+v; want index 3 with empty text", edits[2])
	}
}

func TestParseEdits_Invalid(t *testing.T) {
	for _, arg := range []string{"no-equals", "=text", "-1=text"} {
		if _, err := parseEdits([]string{arg}); err == nil {
			t.Errorf("parseEdits(%q) error = nil; want error", arg)
		}
	}
}

func TestParseSets(t *testing.T) {
	sets, err := parseSets([]string{
		"temperature=0.2",
		"model=claude-haiku-4",
		"stop_sequences=null",
		`metadata.tags=["a","b"]`,
		"note= spaced ",
	})
	if err != nil {
		t.Fatalf("parseSets() error = %v", err)
	}
	want := map[string]string{
		"temperature":    "0.2",
		"model":          `"claude-haiku-4"`,
		"stop_sequences": "null",
		"metadata.tags":  `["a","b"]`,
		"note":           `" spaced "`,
	}
	for path, raw := range want {
		if got := string(sets[path]); got != raw {
			t.Errorf("sets[%s] = %s; want %s", path, got, raw)
		}
	}
}

func TestParseSets_Invalid(t *testing.T) {
	tests := []struct {
		args []string
		want  string
	}{
		{[]string{"temperature"}, "want <json-path>=<value>"},
		{[]string{"=1"}, "want <json-path>=<value>"},
		{[]string{"top_p=1", "top_p=0.5"}, "given twice"},
	}
	for _, tt := range tests {
		_, err := parseSets(tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("parseSets(%q) error = %v; want %q", tt.args, err, tt.want)
		}
	}
}

func TestParseSets_Empty(t *testing.T) {
	sets, err := parseSets(nil)
	if err != nil || sets != nil {
		t.Errorf("parseSets(nil) = %v, %v; want nil, nil", sets, err)
	}
}
