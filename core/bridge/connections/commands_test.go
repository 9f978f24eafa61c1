package connections

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := map[string][]string{
		`!gh ignore issues`:                {"!gh", "ignore", "issues"},
		`!gh  create "my new issue" body`:  {"!gh", "create", "my new issue", "body"},
		`say 'single quoted words' ok`:     {"say", "single quoted words", "ok"},
		`a""b`:                             {"ab"},
		`empty "" arg`:                     {"empty", "", "arg"},
		"  \t":                             nil,
		"tab\tseparated \"quoted\ttab\"":   {"tab", "separated", "quoted\ttab"},
		`mixed "it's fine"`:                {"mixed", "it's fine"},
		`apostrophe 'say "hi" twice' done`: {"apostrophe", `say "hi" twice`, "done"},
	}
	for input, want := range cases {
		got, err := Tokenize(input)
		if err != nil {
			t.Fatalf("Tokenize(%q): %v", input, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Tokenize(%q) = %#v, want %#v", input, got, want)
		}
	}
	if _, err := Tokenize(`unterminated "quote`); !errors.Is(err, errUnterminatedQuote) {
		t.Fatalf("expected unterminated quote error, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("!gh", `!GH Ignore "pull_request"`)
	if !ok || name != "ignore" || len(args) != 1 || args[0] != "pull_request" {
		t.Fatalf("unexpected parse %s %v %v", name, args, ok)
	}
	for _, body := range []string{"hello there", "!gh", "!ghx status", "", "!gh \"broken"} {
		if _, _, ok := parseCommand("!gh", body); ok {
			t.Fatalf("%q should not parse as a command", body)
		}
	}
	if _, _, ok := parseCommand("", "!gh status"); ok {
		t.Fatalf("connections without a prefix have no commands")
	}
}

func TestFailureNotice(t *testing.T) {
	if got := failureNotice(humanError("repo is archived")); got != "Failed to handle command: repo is archived" {
		t.Fatalf("unexpected notice %q", got)
	}
	if got := failureNotice(errors.New("internal detail")); strings.Contains(got, "internal detail") {
		t.Fatalf("internal errors must not leak: %q", got)
	}
}
