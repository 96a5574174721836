package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "trace",
		"DEBUG":   "debug",
		"":        "info",
		"warning": "warn",
		"bogus":   "info",
		"disabled": "disabled",
	}
	for input, want := range cases {
		got := parseLevel(input).String()
		if got != want {
			t.Errorf("parseLevel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestInitDoesNotPanic(t *testing.T) {
	Init(Config{Format: "json", Level: "debug", Component: "test"})
	Init(Config{Format: "console", Level: "info"})
}
