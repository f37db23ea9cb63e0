package config

import (
	"strings"
	"testing"
)

func TestParseRules(t *testing.T) {
	input := `
# comment
127.0.0.1 20001 127.0.0.1 20002

10.0.0.5 80 10.0.0.6 8080
`
	rules, err := parseRules(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0] != (Rule{SrcAddr: "127.0.0.1", SrcPort: 20001, DstAddr: "127.0.0.1", DstPort: 20002}) {
		t.Fatalf("unexpected rule[0]: %+v", rules[0])
	}
}

func TestParseRulesRejectsBadPort(t *testing.T) {
	_, err := parseRules(strings.NewReader("127.0.0.1 0 127.0.0.1 80\n"))
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestParseRulesRejectsMalformedLine(t *testing.T) {
	_, err := parseRules(strings.NewReader("127.0.0.1 80\n"))
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestDefaultService(t *testing.T) {
	cfg := DefaultService()
	if cfg.Engine != EngineSQLite {
		t.Fatalf("default engine = %v, want sqlite", cfg.Engine)
	}
	if cfg.MaxWorkers <= cfg.MinWorkers {
		t.Fatalf("MaxWorkers must exceed MinWorkers")
	}
}
