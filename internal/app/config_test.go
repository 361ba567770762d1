package app

import (
	"testing"
	"time"
)

func TestParseRoutes(t *testing.T) {
	routes, err := parseRoutes("orders|crm|https://crm.example.com/hook|4|50; billing|erp|http://erp.local/in")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes=%d, want 2", len(routes))
	}
	first := routes[0]
	if first.Queue != "orders" || first.Dependency != "crm" || first.URL != "https://crm.example.com/hook" {
		t.Fatalf("first=%+v", first)
	}
	if first.Workers != 4 || first.BatchSize != 50 {
		t.Fatalf("first tuning=%+v", first)
	}
	second := routes[1]
	if second.Queue != "billing" || second.Workers != 0 || second.BatchSize != 0 {
		t.Fatalf("second=%+v", second)
	}
}

func TestParseRoutesRejectsMalformed(t *testing.T) {
	cases := []string{
		"orders|crm",
		"orders||https://x.example.com",
		"|crm|https://x.example.com",
		"orders|crm|ftp://x.example.com",
		"orders|crm|https://x.example.com|zero",
		"orders|crm|https://x.example.com|0",
		"orders|crm|https://x.example.com|1|bad",
	}
	for _, raw := range cases {
		if _, err := parseRoutes(raw); err == nil {
			t.Fatalf("parseRoutes(%q) accepted", raw)
		}
	}
}

func TestParseRoutesEmpty(t *testing.T) {
	routes, err := parseRoutes("  ")
	if err != nil || routes != nil {
		t.Fatalf("routes=%v err=%v, want nil/nil", routes, err)
	}
}

func TestParseBreakerRules(t *testing.T) {
	rules, err := parseBreakerRules("crm=5:60s; billing=3:30s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules=%v", rules)
	}
	if r := rules["crm"]; r.Threshold != 5 || r.RecoveryTimeout != time.Minute {
		t.Fatalf("crm=%+v", r)
	}
	if r := rules["billing"]; r.Threshold != 3 || r.RecoveryTimeout != 30*time.Second {
		t.Fatalf("billing=%+v", r)
	}

	for _, raw := range []string{"crm", "crm=5", "crm=0:60s", "crm=5:never", "crm=5:-1s", "=5:60s"} {
		if _, err := parseBreakerRules(raw); err == nil {
			t.Fatalf("parseBreakerRules(%q) accepted", raw)
		}
	}
}

func TestParseLimiterRules(t *testing.T) {
	rules, err := parseLimiterRules("crm=60:1m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r := rules["crm"]; r.MaxTokens != 60 || r.Window != time.Minute {
		t.Fatalf("crm=%+v", r)
	}

	for _, raw := range []string{"crm=60", "crm=0:1m", "crm=60:huh"} {
		if _, err := parseLimiterRules(raw); err == nil {
			t.Fatalf("parseLimiterRules(%q) accepted", raw)
		}
	}
}

func TestParseTunablesPrefersGivenEnv(t *testing.T) {
	t.Setenv("RELAYQ_BREAKER_RULES", "crm=5:60s")
	t.Setenv("RELAYQ_LIMITER_RULES", "")

	rules, err := parseTunables(map[string]string{
		"RELAYQ_BREAKER_RULES": "crm=9:90s",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r := rules.BreakerRules["crm"]; r.Threshold != 9 || r.RecoveryTimeout != 90*time.Second {
		t.Fatalf("crm=%+v, want the map value to win", r)
	}
}

func TestResolveAdminTokens(t *testing.T) {
	t.Setenv("RELAYQ_TEST_TOKEN", "tok-env")
	tokens, err := resolveAdminTokens(" tok-a, ,env:RELAYQ_TEST_TOKEN ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(tokens) != 2 || string(tokens[0]) != "tok-a" || string(tokens[1]) != "tok-env" {
		t.Fatalf("tokens=%q", tokens)
	}

	tokens, err = resolveAdminTokens("")
	if err != nil || tokens != nil {
		t.Fatalf("tokens=%v err=%v, want nil/nil", tokens, err)
	}

	if _, err := resolveAdminTokens("env:RELAYQ_TEST_TOKEN_MISSING"); err == nil {
		t.Fatal("missing env ref accepted")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("RELAYQ_BASE_DELAY", "")
	d, err := envDuration("RELAYQ_BASE_DELAY", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("d=%v err=%v", d, err)
	}

	t.Setenv("RELAYQ_BASE_DELAY", "90s")
	d, err = envDuration("RELAYQ_BASE_DELAY", 5*time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}

	t.Setenv("RELAYQ_BASE_DELAY", "soon")
	if _, err := envDuration("RELAYQ_BASE_DELAY", 5*time.Minute); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
