package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/relayq/internal/secrets"
)

// routeSpec is one dispatch route parsed from RELAYQ_ROUTES. Entries are
// separated by ';', fields by '|':
//
//	queue|dependency|url[|workers[|batch]]
type routeSpec struct {
	Queue      string
	Dependency string
	URL        string
	Workers    int
	BatchSize  int
}

type breakerRule struct {
	Threshold       int
	RecoveryTimeout time.Duration
}

type limiterRule struct {
	MaxTokens int
	Window    time.Duration
}

// tunables is the runtime-adjustable subset: breaker and limiter rules.
// It is re-read from the dotenv file when --watch is on.
type tunables struct {
	BreakerRules map[string]breakerRule
	LimiterRules map[string]limiterRule
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func parseRoutes(raw string) ([]routeSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var routes []routeSpec
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, "|")
		if len(fields) < 3 || len(fields) > 5 {
			return nil, fmt.Errorf("route %q: want queue|dependency|url[|workers[|batch]]", entry)
		}
		spec := routeSpec{
			Queue:      strings.TrimSpace(fields[0]),
			Dependency: strings.TrimSpace(fields[1]),
			URL:        strings.TrimSpace(fields[2]),
		}
		if spec.Queue == "" || spec.Dependency == "" {
			return nil, fmt.Errorf("route %q: queue and dependency are required", entry)
		}
		if !strings.HasPrefix(spec.URL, "http://") && !strings.HasPrefix(spec.URL, "https://") {
			return nil, fmt.Errorf("route %q: url must be http(s)", entry)
		}
		if len(fields) >= 4 {
			n, err := strconv.Atoi(strings.TrimSpace(fields[3]))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("route %q: invalid workers %q", entry, fields[3])
			}
			spec.Workers = n
		}
		if len(fields) == 5 {
			n, err := strconv.Atoi(strings.TrimSpace(fields[4]))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("route %q: invalid batch %q", entry, fields[4])
			}
			spec.BatchSize = n
		}
		routes = append(routes, spec)
	}
	return routes, nil
}

// parseBreakerRules reads "dep=threshold:recovery;..." where recovery is a
// Go duration.
func parseBreakerRules(raw string) (map[string]breakerRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	rules := make(map[string]breakerRule)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, val, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("breaker rule %q: want dep=threshold:recovery", entry)
		}
		thresholdRaw, recoveryRaw, ok := strings.Cut(val, ":")
		if !ok {
			return nil, fmt.Errorf("breaker rule %q: want dep=threshold:recovery", entry)
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(thresholdRaw))
		if err != nil || threshold < 1 {
			return nil, fmt.Errorf("breaker rule %q: invalid threshold %q", entry, thresholdRaw)
		}
		recovery, err := time.ParseDuration(strings.TrimSpace(recoveryRaw))
		if err != nil || recovery <= 0 {
			return nil, fmt.Errorf("breaker rule %q: invalid recovery %q", entry, recoveryRaw)
		}
		rules[name] = breakerRule{Threshold: threshold, RecoveryTimeout: recovery}
	}
	return rules, nil
}

// parseLimiterRules reads "dep=max:window;..." where window is a Go
// duration.
func parseLimiterRules(raw string) (map[string]limiterRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	rules := make(map[string]limiterRule)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, val, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("limiter rule %q: want dep=max:window", entry)
		}
		maxRaw, windowRaw, ok := strings.Cut(val, ":")
		if !ok {
			return nil, fmt.Errorf("limiter rule %q: want dep=max:window", entry)
		}
		maxTokens, err := strconv.Atoi(strings.TrimSpace(maxRaw))
		if err != nil || maxTokens < 1 {
			return nil, fmt.Errorf("limiter rule %q: invalid max %q", entry, maxRaw)
		}
		window, err := time.ParseDuration(strings.TrimSpace(windowRaw))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("limiter rule %q: invalid window %q", entry, windowRaw)
		}
		rules[name] = limiterRule{MaxTokens: maxTokens, Window: window}
	}
	return rules, nil
}

func parseTunables(env map[string]string) (tunables, error) {
	get := func(key string) string {
		if env != nil {
			if v, ok := env[key]; ok {
				return v
			}
		}
		return os.Getenv(key)
	}

	breakers, err := parseBreakerRules(get("RELAYQ_BREAKER_RULES"))
	if err != nil {
		return tunables{}, err
	}
	limiters, err := parseLimiterRules(get("RELAYQ_LIMITER_RULES"))
	if err != nil {
		return tunables{}, err
	}
	return tunables{BreakerRules: breakers, LimiterRules: limiters}, nil
}

// resolveAdminTokens splits the comma separated token list and resolves
// each entry through the secret ref loader, so env:NAME and file:/path
// work alongside literal tokens.
func resolveAdminTokens(raw string) ([][]byte, error) {
	var tokens [][]byte
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		val, err := secrets.LoadRef(t)
		if err != nil {
			return nil, fmt.Errorf("admin token %q: %w", t, err)
		}
		tokens = append(tokens, val)
	}
	return tokens, nil
}
