package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/ratelimit"
)

func TestClaimPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "relayq.pid")

	release, err := claimPIDFile(pidPath)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := readPIDFile(pidPath)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid=%d err=%v, want own pid", pid, err)
	}

	// A second claim against the live pid must refuse.
	if _, err := claimPIDFile(pidPath); err == nil {
		t.Fatal("claim over running process succeeded")
	}

	release()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestClaimPIDFileReplacesStalePID(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "relayq.pid")
	// An absurdly high pid is not a running process.
	if err := os.WriteFile(pidPath, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	release, err := claimPIDFile(pidPath)
	if err != nil {
		t.Fatalf("claim over stale pid: %v", err)
	}
	defer release()

	pid, err := readPIDFile(pidPath)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid=%d err=%v, want own pid", pid, err)
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"empty":    "",
		"words":    "not-a-pid\n",
		"negative": "-4\n",
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := readPIDFile(p); err == nil {
			t.Fatalf("%s accepted", name)
		}
	}
}

func TestNewQueueStoreSelection(t *testing.T) {
	store, name, closeStore, err := newQueueStore("memory", "", "")
	if err != nil || name != "memory" || store == nil {
		t.Fatalf("memory: store=%v name=%q err=%v", store, name, err)
	}
	_ = closeStore()

	dbPath := filepath.Join(t.TempDir(), "relayq.db")
	store, name, closeStore, err = newQueueStore("sqlite", dbPath, "")
	if err != nil || name != "sqlite" {
		t.Fatalf("sqlite: name=%q err=%v", name, err)
	}
	if err := closeStore(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}
	_ = store

	if _, _, _, err := newQueueStore("postgres", "", ""); err == nil {
		t.Fatal("postgres without dsn accepted")
	}
	if _, _, _, err := newQueueStore("oracle", "", ""); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestNewIndexRegistrySelection(t *testing.T) {
	reg, closeReg, err := newIndexRegistry("memory", "")
	if err != nil || reg == nil {
		t.Fatalf("memory: reg=%v err=%v", reg, err)
	}
	_ = closeReg()

	if _, _, err := newIndexRegistry("redis", ""); err == nil {
		t.Fatal("redis without addr accepted")
	}
	if _, _, err := newIndexRegistry("etcd", ""); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestApplyTunables(t *testing.T) {
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	breakers := breaker.NewRegistry(breaker.WithNowFunc(nowFn))
	limiters := ratelimit.NewRegistry(ratelimit.WithNowFunc(nowFn))

	applyTunables(breakers, limiters, tunables{
		BreakerRules: map[string]breakerRule{
			"crm": {Threshold: 2, RecoveryTimeout: 45 * time.Second},
		},
		LimiterRules: map[string]limiterRule{
			"crm": {MaxTokens: 10, Window: time.Minute},
		},
	}, newDiscardLogger())

	snap, ok := breakers.Status("crm")
	if !ok || snap.Threshold != 2 || snap.RecoveryTimeout != 45*time.Second {
		t.Fatalf("breaker snap=%+v ok=%v", snap, ok)
	}
	lsnap, ok := limiters.Status("crm")
	if !ok || lsnap.MaxTokens != 10 || lsnap.Window != time.Minute {
		t.Fatalf("limiter snap=%+v ok=%v", lsnap, ok)
	}
}

func TestBuildDispatchRoutes(t *testing.T) {
	routes := buildDispatchRoutes([]routeSpec{
		{Queue: "orders", Dependency: "crm", URL: "https://crm.example.com/hook", Workers: 3, BatchSize: 25},
	})
	if len(routes) != 1 {
		t.Fatalf("routes=%d", len(routes))
	}
	rt := routes[0]
	if rt.Queue != "orders" || rt.Dependency != "crm" || rt.Workers != 3 || rt.BatchSize != 25 {
		t.Fatalf("route=%+v", rt)
	}
	if rt.Attempt == nil {
		t.Fatal("route without attempt func")
	}
}
