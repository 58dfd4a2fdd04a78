package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/Quotagate/internal/config"
	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg
}

func TestCommands_Registered(t *testing.T) {
	want := map[string]bool{
		"start": false, "stop": false, "check": false,
		"tiers": false, "override": false, "version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}

	sub := map[string]bool{}
	for _, c := range overrideCmd.Commands() {
		sub[c.Name()] = true
	}
	for _, name := range []string{"set", "list", "delete"} {
		if !sub[name] {
			t.Errorf("override %s not registered", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")

	if pid := readPIDFile(path); pid != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", pid)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() error: %v", err)
	}
	if pid := readPIDFile(path); pid != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want %d", pid, os.Getpid())
	}

	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if pid := readPIDFile(path); pid != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", pid)
	}
}

func TestRunChecks_Table(t *testing.T) {
	cfg := testConfig(t)
	adm, err := buildAdmission(cfg, nil, discardLogger(), nil)
	if err != nil {
		t.Fatalf("buildAdmission() error: %v", err)
	}

	var out bytes.Buffer
	req := ratelimit.Request{ActorID: "u-1", Endpoint: ratelimit.EndpointQuery}
	if err := runChecks(context.Background(), &out, adm.service, req, 12, false); err != nil {
		t.Fatalf("runChecks() error: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "10 of 12 allowed") {
		t.Errorf("summary missing, got:\n%s", text)
	}
	if strings.Count(text, "rejected") != 2 {
		t.Errorf("want 2 rejected rows, got:\n%s", text)
	}
}

func TestRunChecks_JSON(t *testing.T) {
	cfg := testConfig(t)
	adm, err := buildAdmission(cfg, nil, discardLogger(), nil)
	if err != nil {
		t.Fatalf("buildAdmission() error: %v", err)
	}

	var out bytes.Buffer
	req := ratelimit.Request{ClientAddr: "203.0.113.9", Endpoint: ratelimit.EndpointQuery}
	if err := runChecks(context.Background(), &out, adm.service, req, 3, true); err != nil {
		t.Fatalf("runChecks() error: %v", err)
	}

	dec := json.NewDecoder(&out)
	for i := 1; i <= 3; i++ {
		var row checkOutput
		if err := dec.Decode(&row); err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if row.N != i || !row.Allowed || row.Limit != 10 || row.Remaining != 10-i {
			t.Errorf("row %d = %+v", i, row)
		}
	}
}

func TestRunChecks_Misuse(t *testing.T) {
	cfg := testConfig(t)
	adm, err := buildAdmission(cfg, nil, discardLogger(), nil)
	if err != nil {
		t.Fatalf("buildAdmission() error: %v", err)
	}

	req := ratelimit.Request{ActorID: "u-1", Endpoint: "delete"}
	err = runChecks(context.Background(), io.Discard, adm.service, req, 1, false)
	if err == nil {
		t.Fatal("unknown endpoint should fail")
	}
}

func TestOverrideStore_State(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Overrides.Source = config.OverrideSourceState
	cfg.Overrides.StatePath = filepath.Join(t.TempDir(), "overrides.json")

	// Seed before opening so the resolver's first load sees the entry.
	seed := state.NewFileStateStore(cfg.Overrides.StatePath, discardLogger())
	if err := seed.SetOverride(state.EntryFromOverride(ratelimit.Override{
		GroupID:  "acme",
		Endpoint: ratelimit.EndpointQuery,
		Quota:    ratelimit.Quota{Limit: 7, Window: 30 * time.Second},
	})); err != nil {
		t.Fatalf("seed SetOverride() error: %v", err)
	}

	store, err := openOverrideStore(ctx, cfg.Overrides, discardLogger())
	if err != nil {
		t.Fatalf("openOverrideStore() error: %v", err)
	}
	defer store.Close()

	if err := store.SetOverride(ctx, ratelimit.Override{
		GroupID:  "acme",
		Endpoint: ratelimit.AnyEndpoint,
		Quota:    ratelimit.Quota{Limit: 100, Window: time.Minute},
		Note:     "contract",
	}); err != nil {
		t.Fatalf("SetOverride() error: %v", err)
	}

	list, err := store.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListOverrides() = %d entries, want 2", len(list))
	}

	adm, err := buildAdmission(cfg, store, discardLogger(), nil)
	if err != nil {
		t.Fatalf("buildAdmission() error: %v", err)
	}
	d, err := adm.service.Check(ctx, ratelimit.Request{
		ActorID: "u-1", GroupID: "acme", Endpoint: ratelimit.EndpointQuery,
	})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !d.Allowed || d.Group == nil || d.Group.Limit != 7 {
		t.Errorf("decision = %+v, want group limit 7 from override", d)
	}

	deleted, err := store.DeleteOverride(ctx, "acme", ratelimit.AnyEndpoint)
	if err != nil || !deleted {
		t.Fatalf("DeleteOverride() = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, _ = store.DeleteOverride(ctx, "acme", ratelimit.AnyEndpoint)
	if deleted {
		t.Error("second DeleteOverride() should report nothing deleted")
	}
}

func TestOpenOverrideStore_None(t *testing.T) {
	cfg := testConfig(t)
	store, err := openOverrideStore(context.Background(), cfg.Overrides, discardLogger())
	if err != nil || store != nil {
		t.Errorf("openOverrideStore(none) = (%v, %v), want (nil, nil)", store, err)
	}
}

func TestTiers_EncodeAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := config.EncodeTierTable(f, ratelimit.DefaultTierTable()); err != nil {
		t.Fatalf("EncodeTierTable() error: %v", err)
	}
	f.Close()

	table, err := config.LoadTierTable(path)
	if err != nil {
		t.Fatalf("LoadTierTable() error: %v", err)
	}

	var out bytes.Buffer
	printTierSummary(&out, path, table)
	if !strings.Contains(out.String(), path+": ok") {
		t.Errorf("summary = %q", out.String())
	}

	cfg := testConfig(t)
	cfg.RateLimit.TiersFile = path
	loaded, err := loadTierTable(cfg.RateLimit)
	if err != nil {
		t.Fatalf("loadTierTable() error: %v", err)
	}
	if len(loaded.Endpoints) != len(ratelimit.DefaultTierTable().Endpoints) {
		t.Errorf("endpoints = %v", loaded.Endpoints)
	}
}

func TestWaitForExit_LiveProcess(t *testing.T) {
	self, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if waitForExit(self, 50*time.Millisecond, 10*time.Millisecond) {
		t.Error("waitForExit() reported the test process as exited")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("waitForExit() returned after %v, before the timeout", elapsed)
	}
}
