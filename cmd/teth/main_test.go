package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"teth/internal/attribution"
	"teth/internal/campaign"
	"teth/internal/catalog"
	tetherrors "teth/internal/errors"
	"teth/internal/optimizer"
	"teth/internal/storage"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return runCLIWithConfig(t, filepath.Join(t.TempDir(), "missing.yaml"), args...)
}

func runCLIWithConfig(t *testing.T, configPath string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("TETH_CONFIG_PATH", configPath)
	t.Setenv("TETH_CATALOG_PATH", "")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
	}{
		{"no args", nil, 1},
		{"unknown subcommand", []string{"explode"}, 1},
		{"help", []string{"help"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(stdout+stderr, "Usage: teth") {
				t.Error("expected usage text")
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "-version")
	if code != 0 || strings.TrimSpace(stdout) != "teth dev" {
		t.Errorf("exit = %d, stdout = %q", code, stdout)
	}
}

func TestRun_CatalogJSON(t *testing.T) {
	code, stdout, stderr := runCLI(t, "catalog", "-json")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}

	var out struct {
		Tools []struct {
			ID string `json:"id"`
		} `json:"tools"`
		Profiles []json.RawMessage `json:"profiles"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) < 20 || len(out.Profiles) != 5 {
		t.Errorf("got %d tools and %d profiles", len(out.Tools), len(out.Profiles))
	}
}

func TestRun_Attribute(t *testing.T) {
	code, stdout, stderr := runCLI(t, "attribute", "-json", "-chain", "sunburst,teardrop,cobalt_strike,mimikatz")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	var res attribution.Result
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.APTGroup != "apt29" {
		t.Errorf("apt_group = %s, want apt29", res.APTGroup)
	}

	code, _, stderr = runCLI(t, "attribute")
	if code != 2 || !strings.Contains(stderr, "chain") {
		t.Errorf("missing chain: exit = %d, stderr = %s", code, stderr)
	}
}

func TestRun_Analyze(t *testing.T) {
	code, stdout, stderr := runCLI(t, "analyze", "-json", "-chain", "sunburst,teardrop,ghost,cobalt_strike")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	var asm campaign.Assessment
	if err := json.Unmarshal([]byte(stdout), &asm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(asm.UnresolvedTools) != 1 || asm.UnresolvedTools[0] != "ghost" {
		t.Errorf("unresolved = %v", asm.UnresolvedTools)
	}
	if !strings.Contains(stderr, "skipping unknown tool") {
		t.Error("expected a warning for the unknown tool")
	}

	code, _, _ = runCLI(t, "analyze")
	if code != 2 {
		t.Errorf("no input: exit = %d, want 2", code)
	}
}

func TestRun_Optimize(t *testing.T) {
	code, stdout, stderr := runCLI(t, "optimize", "-json", "-objective", "stealth", "-max-tools", "3")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	var opt optimizer.OptimizedChain
	if err := json.Unmarshal([]byte(stdout), &opt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := len(opt.ToolIDs); n < 1 || n > 3 {
		t.Errorf("got %d tools, want 1..3", n)
	}
	if opt.Objective != optimizer.ObjectiveStealth {
		t.Errorf("objective = %s", opt.Objective)
	}

	code, stdout, stderr = runCLI(t, "optimize", "-json", "-phases", "hunt, ,disable", "-max-tools", "4")
	if code != 0 {
		t.Fatalf("phases: exit = %d, stderr = %s", code, stderr)
	}
	opt = optimizer.OptimizedChain{}
	if err := json.Unmarshal([]byte(stdout), &opt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	covered := map[catalog.Phase]bool{}
	for _, p := range opt.PhasesCovered {
		covered[p] = true
	}
	if !covered[catalog.PhaseHunt] || !covered[catalog.PhaseDisable] {
		t.Errorf("phases covered = %v, want hunt and disable", opt.PhasesCovered)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"bad objective", []string{"optimize", "-objective", "chaos"}},
		{"bad persona", []string{"optimize", "-persona", "wizard"}},
		{"bad phase", []string{"optimize", "-phases", "hunt,exploit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCLI(t, tt.args...); code != 2 {
				t.Errorf("exit = %d, want 2", code)
			}
		})
	}
}

func TestRun_Validate(t *testing.T) {
	code, stdout, stderr := runCLI(t, "validate", "-metric", "entropy_bound", "-trials", "50", "-threshold", "1")
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, "PASS") {
		t.Errorf("expected PASS in %q", stdout)
	}

	// the bound always holds, so a mean of 1 misses an at_most 0.5 threshold
	code, stdout, _ = runCLI(t, "validate", "-metric", "entropy_bound", "-trials", "20",
		"-threshold", "0.5", "-comparison", "at_most")
	if code != 1 || !strings.Contains(stdout, "FAIL") {
		t.Errorf("exit = %d, stdout = %q", code, stdout)
	}

	if code, _, _ := runCLI(t, "validate", "-metric", "vibes"); code != 2 {
		t.Errorf("unknown metric: exit = %d, want 2", code)
	}
	if code, _, _ := runCLI(t, "validate", "-trials", "0"); code != 2 {
		t.Errorf("zero trials: exit = %d, want 2", code)
	}
}

func TestRun_ReportsRequiresArchiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  s3:\n    bucket: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{{"reports"}, {"reports", "-fetch", "teth/montecarlo/x.json.gz"}} {
		code, _, stderr := runCLIWithConfig(t, path, args...)
		if code != 2 {
			t.Errorf("%v: exit = %d, want 2", args, code)
		}
		if !strings.Contains(stderr, "bucket is required") {
			t.Errorf("%v: stderr = %q", args, stderr)
		}
	}
}

func TestStorageError(t *testing.T) {
	other := errors.New("syntax error")

	tests := []struct {
		name            string
		err             error
		wantUnreachable bool
		wantValidation  bool
	}{
		{"connection", storage.WrapConnectionError("Connect", errors.New("dial tcp: refused")), true, false},
		{"not found", storage.WrapNotFoundError("CampaignEvents", "detections", "chain-1"), false, true},
		{"other", other, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storageError("localhost:9000", "chain-1", tt.err)
			if got := tetherrors.IsUnreachable(err); got != tt.wantUnreachable {
				t.Errorf("IsUnreachable() = %v, want %v", got, tt.wantUnreachable)
			}
			if got := tetherrors.IsValidation(err); got != tt.wantValidation {
				t.Errorf("IsValidation() = %v, want %v", got, tt.wantValidation)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error chain lost the cause: %v", err)
			}
		})
	}
}
