package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"teth/internal/attribution"
	"teth/internal/catalog"
	"teth/internal/detection"
	"teth/internal/ingest"
	"teth/internal/schema"
)

// fakeClock advances only when the firer sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	svc    *detection.Service
	url    string
	stdout bytes.Buffer
	stderr bytes.Buffer
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := catalog.MustDefault()
	svc := detection.NewService(detection.DefaultConfig(), detection.NewScorer(detection.DefaultRules()), c,
		attribution.NewEngine(c, attribution.DefaultConfig()))
	srv := httptest.NewServer(ingest.NewHandler(svc, schema.NewValidator()).Routes())
	t.Cleanup(srv.Close)

	return &harness{
		svc:   svc,
		url:   srv.URL,
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (h *harness) run(args ...string) int {
	h.stdout.Reset()
	h.stderr.Reset()
	return run(context.Background(), append([]string{"--plasma-url", h.url}, args...), env{
		stdout: &h.stdout,
		stderr: &h.stderr,
		now:    h.clock.Now,
		sleep:  h.clock.Sleep,
	})
}

func TestRun_Unreachable(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(nil)
	h.url = srv.URL
	srv.Close()

	if code := h.run("--chain", "nmap"); code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(h.stderr.String(), "unreachable") {
		t.Errorf("stderr = %q", h.stderr.String())
	}
	if h.stdout.Len() != 0 {
		t.Errorf("nothing should be fired, stdout = %q", h.stdout.String())
	}
}

func TestRun_UnknownAPT(t *testing.T) {
	h := newHarness(t)

	if code := h.run("--apt", "apt99"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	for _, id := range []string{"apt28", "apt29", "lazarus", "apt1", "fin7"} {
		if !strings.Contains(h.stderr.String(), id) {
			t.Errorf("stderr missing option %s: %q", id, h.stderr.String())
		}
	}
	if h.svc.Stats().TotalEvents != 0 {
		t.Error("no events should be fired")
	}
}

func TestRun_ExplicitChainSkipsUnknownTools(t *testing.T) {
	h := newHarness(t)

	code := h.run("--chain", "nmap, doesnotexist ,cobalt_strike", "--delay", "0")
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, h.stderr.String())
	}
	if !strings.Contains(h.stderr.String(), "skipping unknown tool") || !strings.Contains(h.stderr.String(), "doesnotexist") {
		t.Errorf("expected unknown tool warning, stderr = %q", h.stderr.String())
	}
	out := h.stdout.String()
	for _, want := range []string{"nmap", "cobalt_strike", "DETECTED", "Campaign Assessment", "1/2 events detected"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout missing %q:\n%s", want, out)
		}
	}

	stats := h.svc.Stats()
	if stats.TotalEvents != 2 || stats.ChainsTracked != 1 {
		t.Errorf("service stats = %+v", stats)
	}
}

func TestRun_APTSinglePass(t *testing.T) {
	h := newHarness(t)

	if code := h.run("--apt", "APT29", "--delay", "0", "-q"); code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, h.stderr.String())
	}
	out := h.stdout.String()
	if !strings.Contains(out, "events=4") || !strings.Contains(out, "apt=apt29") {
		t.Errorf("summary = %q", out)
	}
	if strings.Contains(out, "Campaign Assessment") {
		t.Error("quiet mode should only print the summary")
	}
}

func TestRun_APTDuration(t *testing.T) {
	h := newHarness(t)

	// 5s between events for one minute: positions 0 through 12 fire
	// before the clock reaches the deadline.
	if code := h.run("--apt", "fin7", "--duration", "1", "--delay", "10", "--intensity", "2", "-q"); code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, h.stderr.String())
	}
	if out := h.stdout.String(); !strings.Contains(out, "events=13") {
		t.Errorf("summary = %q", out)
	}
	if got := h.svc.Stats().TotalEvents; got != 13 {
		t.Errorf("service saw %d events, want 13", got)
	}
}

func TestRun_OptimizedChain(t *testing.T) {
	h := newHarness(t)

	if code := h.run("--objective", "stealth", "--persona", "apt", "--max-tools", "3", "--delay", "0", "-q"); code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, h.stderr.String())
	}
	if got := h.svc.Stats().TotalEvents; got < 1 || got > 3 {
		t.Errorf("fired %d events, want 1..3", got)
	}
}

func TestRun_BadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown objective", []string{"--objective", "chaos"}},
		{"unknown persona", []string{"--persona", "wizard"}},
		{"zero intensity", []string{"--intensity", "0"}},
		{"undefined flag", []string{"--blast-radius", "9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if code := h.run(tt.args...); code != exitUsage {
				t.Errorf("exit code = %d, want %d (stderr %q)", code, exitUsage, h.stderr.String())
			}
			if h.svc.Stats().TotalEvents != 0 {
				t.Error("no events should be fired")
			}
		})
	}
}
