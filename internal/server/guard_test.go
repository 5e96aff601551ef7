package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/mcpal/internal/config"
)

func testGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	cfg := config.Default().Guard
	cfg.WorldBackoffInitial = 5 * time.Millisecond
	cfg.WorldBackoffMax = 10 * time.Millisecond
	return NewGuard(cfg, nil), t.TempDir()
}

func TestAcceptEULAIsIdempotent(t *testing.T) {
	guard, dir := testGuard(t)
	path := filepath.Join(dir, "eula.txt")
	original := "#By changing the setting below to TRUE you are indicating your agreement\neula=false\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatalf("failed to write eula: %v", err)
	}

	if guard.CheckFiles(dir) != FailureEULA {
		t.Fatalf("expected eula=false to fail the preflight")
	}

	changed, err := guard.AcceptEULA(dir)
	if err != nil || !changed {
		t.Fatalf("expected first accept to change the file, got %v, %v", changed, err)
	}
	data, _ := os.ReadFile(path)
	expected := "#By changing the setting below to TRUE you are indicating your agreement\neula=true\n"
	if string(data) != expected {
		t.Fatalf("unexpected eula content: %q", string(data))
	}

	changed, err = guard.AcceptEULA(dir)
	if err != nil || changed {
		t.Fatalf("expected second accept to be a no-op, got %v, %v", changed, err)
	}
	again, _ := os.ReadFile(path)
	if string(again) != expected {
		t.Fatalf("second accept rewrote the file: %q", string(again))
	}
}

func TestEULAAcceptedIgnoresCaseAndSpacing(t *testing.T) {
	guard, dir := testGuard(t)
	if err := os.WriteFile(filepath.Join(dir, "eula.txt"), []byte(" EULA = TRUE \r\n"), 0644); err != nil {
		t.Fatalf("failed to write eula: %v", err)
	}
	accepted, err := guard.EULAAccepted(dir)
	if err != nil || !accepted {
		t.Fatalf("expected eula to be accepted, got %v, %v", accepted, err)
	}
}

func TestWorldCheck(t *testing.T) {
	guard, dir := testGuard(t)
	if err := os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("eula=true\n"), 0644); err != nil {
		t.Fatalf("failed to write eula: %v", err)
	}

	if guard.CheckFiles(dir) != FailureWorld {
		t.Fatalf("expected missing worlds dir to fail the preflight")
	}
	if err := os.Mkdir(filepath.Join(dir, "worlds"), 0755); err != nil {
		t.Fatalf("failed to create worlds: %v", err)
	}
	if guard.CheckFiles(dir) != FailureNone {
		t.Fatalf("expected preflight to pass")
	}

	guard.cfg.WorldDir = ""
	if !guard.WorldPresent(t.TempDir()) {
		t.Fatalf("empty world_dir should disable the check")
	}
}

func TestWaitForWorld(t *testing.T) {
	guard, dir := testGuard(t)
	guard.cfg.WorldRetries = 2

	if err := guard.WaitForWorld(context.Background(), dir); err != ErrWorldMissing {
		t.Fatalf("expected ErrWorldMissing, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	guard.cfg.WorldRetries = 100
	if err := guard.WaitForWorld(ctx, dir); err != context.Canceled {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	if err := os.Mkdir(filepath.Join(dir, "worlds"), 0755); err != nil {
		t.Fatalf("failed to create worlds: %v", err)
	}
	if err := guard.WaitForWorld(context.Background(), dir); err != nil {
		t.Fatalf("present world should return immediately: %v", err)
	}
}

func TestClassify(t *testing.T) {
	guard, _ := testGuard(t)
	cases := []struct {
		line string
		want Failure
	}{
		{"[ERROR] You need to agree to the EULA in order to run the server. Go to eula.txt for more info.", FailureEULA},
		{"[WARN] Failed to load eula.txt", FailureEULA},
		{"[ERROR] Failed to load world", FailureWorld},
		{"[INFO] Level Name: Bedrock level", FailureNone},
		{"[INFO] Server started.", FailureNone},
	}
	for _, tc := range cases {
		if got := guard.Classify(tc.line); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
	if !guard.IsReady("[2024-01-01 10:00:00:000 INFO] Server started.") {
		t.Fatalf("expected ready line to match")
	}
}

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, line := range lines {
		ch <- line
	}
	return ch
}

func TestScan(t *testing.T) {
	guard, _ := testGuard(t)
	ctx := context.Background()

	result := guard.Scan(ctx, feed("[INFO] Starting Server", "[INFO] Server started.", "[ERROR] Failed to load world"), time.Second)
	if !result.Ready || result.Failure != FailureNone || result.Lines != 2 {
		t.Fatalf("expected ready after two lines, got %+v", result)
	}

	result = guard.Scan(ctx, feed("[INFO] Starting Server", "[ERROR] Failed to load eula.txt"), time.Second)
	if result.Failure != FailureEULA {
		t.Fatalf("expected eula failure, got %+v", result)
	}

	closed := make(chan string, 1)
	closed <- "[INFO] Starting Server"
	close(closed)
	result = guard.Scan(ctx, closed, time.Second)
	if !result.Closed || result.Ready {
		t.Fatalf("expected closed result, got %+v", result)
	}

	guard.cfg.ScanLines = 2
	result = guard.Scan(ctx, feed("a", "b", "[ERROR] Failed to load world"), time.Second)
	if result.Failure != FailureNone || result.Lines != 2 {
		t.Fatalf("expected scan to stop after two lines, got %+v", result)
	}

	start := time.Now()
	result = guard.Scan(ctx, make(chan string), 50*time.Millisecond)
	if result.Ready || time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected scan to end at the timeout, got %+v", result)
	}
}
