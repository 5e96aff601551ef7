package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/logging"
	"github.com/yourusername/mcpal/internal/metrics"
)

// Failure names a known startup problem the guard can remediate
type Failure string

const (
	FailureNone  Failure = ""
	FailureEULA  Failure = "eula"
	FailureWorld Failure = "world"
)

var errWorldAbsent = errors.New("world directory not present")

// ScanResult summarizes the early output of a starting server
type ScanResult struct {
	Failure Failure
	Ready   bool
	// Closed is set when the output ended before the scan finished
	Closed bool
	Lines  int
}

// Guard runs the EULA and world preflight checks and their remediation
type Guard struct {
	cfg      config.GuardConfig
	activity *logging.ActivityLogger
}

// NewGuard creates a guard for the given signatures and retry bounds
func NewGuard(cfg config.GuardConfig, activity *logging.ActivityLogger) *Guard {
	return &Guard{cfg: cfg, activity: activity}
}

// CheckFiles inspects the server directory before spawning
func (g *Guard) CheckFiles(serverDir string) Failure {
	accepted, err := g.EULAAccepted(serverDir)
	if err != nil {
		log.Printf("[Guard] Failed to read %s: %v", g.cfg.EULAFile, err)
	}
	if !accepted {
		return FailureEULA
	}
	if !g.WorldPresent(serverDir) {
		return FailureWorld
	}
	return FailureNone
}

// EULAAccepted reports whether the EULA file carries eula=true.
// A missing file is not an error.
func (g *Guard) EULAAccepted(serverDir string) (bool, error) {
	data, err := os.ReadFile(g.eulaPath(serverDir))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if isEULALine(scanner.Text(), "true") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// AcceptEULA writes eula=true, keeping any other lines in the file.
// It returns false when the flag was already set.
func (g *Guard) AcceptEULA(serverDir string) (bool, error) {
	accepted, err := g.EULAAccepted(serverDir)
	if err != nil {
		return false, err
	}
	if accepted {
		return false, nil
	}

	path := g.eulaPath(serverDir)
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
			if isEULALine(line, "") {
				continue
			}
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}
	lines = append(lines, "eula=true")

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Printf("[Guard] Set eula=true in %s", path)
	return true, nil
}

func isEULALine(line, value string) bool {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), "eula") {
		return false
	}
	return value == "" || strings.EqualFold(strings.TrimSpace(val), value)
}

func (g *Guard) eulaPath(serverDir string) string {
	if filepath.IsAbs(g.cfg.EULAFile) {
		return g.cfg.EULAFile
	}
	return filepath.Join(serverDir, g.cfg.EULAFile)
}

// WorldPresent reports whether the world directory exists. An empty world_dir disables the check.
func (g *Guard) WorldPresent(serverDir string) bool {
	if strings.TrimSpace(g.cfg.WorldDir) == "" {
		return true
	}
	dir := g.cfg.WorldDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(serverDir, dir)
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Classify matches a console line against the known failure signatures
func (g *Guard) Classify(line string) Failure {
	if containsAny(line, g.cfg.EULASignatures) {
		return FailureEULA
	}
	if containsAny(line, g.cfg.WorldSignatures) {
		return FailureWorld
	}
	return FailureNone
}

// IsReady reports whether a line says the server finished starting
func (g *Guard) IsReady(line string) bool {
	return containsAny(line, g.cfg.ReadySignatures)
}

func containsAny(line string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(line, sig) {
			return true
		}
	}
	return false
}

// Scan watches early output for failure signatures. It stops at the first
// failure, a ready line, scan_lines lines, the timeout, or the end of output.
func (g *Guard) Scan(ctx context.Context, lines <-chan string, timeout time.Duration) ScanResult {
	var result ScanResult

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if g.cfg.ScanLines > 0 && result.Lines >= g.cfg.ScanLines {
			return result
		}
		select {
		case <-ctx.Done():
			return result
		case <-deadline:
			log.Printf("[Guard] No ready line after %v, ending preflight scan", timeout)
			return result
		case line, ok := <-lines:
			if !ok {
				result.Closed = true
				return result
			}
			result.Lines++
			if failure := g.Classify(line); failure != FailureNone {
				result.Failure = failure
				return result
			}
			if g.IsReady(line) {
				result.Ready = true
				return result
			}
		}
	}
}

// Remediate applies the fix for a failure. attempt is 1-based.
func (g *Guard) Remediate(ctx context.Context, serverDir string, failure Failure, attempt int) error {
	var err error
	switch failure {
	case FailureEULA:
		_, err = g.AcceptEULA(serverDir)
	case FailureWorld:
		err = g.WaitForWorld(ctx, serverDir)
	default:
		return nil
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	metrics.IncRemediation(string(failure))
	if logErr := g.activity.LogRemediation(string(failure), attempt, errMsg); logErr != nil {
		log.Printf("[Guard] Failed to record remediation: %v", logErr)
	}
	return err
}

// WaitForWorld prints the operator guidance and waits, with exponential
// backoff, for the world directory to appear.
func (g *Guard) WaitForWorld(ctx context.Context, serverDir string) error {
	if g.WorldPresent(serverDir) {
		return nil
	}

	log.Printf("[Guard] %s", ErrWorldMissing.Error())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.WorldBackoffInitial
	b.MaxInterval = g.cfg.WorldBackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.WorldRetries)), ctx)

	op := func() error {
		if g.WorldPresent(serverDir) {
			return nil
		}
		return errWorldAbsent
	}
	notify := func(err error, next time.Duration) {
		log.Printf("[Guard] World still missing, checking again in %v", next.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrWorldMissing
	}
	log.Printf("[Guard] World directory found")
	return nil
}
