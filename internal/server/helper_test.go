package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/mcpal/internal/config"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is re-executed by the supervisor
// tests as a fake game server.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "no helper mode")
		os.Exit(2)
	}
	os.Exit(fakeServer(args[1]))
}

func fakeServer(mode string) int {
	fmt.Println("NO LOG FILE! - setting up server logging...")
	fmt.Println("[INFO] Starting Server")

	switch mode {
	case "exit-early":
		return 0
	case "eula-always":
		fmt.Println("[ERROR] You need to agree to the EULA in order to run the server. Go to eula.txt for more info.")
		return 1
	case "eula-once":
		if _, err := os.Stat("eula-prompted"); err != nil {
			os.WriteFile("eula-prompted", []byte("1"), 0644)
			fmt.Println("[ERROR] You need to agree to the EULA in order to run the server. Go to eula.txt for more info.")
			return 1
		}
	case "world-once":
		if _, err := os.Stat("world-prompted"); err != nil {
			os.WriteFile("world-prompted", []byte("1"), 0644)
			fmt.Println("[ERROR] Failed to load world: Level not found")
			return 1
		}
	case "silent":
		// never prints a ready line
		return serveConsole(mode)
	}

	fmt.Println("[INFO] Level Name: Bedrock level")
	fmt.Println("[INFO] Server started.")
	return serveConsole(mode)
}

func serveConsole(mode string) int {
	if mode == "deaf" {
		// stdin is never read, so the input pipe fills up
		time.Sleep(time.Hour)
		return 0
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch line {
		case "stop":
			if mode == "ignore-stop" {
				fmt.Println("[INFO] stop ignored")
				continue
			}
			fmt.Println("[INFO] Stopping the server...")
			if mode == "linger" {
				time.Sleep(time.Hour)
			}
			fmt.Println("Quit correctly")
			return 0
		case "crash":
			fmt.Println("Segmentation fault")
			return 139
		case "save hold":
			fmt.Println("Saving...")
		case "save query":
			fmt.Println("Data saved. Files are now ready to be copied.")
			fmt.Println("Bedrock level/db/000005.ldb:1024")
		case "save resume":
			fmt.Println("Changes to the level are resumed.")
		default:
			fmt.Printf("echo: %s\n", line)
		}
	}
	return 0
}

type testServer struct {
	dir      string
	cfg      config.ServerConfig
	guardCfg config.GuardConfig
	commands []string
}

func newTestServer(t *testing.T, mode string) *testServer {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "eula.txt"), []byte("eula=true\n"), 0644); err != nil {
		t.Fatalf("failed to write eula: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "worlds", "Bedrock level"), 0755); err != nil {
		t.Fatalf("failed to create world: %v", err)
	}

	exe, err := filepath.Abs(os.Args[0])
	if err != nil {
		t.Fatalf("failed to resolve test binary: %v", err)
	}

	defaults := config.Default()
	cfg := defaults.Server
	cfg.Executable = exe
	cfg.Args = []string{"-test.run=TestHelperProcess", "--", mode}
	cfg.Env = []string{helperEnv + "=1"}
	cfg.StartupTimeout = 5 * time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.KillTimeout = 5 * time.Second

	guardCfg := defaults.Guard
	guardCfg.WorldBackoffInitial = 10 * time.Millisecond
	guardCfg.WorldBackoffMax = 50 * time.Millisecond

	return &testServer{dir: dir, cfg: cfg, guardCfg: guardCfg}
}

func (ts *testServer) supervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	startup := config.NewStartupConfiguration(ts.dir, filepath.Join(ts.dir, "backup"), ts.dir, ts.commands, nil)
	s := NewSupervisor(ts.cfg, ts.guardCfg, startup, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func containsLine(lines []string, want string) bool {
	for _, line := range lines {
		if line == want {
			return true
		}
	}
	return false
}
