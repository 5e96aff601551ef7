package server

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// process is one spawned server instance and its pipes
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exited  chan struct{}
	exitErr error
	waitMu  sync.Mutex
}

// launchSpec describes how to spawn the server
type launchSpec struct {
	Dir        string
	Executable string
	Args       []string
	Env        []string
}

// path resolves a relative executable against the server directory.
// Bare names are left for PATH lookup.
func (spec launchSpec) path() string {
	exe := spec.Executable
	if filepath.IsAbs(exe) || !hasPathSeparator(exe) {
		return exe
	}
	return filepath.Join(spec.Dir, exe)
}

func hasPathSeparator(s string) bool {
	return strings.ContainsRune(s, '/') || strings.ContainsRune(s, filepath.Separator)
}

// spawn starts the process with stdout and stderr merged into one pipe.
// The caller owns the returned pipes.
func spawn(spec launchSpec) (*process, error) {
	info, err := os.Stat(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: server directory %s: %v", ErrSpawn, spec.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSpawn, spec.Dir)
	}

	path := spec.path()
	if hasPathSeparator(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: executable %s: %v", ErrSpawn, path, err)
		}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: output pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// Only the child holds the write end now, so EOF follows its exit
	outW.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.waitMu.Lock()
	p.exitErr = err
	p.waitMu.Unlock()
	close(p.exited)
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitError returns the result of Wait once the process has exited
func (p *process) exitError() error {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.exitErr
}

// waitExit reports whether the process exited within timeout
func (p *process) waitExit(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-p.exited:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

// kill terminates the whole process group
func (p *process) kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
