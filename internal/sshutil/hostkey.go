package sshutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yourusername/mcpal/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrUnknownHost is returned for a host missing from known_hosts when trust on first use is off
	ErrUnknownHost = errors.New("unknown SSH host key")
	// ErrHostKeyChanged is returned when a host presents a key other than the recorded one
	ErrHostKeyChanged = errors.New("SSH host key changed")
)

// KnownHosts checks export hosts against a known_hosts file and optionally records new ones.
type KnownHosts struct {
	path string
	tofu bool

	mu     sync.Mutex
	verify ssh.HostKeyCallback
}

// OpenKnownHosts loads path, creating an empty file if needed
func OpenKnownHosts(path string, trustOnFirstUse bool) (*KnownHosts, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("known_hosts path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	file.Close()

	kh := &KnownHosts{path: path, tofu: trustOnFirstUse}
	if err := kh.reload(); err != nil {
		return nil, err
	}
	return kh, nil
}

// NewHostKeyCallback is OpenKnownHosts followed by Check
func NewHostKeyCallback(path string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	kh, err := OpenKnownHosts(path, trustOnFirstUse)
	if err != nil {
		return nil, err
	}
	return kh.Check, nil
}

func (kh *KnownHosts) reload() error {
	verify, err := knownhosts.New(kh.path)
	if err != nil {
		return fmt.Errorf("failed to read known_hosts: %w", err)
	}
	kh.verify = verify
	return nil
}

// Check is an ssh.HostKeyCallback
func (kh *KnownHosts) Check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	kh.mu.Lock()
	defer kh.mu.Unlock()

	err := kh.verify(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}

	fingerprint := ssh.FingerprintSHA256(key)
	if len(keyErr.Want) > 0 {
		logging.L().Warn("sftp_host_key_changed", "host", hostname, "fingerprint", fingerprint)
		return fmt.Errorf("%w for %s", ErrHostKeyChanged, hostname)
	}
	if !kh.tofu {
		return fmt.Errorf("%w for %s (%s)", ErrUnknownHost, hostname, fingerprint)
	}

	if err := kh.record(hostname, remote, key); err != nil {
		return err
	}
	logging.L().Info("sftp_host_key_accepted", "host", hostname, "fingerprint", fingerprint)
	return kh.reload()
}

func (kh *KnownHosts) record(hostname string, remote net.Addr, key ssh.PublicKey) error {
	file, err := os.OpenFile(kh.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, knownhosts.Line(hostPatterns(hostname, remote), key)); err != nil {
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return nil
}

// hostPatterns lists the dialed name and, when different, the remote address
func hostPatterns(hostname string, remote net.Addr) []string {
	var patterns []string
	if hostname != "" {
		patterns = append(patterns, knownhosts.Normalize(hostname))
	}
	if remote != nil {
		if addr := knownhosts.Normalize(remote.String()); len(patterns) == 0 || addr != patterns[0] {
			patterns = append(patterns, addr)
		}
	}
	return patterns
}
