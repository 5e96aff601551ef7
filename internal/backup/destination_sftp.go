package backup

import (
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/sshutil"
	xssh "golang.org/x/crypto/ssh"
)

// SFTPDestination stores archives on a remote SFTP server
type SFTPDestination struct {
	config     config.DestinationConfig
	sshClient  *xssh.Client
	sftpClient *sftp.Client
}

// NewSFTPDestination creates a new SFTP destination
func NewSFTPDestination(cfg config.DestinationConfig) (*SFTPDestination, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	dest := &SFTPDestination{
		config: cfg,
	}

	// Connect on initialization
	if err := dest.connect(); err != nil {
		return nil, err
	}

	return dest, nil
}

// connect establishes SSH and SFTP connections
func (sd *SFTPDestination) connect() error {
	// Build SSH config
	knownHostsPath := sd.config.KnownHostsPath
	if knownHostsPath == "" {
		knownHostsPath = "./data/known_hosts"
	}

	hostKeyCallback, err := sshutil.NewHostKeyCallback(knownHostsPath, sd.config.TrustOnFirstUse)
	if err != nil {
		return fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &xssh.ClientConfig{
		User:            sd.config.Username,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	// Add authentication method
	if sd.config.KeyPath != "" {
		signer, err := sshutil.ReadSigner(sd.config.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to load SSH key: %w", err)
		}
		sshConfig.Auth = []xssh.AuthMethod{xssh.PublicKeys(signer)}
	} else if sd.config.Password != "" {
		sshConfig.Auth = []xssh.AuthMethod{xssh.Password(sd.config.Password)}
	} else {
		return fmt.Errorf("no authentication method provided for SFTP")
	}

	// Connect to SSH server
	addr := fmt.Sprintf("%s:%d", sd.config.Host, sd.config.Port)
	log.Printf("[SFTPDest] Connecting to %s...", addr)

	sshClient, err := xssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH server: %w", err)
	}
	sd.sshClient = sshClient

	// Create SFTP client
	sftpClient, err := sftp.NewClient(sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	sd.sftpClient = sftpClient

	// Ensure base directory exists
	if err := sd.sftpClient.MkdirAll(sd.config.Path); err != nil {
		sd.Close()
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	log.Printf("[SFTPDest] Connected successfully")
	return nil
}

// Close closes the SFTP and SSH connections
func (sd *SFTPDestination) Close() error {
	if sd.sftpClient != nil {
		sd.sftpClient.Close()
	}
	if sd.sshClient != nil {
		sd.sshClient.Close()
	}
	return nil
}

// Upload writes the archive under a temporary name and renames it once complete
func (sd *SFTPDestination) Upload(filename string, reader io.Reader, sizeBytes int64) error {
	destPath := path.Join(sd.config.Path, filename)
	partPath := path.Join(sd.config.Path, "."+filename+".part")
	log.Printf("[SFTPDest] Uploading %s to %s (%d bytes)", filename, destPath, sizeBytes)

	file, err := sd.sftpClient.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	written, err := io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		sd.sftpClient.Remove(partPath)
		return fmt.Errorf("failed to write remote file: %w", err)
	}

	if sizeBytes >= 0 && written != sizeBytes {
		sd.sftpClient.Remove(partPath)
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", sizeBytes, written)
	}

	if err := sd.sftpClient.PosixRename(partPath, destPath); err != nil {
		sd.sftpClient.Remove(partPath)
		return fmt.Errorf("failed to finalize remote file: %w", err)
	}

	log.Printf("[SFTPDest] Upload complete: %s", filename)
	return nil
}

// Delete removes an archive from the SFTP destination
func (sd *SFTPDestination) Delete(filename string) error {
	destPath := path.Join(sd.config.Path, filename)
	log.Printf("[SFTPDest] Deleting %s", destPath)

	if err := sd.sftpClient.Remove(destPath); err != nil {
		return fmt.Errorf("failed to delete remote file: %w", err)
	}

	log.Printf("[SFTPDest] Delete complete: %s", filename)
	return nil
}

// List returns the archives in the remote directory
func (sd *SFTPDestination) List() ([]ArchiveFile, error) {
	entries, err := sd.sftpClient.ReadDir(sd.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}

	var files []ArchiveFile
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		files = append(files, ArchiveFile{
			Filename:  entry.Name(),
			SizeBytes: entry.Size(),
			CreatedAt: entry.ModTime().Unix(),
		})
	}

	return files, nil
}

// GetType returns the destination type
func (sd *SFTPDestination) GetType() string {
	return "sftp"
}
