package sshutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// PassphraseEnv names the variable holding the passphrase for an encrypted key
const PassphraseEnv = "MCPAL_SSH_KEY_PASSPHRASE"

// ReadSigner loads a private key file. Encrypted keys are opened with the
// passphrase from PassphraseEnv.
func ReadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	passphrase := os.Getenv(PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("private key %s is encrypted and %s is not set", path, PassphraseEnv)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	return signer, nil
}
