package tunnel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoPrivateKey is returned when no SSH private key could be found
var ErrNoPrivateKey = errors.New("SSH key not found, set up an SSH key pair (ssh-keygen -t ed25519) or pass --ssh-key")

// keyNames are tried in order under ~/.ssh
var keyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// FindPrivateKey returns explicit when it exists, otherwise the first of
// ~/.ssh/id_ed25519, ~/.ssh/id_rsa and ~/.ssh/id_ecdsa that exists.
func FindPrivateKey(explicit, home string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoPrivateKey, explicit)
		}
		return explicit, nil
	}

	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", ErrNoPrivateKey
		}
	}

	for _, name := range keyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNoPrivateKey
}

// PublicKey reads the public half (<key>.pub) of a private key
func PublicKey(privateKeyPath string) (string, error) {
	data, err := os.ReadFile(privateKeyPath + ".pub")
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
