package coordination

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/config"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

const (
	secretReadAttempts = 50
	secretReadDelay    = 10 * time.Millisecond
)

// LoadSecret returns the signing key: messaging.secret when set, otherwise
// the key file in the state directory, which the first caller creates.
// Concurrent first callers agree on one key because the file is created
// exclusively.
func LoadSecret(fsys afero.Fs, cfg *config.Config) ([]byte, error) {
	if cfg.Messaging.Secret != "" {
		return []byte(cfg.Messaging.Secret), nil
	}

	path := cfg.SecretFile()
	if _, err := fsys.Stat(path); err == nil {
		return awaitSecret(fsys, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("coordination: stat secret file: %w", err)
	}

	generated, err := mailbox.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("coordination: create state directory: %w", err)
	}
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return awaitSecret(fsys, path)
	}
	if err != nil {
		return nil, fmt.Errorf("coordination: create secret file: %w", err)
	}
	_, werr := f.WriteString(generated + "\n")
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = fsys.Remove(path)
		return nil, fmt.Errorf("coordination: write secret file: %w", err)
	}
	return []byte(generated), nil
}

// awaitSecret reads the key file, waiting briefly for a concurrent creator
// to finish writing it.
func awaitSecret(fsys afero.Fs, path string) ([]byte, error) {
	var err error
	for range secretReadAttempts {
		var secret []byte
		if secret, err = readSecret(fsys, path); err == nil {
			return secret, nil
		}
		if !errors.Is(err, errors.ErrInvalidInput) {
			return nil, err
		}
		time.Sleep(secretReadDelay)
	}
	return nil, err
}

func readSecret(fsys afero.Fs, path string) ([]byte, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, errors.NewValidationError("secret file is empty").WithField("messaging.secret").WithValue(path)
	}
	return []byte(secret), nil
}
