package broker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const passwordBytes = 32

// Environment variables that carry the broker secret to child processes.
// The collector runs on the coordinator host and gets the password itself;
// workers are started through pbsdsh, whose command line is visible on the
// node, so they get only the path of the password file.
const (
	PasswordEnv     = "TASKPOOL_BROKER_PASSWORD"
	PasswordFileEnv = "TASKPOOL_BROKER_PASSWORD_FILE"
)

// LoadOrCreatePassword returns the password stored at path, generating and
// writing a new one (mode 0600) when the file does not exist. A leading "~/"
// is expanded to the user's home directory.
func LoadOrCreatePassword(path string) (string, error) {
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}

	pw, err := readPassword(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return pw, err
	}

	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	pw = hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create password dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(pw+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write password file: %w", err)
	}
	return pw, nil
}

// ReadPassword returns the password stored at path without ever creating it.
// Workers use it; only the coordinator generates passwords.
func ReadPassword(path string) (string, error) {
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}
	return readPassword(path)
}

// ResolvePasswordPath expands "~/" and makes path absolute so it can be handed
// to processes with a different working directory.
func ResolvePasswordPath(path string) (string, error) {
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func readPassword(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}
	pw := strings.TrimSpace(string(data))
	if pw == "" {
		return "", fmt.Errorf("password file %s is empty", path)
	}
	return pw, nil
}

func expandHome(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("password file path required")
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
