// Package tokenfile stores the bearer token a device presents to the
// coordination server, so it does not have to live in the config file.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// ErrServerMismatch is returned when a saved token belongs to a different
// server than the one being contacted.
var ErrServerMismatch = errors.New("tokenfile: token was saved for another server")

// Credentials is the on-disk format.
type Credentials struct {
	Server  string        `json:"server"`
	Actor   string        `json:"actor,omitempty"`
	Token   *oauth2.Token `json:"token"`
	SavedAt time.Time     `json:"saved_at"`
}

// Load reads saved credentials. A missing file returns (nil, nil).
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if c.Token == nil || c.Token.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s has no token (run 'fieldsync login')", path)
	}

	return &c, nil
}

// TokenSource returns a source for the token saved at path for server, or
// nil when nothing is saved.
func TokenSource(path, server string) (oauth2.TokenSource, error) {
	c, err := Load(path)
	if err != nil || c == nil {
		return nil, err
	}

	if normalizeServer(c.Server) != normalizeServer(server) {
		return nil, fmt.Errorf("%w: %s has a token for %s, not %s", ErrServerMismatch, path, c.Server, server)
	}

	return oauth2.StaticTokenSource(c.Token), nil
}

func normalizeServer(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

// Save writes credentials atomically (temp file + rename) with 0600
// permissions.
func Save(path string, c Credentials) error {
	if c.Token == nil || c.Token.AccessToken == "" {
		return errors.New("tokenfile: refusing to save an empty token")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	// Same directory keeps the rename on one filesystem.
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes saved credentials. It reports whether a file existed.
func Remove(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return true, nil
}
