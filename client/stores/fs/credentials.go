// Package fs provides a file system-based credential store for barter clients.
package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/panyam/barter/client"
)

// FSCredentialStore stores credentials as a JSON file on the filesystem.  Reads pick up
// changes written by other processes.
type FSCredentialStore struct {
	mu       sync.Mutex
	path     string
	entries  map[string]*client.Credential
	modified bool
}

// credentialFile is the JSON structure stored on disk
type credentialFile struct {
	Credentials map[string]*client.Credential `json:"credentials"`
}

// DefaultPath is ~/.config/<appName>/credentials.json
func DefaultPath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = "barter"
	}
	return filepath.Join(configDir, appName, "credentials.json"), nil
}

// NewFSCredentialStore creates a new FS-based credential store.
// If path is empty, defaults to DefaultPath(appName)
func NewFSCredentialStore(path string, appName string) (*FSCredentialStore, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(appName); err != nil {
			return nil, err
		}
	}

	store := &FSCredentialStore{
		path:    path,
		entries: make(map[string]*client.Credential),
	}

	// Load existing credentials if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// load reads credentials from disk.  Caller holds mu or is the constructor.
func (s *FSCredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	s.entries = file.Credentials
	if s.entries == nil {
		s.entries = make(map[string]*client.Credential)
	}
	return nil
}

// reload re-reads the file so writes and removals by other processes are seen.
// Pending local changes win.
func (s *FSCredentialStore) reload() error {
	if s.modified {
		return nil
	}
	err := s.load()
	if os.IsNotExist(err) {
		s.entries = make(map[string]*client.Credential)
		return nil
	}
	return err
}

// GetCredential retrieves the credential stored under key
func (s *FSCredentialStore) GetCredential(key string) (*client.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return nil, err
	}
	cred, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *cred
	return &cp, nil
}

// SetCredential stores a credential under key
func (s *FSCredentialStore) SetCredential(key string, cred *client.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = cred
	s.modified = true
	return nil
}

// RemoveCredential removes the credential under key
func (s *FSCredentialStore) RemoveCredential(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	s.modified = true
	return nil
}

// ListKeys returns all keys with stored credentials
func (s *FSCredentialStore) ListKeys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Save persists credentials to disk
func (s *FSCredentialStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.modified {
		return nil
	}

	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := credentialFile{Credentials: s.entries}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	// Write to a temp file and rename into place, owner read/write only
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	s.modified = false
	return nil
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}
