package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// FileStore reads preferences from a JSON file and writes the one
// mutation this core performs atomically.
type FileStore struct {
	path string
	log  pslog.Logger

	mu     sync.Mutex
	values Values
}

// NewFileStore constructs a file-backed store at the given path.
func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithLogger(path, nil)
}

// NewFileStoreWithLogger constructs a file-backed store with logging.
func NewFileStoreWithLogger(path string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("preference path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	store := &FileStore{path: path, log: logger.With("prefs_path", path)}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("prefs load miss")
			return nil
		}
		s.log.Warn("prefs load failed", "err", err)
		return err
	}
	var values Values
	if err := json.Unmarshal(data, &values); err != nil {
		s.log.Warn("prefs load failed", "err", err)
		return err
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	s.log.Debug("prefs load ok", "simulator", values.SimulatorEnabled, "has_token", values.CredentialToken != "")
	return nil
}

// SimulatorEnabled reports whether the simulator is configured.
func (s *FileStore) SimulatorEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.SimulatorEnabled
}

// SimulatorBackend returns the chosen simulator backend.
func (s *FileStore) SimulatorBackend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.SimulatorBackend
}

// SimulatorDevice returns the chosen simulator device.
func (s *FileStore) SimulatorDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.SimulatorDevice
}

// CredentialToken returns the stored credential token.
func (s *FileStore) CredentialToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.CredentialToken
}

// CredentialInstance returns the stored credential instance.
func (s *FileStore) CredentialInstance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.CredentialInstance
}

// ActiveMode returns the explicit mode override.
func (s *FileStore) ActiveMode() schema.ActiveMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.ActiveMode
}

// ClearActiveMode resets the explicit mode override and persists.
func (s *FileStore) ClearActiveMode() error {
	s.mu.Lock()
	s.values.ActiveMode = schema.ActiveModeUnset
	values := s.values
	s.mu.Unlock()
	if err := s.save(values); err != nil {
		s.log.Warn("prefs save failed", "err", err)
		return err
	}
	s.log.Debug("prefs active mode cleared")
	return nil
}

func (s *FileStore) save(values Values) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "prefs-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
