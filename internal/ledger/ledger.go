// Package ledger persists the databases that failed during a run so the next
// run retries only those.
package ledger

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Store is the failure ledger.
type Store interface {
	Append(database string) error
	Exists() bool
	List() ([]string, error)
	Clear() error
}

// FileStore keeps one database name per line. The mutex serializes goroutines
// of this process; the file lock keeps concurrent migrator processes apart.
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore) Path() string { return s.path }

// Append records database unless it is already listed.
func (s *FileStore) Append(database string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create ledger directory")
		}
	}
	if err := s.lock.Lock(); err != nil {
		return errors.Wrap(err, "lock ledger")
	}
	defer func() { _ = s.lock.Unlock() }()

	existing, err := s.read()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if name == database {
			return nil
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	if _, err := f.WriteString(database + "\n"); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write ledger")
	}
	return errors.Wrap(f.Close(), "close ledger")
}

func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// List returns the recorded names in file order, nil when there is no ledger.
func (s *FileStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Exists() {
		return nil, nil
	}
	if err := s.lock.RLock(); err != nil {
		return nil, errors.Wrap(err, "lock ledger")
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.read()
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove ledger")
	}
	_ = os.Remove(s.lock.Path())
	return nil
}

func (s *FileStore) read() ([]string, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	defer f.Close()

	var names []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, errors.Wrap(scanner.Err(), "read ledger")
}
