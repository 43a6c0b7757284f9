package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Store errors.
var (
	// ErrRecordExists is returned by Create when the record already exists.
	ErrRecordExists = errors.New("record already exists")
	// ErrRecordNotFound is returned when a named record does not exist.
	ErrRecordNotFound = errors.New("record not found")
)

// RecordStore is a flat namespace of small records shared between processes.
// Create must be exclusive and Replace must be a single atomic swap: an
// observer sees either the old or the new record, never neither.
type RecordStore interface {
	Create(name string, data []byte) error
	Replace(name string, data []byte) error
	Read(name string) ([]byte, error)
	Remove(name string) error
	List() ([]string, error)
	ModTime(name string) (time.Time, error)
}

// FSStore is a RecordStore over an afero filesystem. Production code uses
// the OS filesystem rooted at the lock directory; tests use afero.MemMapFs.
type FSStore struct {
	fs  afero.Fs
	dir string
}

// NewFSStore creates a store holding records in dir on fsys.
func NewFSStore(fsys afero.Fs, dir string) (*FSStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &FSStore{fs: fsys, dir: dir}, nil
}

// NewOSStore creates a store in dir on the real filesystem.
func NewOSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir), "/")
}

func (s *FSStore) path(name string) string {
	return path.Join(s.dir, name)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %v", ErrRecordExists, err)
	default:
		return err
	}
}

// Create writes a new record, failing with ErrRecordExists if name is taken.
func (s *FSStore) Create(name string, data []byte) error {
	f, err := s.fs.OpenFile(s.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return translate(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(s.path(name))
		return fmt.Errorf("write record %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync record %s: %w", name, err)
	}
	return f.Close()
}

// Replace writes data to a temporary sibling and renames it over name.
func (s *FSStore) Replace(name string, data []byte) error {
	tmp := s.path(name + tempSuffix + uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path(name)); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace record %s: %w", name, err)
	}
	return nil
}

// Read returns a record's contents.
func (s *FSStore) Read(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(name))
	return data, translate(err)
}

// Remove deletes a record.
func (s *FSStore) Remove(name string) error {
	return translate(s.fs.Remove(s.path(name)))
}

// List returns the names of all records, sorted. Temporary and guard files
// are included; callers filter by suffix.
func (s *FSStore) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list records: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ModTime returns a record's last modification time.
func (s *FSStore) ModTime(name string) (time.Time, error) {
	info, err := s.fs.Stat(s.path(name))
	if err != nil {
		return time.Time{}, translate(err)
	}
	return info.ModTime(), nil
}
