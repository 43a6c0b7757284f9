package registry

import (
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/filelock"
)

// Registration edits are serialized across processes by a file lock held
// for at most this long.
const (
	editLockStale   = 30 * time.Second
	editAttempts    = 100
	editRetryDelay  = 20 * time.Millisecond
	registryLockTag = "registry edit"
)

type document struct {
	Agents []Agent `yaml:"agents"`
}

// File is a directory backed by a YAML file.
type File struct {
	fs    afero.Fs
	path  string
	locks *filelock.Manager
	now   func() time.Time
}

// NewFile creates a File directory at path on fsys. Edits take a lock on
// the file's name through locks, which should be a manager dedicated to
// the registry so agents' own glob locks never block registration.
func NewFile(fsys afero.Fs, path string, locks *filelock.Manager) *File {
	return &File{fs: fsys, path: path, locks: locks, now: time.Now}
}

// Path returns the registry file path.
func (f *File) Path() string { return f.path }

func (f *File) load() (document, error) {
	var doc document
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("registry: read %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("registry: parse %s: %w", f.path, err)
	}
	return doc, nil
}

// Agents returns every registered agent, sorted by id.
func (f *File) Agents() ([]Agent, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	agents := slices.Clone(doc.Agents)
	slices.SortFunc(agents, func(a, b Agent) int { return strings.Compare(a.ID, b.ID) })
	return agents, nil
}

// Resolve implements mailbox.Directory.
func (f *File) Resolve(agentID string) (string, error) {
	doc, err := f.load()
	if err != nil {
		return "", err
	}
	for _, a := range doc.Agents {
		if a.ID == agentID {
			return a.Address, nil
		}
	}
	return "", errors.NewNotFoundError("agent", agentID)
}

// ListAgents implements mailbox.Directory.
func (f *File) ListAgents() ([]string, error) {
	agents, err := f.Agents()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids, nil
}

// Register adds id or updates its address.
func (f *File) Register(id, address string) error {
	if err := validateAgent(id, address); err != nil {
		return err
	}
	return f.edit(func(doc *document) {
		for i, a := range doc.Agents {
			if a.ID == id {
				doc.Agents[i].Address = address
				return
			}
		}
		doc.Agents = append(doc.Agents, Agent{ID: id, Address: address, Registered: f.now().UTC()})
	})
}

// Unregister removes id. It reports whether id was registered.
func (f *File) Unregister(id string) (bool, error) {
	found := false
	err := f.edit(func(doc *document) {
		doc.Agents = slices.DeleteFunc(doc.Agents, func(a Agent) bool {
			if a.ID == id {
				found = true
				return true
			}
			return false
		})
	})
	return found, err
}

// edit applies change to the file under the registry lock and writes the
// result by atomic rename. Each edit locks under its own owner id so two
// edits from one process still exclude each other.
func (f *File) edit(change func(*document)) error {
	target := filepath.Base(f.path)
	owner := "registry-" + uuid.NewString()
	if err := f.lock(target, owner); err != nil {
		return err
	}
	defer func() { _, _ = f.locks.Release(target, owner) }()

	doc, err := f.load()
	if err != nil {
		return err
	}
	change(&doc)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}

	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("registry: create directory: %w", err)
	}
	tmp := f.path + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("registry: replace %s: %w", f.path, err)
	}
	return nil
}

func (f *File) lock(target, owner string) error {
	for range editAttempts {
		granted, _, err := f.locks.Acquire(target, owner, registryLockTag, editLockStale)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		time.Sleep(editRetryDelay + rand.N(editRetryDelay))
	}
	return errors.NewTimeoutError("registry edit lock", editAttempts*editRetryDelay)
}
