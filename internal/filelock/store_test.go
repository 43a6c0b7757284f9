package filelock

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func storeImplementations(t *testing.T) map[string]RecordStore {
	t.Helper()
	mem, err := NewFSStore(afero.NewMemMapFs(), "/locks")
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	osStore, err := NewOSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewOSStore: %v", err)
	}
	return map[string]RecordStore{"memory": mem, "os": osStore}
}

func TestFSStore_CreateIsExclusive(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create("a.lock", []byte("one")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			err := s.Create("a.lock", []byte("two"))
			if !errors.Is(err, ErrRecordExists) {
				t.Fatalf("second Create error = %v, want ErrRecordExists", err)
			}
			data, err := s.Read("a.lock")
			if err != nil || string(data) != "one" {
				t.Errorf("Read = %q, %v; want original contents", data, err)
			}
		})
	}
}

func TestFSStore_Replace(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Create("a.lock", []byte("v1")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Replace("a.lock", []byte("v2")); err != nil {
				t.Fatalf("Replace: %v", err)
			}
			if data, _ := s.Read("a.lock"); string(data) != "v2" {
				t.Errorf("after Replace = %q, want v2", data)
			}
			if err := s.Replace("b.lock", []byte("new")); err != nil {
				t.Fatalf("Replace of missing record: %v", err)
			}

			names, err := s.List()
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(names) != 2 || names[0] != "a.lock" || names[1] != "b.lock" {
				t.Errorf("List() = %v, want [a.lock b.lock] (no temp files)", names)
			}
		})
	}
}

func TestFSStore_RemoveAndModTime(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Remove("missing.lock"); !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("Remove(missing) error = %v, want ErrRecordNotFound", err)
			}
			if _, err := s.ModTime("missing.lock"); !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("ModTime(missing) error = %v, want ErrRecordNotFound", err)
			}
			_ = s.Create("x.lock", []byte("x"))
			if mt, err := s.ModTime("x.lock"); err != nil || mt.IsZero() {
				t.Errorf("ModTime = %v, %v", mt, err)
			}
			if err := s.Remove("x.lock"); err != nil {
				t.Errorf("Remove: %v", err)
			}
		})
	}
}
