package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/threatmesh/threatmesh/core"
)

// FileStore persists each task as a standalone JSON document under a base
// directory. Writes go through a temporary file and an atomic rename, so a
// crash mid-write never leaves a truncated snapshot behind.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed task store rooted at dir. The directory
// is created if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

var _ Store = (*FileStore)(nil)

// Save writes the task snapshot to <dir>/<id>.json via a temp file rename.
func (s *FileStore) Save(task *core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".task-*")
	if err != nil {
		return &core.StorageError{Op: "taskstore.save", Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &core.StorageError{Op: "taskstore.save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &core.StorageError{Op: "taskstore.save", Err: err}
	}
	if err := os.Rename(tmp.Name(), s.path(task.ID)); err != nil {
		os.Remove(tmp.Name())
		return &core.StorageError{Op: "taskstore.save", Err: err}
	}
	return nil
}

// Get reads the snapshot for id, returning core.ErrNotFound if absent.
func (s *FileStore) Get(id string) (*core.Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}
		return nil, &core.StorageError{Op: "taskstore.get", Err: err}
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &core.StorageError{Op: "taskstore.get", Err: err}
	}
	return &task, nil
}

// List reads every stored snapshot. Unreadable or partially written files
// are skipped rather than failing the whole listing.
func (s *FileStore) List() ([]*core.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &core.StorageError{Op: "taskstore.list", Err: err}
	}
	out := make([]*core.Task, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		task, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
