package taskstore

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/threatmesh/threatmesh/core"
)

func newTestTask(t *testing.T) *core.Task {
	t.Helper()
	task := core.NewTask(core.TypeAnalyze, json.RawMessage(`{"observable":"1.2.3.4"}`))
	task.Status = core.StatusRunning
	task.Stages = append(task.Stages, core.StageResult{
		Agent:    "threat-analyst",
		State:    core.StageDone,
		Outcome:  core.OutcomeOK,
		Output:   json.RawMessage(`{"verdict":"malicious"}`),
		Attempts: 1,
	})
	return task
}

func testStore(t *testing.T, store Store) {
	t.Helper()

	task := newTestTask(t)
	if err := store.Save(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != task.ID || got.Status != core.StatusRunning {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Stages) != 1 || got.Stages[0].Agent != "threat-analyst" {
		t.Fatalf("stage log not round-tripped: %+v", got.Stages)
	}

	// Stored state must be isolated from later mutation of the original.
	task.Status = core.StatusFailed
	got, err = store.Get(task.ID)
	if err != nil {
		t.Fatalf("get after mutation: %v", err)
	}
	if got.Status != core.StatusRunning {
		t.Fatalf("stored snapshot was aliased, got status %s", got.Status)
	}

	// Overwrite with a newer snapshot.
	task.Status = core.StatusSucceeded
	if err := store.Save(task); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, err = store.Get(task.ID)
	if err != nil {
		t.Fatalf("get after re-save: %v", err)
	}
	if got.Status != core.StatusSucceeded {
		t.Fatalf("expected overwrite, got status %s", got.Status)
	}

	if _, err := store.Get("missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	other := core.NewTask(core.TypeReport, json.RawMessage(`{}`))
	if err := store.Save(other); err != nil {
		t.Fatalf("save second: %v", err)
	}
	all, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
}

func TestInMemoryStore(t *testing.T) {
	testStore(t, NewInMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	testStore(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	task := newTestTask(t)
	if err := store.Save(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(task.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != core.StatusRunning || len(got.Stages) != 1 {
		t.Fatalf("snapshot lost across reopen: %+v", got)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	stores := []Store{NewInMemoryStore()}
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stores = append(stores, fileStore)

	for _, store := range stores {
		if err := store.Save(&core.Task{}); err == nil {
			t.Fatalf("%T: expected error for empty id", store)
		}
	}
}
