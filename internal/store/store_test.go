package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		DBPath: filepath.Join(t.TempDir(), "registry.db"),
		Now:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func testRecord(id string) Record {
	return Record{
		SandboxID:     id,
		ContainerName: "shellcrate-" + id,
		Image:         "python:3.11",
		Platform:      "linux/amd64",
		DockerArgs:    []string{"--memory", "8g"},
		Status:        StatusRunning,
	}
}

func TestUpsertAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testRecord("sbx_one")
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	got, ok, err := s.Lookup(ctx, "sbx_one")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if !ok {
		t.Fatal("Lookup reported the record missing")
	}
	if got.ContainerName != want.ContainerName || got.Image != want.Image || got.Status != want.Status {
		t.Fatalf("record = %+v, want fields of %+v", got, want)
	}
	if !reflect.DeepEqual(got.DockerArgs, want.DockerArgs) {
		t.Fatalf("docker args = %v, want %v", got.DockerArgs, want.DockerArgs)
	}
	if got.CreatedAt.IsZero() || got.LastSeenAt.IsZero() {
		t.Fatal("timestamps not populated on insert")
	}
}

func TestLookupUnknownSandbox(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Lookup(context.Background(), "sbx_missing")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if ok {
		t.Fatal("Lookup reported a missing record as present")
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := testRecord("sbx_one")
	if err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	record.Image = "ubuntu:24.04"
	record.Status = StatusStopped
	if err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("second Upsert returned error: %v", err)
	}

	got, _, err := s.Lookup(ctx, "sbx_one")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got.Image != "ubuntu:24.04" || got.Status != StatusStopped {
		t.Fatalf("record = %+v, want the updated image and status", got)
	}
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, testRecord("sbx_one")); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if err := s.SetStatus(ctx, "sbx_one", StatusStopped); err != nil {
		t.Fatalf("SetStatus returned error: %v", err)
	}
	got, _, err := s.Lookup(ctx, "sbx_one")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if got.Status != StatusStopped {
		t.Fatalf("status = %q, want %q", got.Status, StatusStopped)
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"sbx_a", "sbx_b", "sbx_c"} {
		if err := s.Upsert(ctx, testRecord(id)); err != nil {
			t.Fatalf("Upsert(%s) returned error: %v", id, err)
		}
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}

	if err := s.Delete(ctx, "sbx_b"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	records, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) after delete = %d, want 2", len(records))
	}

	// Deleting an unknown id is a no-op.
	if err := s.Delete(ctx, "sbx_missing"); err != nil {
		t.Fatalf("Delete of unknown id returned error: %v", err)
	}
}

func TestRejectsEmptySandboxID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert(context.Background(), Record{}); err == nil {
		t.Fatal("expected error for a record without a sandbox id")
	}
}
