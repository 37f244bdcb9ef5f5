package execserver

import (
	"testing"
	"time"
)

func TestSessionIndex_AddGetStop(t *testing.T) {
	idx, err := NewSessionIndex(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionIndex() error = %v", err)
	}
	defer idx.Close()

	if err := idx.Add("s1", "/work/sessions/s1/cwd"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	entry, err := idx.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry == nil {
		t.Fatal("Get() = nil, want entry")
	}
	if entry.Cwd != "/work/sessions/s1/cwd" {
		t.Errorf("Cwd = %q", entry.Cwd)
	}
	if entry.StoppedAt != nil {
		t.Error("StoppedAt set on live session")
	}

	if err := idx.MarkStopped("s1"); err != nil {
		t.Fatalf("MarkStopped() error = %v", err)
	}
	entry, err = idx.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.StoppedAt == nil {
		t.Error("StoppedAt not set after MarkStopped")
	}
}

func TestSessionIndex_UnknownSession(t *testing.T) {
	idx, err := NewSessionIndex(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionIndex() error = %v", err)
	}
	defer idx.Close()

	entry, err := idx.Get("ghost")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry != nil {
		t.Errorf("Get(ghost) = %+v, want nil", entry)
	}
}

func TestSessionIndex_Prune(t *testing.T) {
	idx, err := NewSessionIndex(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionIndex() error = %v", err)
	}
	defer idx.Close()

	if err := idx.Add("old", "/w/old"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := idx.MarkStopped("old"); err != nil {
		t.Fatalf("MarkStopped() error = %v", err)
	}
	if err := idx.Add("live", "/w/live"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	pruned, err := idx.Prune(time.Nanosecond)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune() = %v, want 1", pruned)
	}

	if entry, _ := idx.Get("old"); entry != nil {
		t.Error("stopped entry survived prune")
	}
	if entry, _ := idx.Get("live"); entry == nil {
		t.Error("live entry pruned")
	}
}

func TestSessionIndex_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	idx, err := NewSessionIndex(dir)
	if err != nil {
		t.Fatalf("NewSessionIndex() error = %v", err)
	}
	if err := idx.Add("s1", "/w/s1"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSessionIndex(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry == nil || entry.Cwd != "/w/s1" {
		t.Errorf("entry after reopen = %+v", entry)
	}
}
