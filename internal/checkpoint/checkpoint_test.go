package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newManager(t *testing.T, dir string, interval time.Duration) *Manager {
	t.Helper()
	mgr, err := NewManager(dir, interval, nil)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	return mgr
}

func TestCheckpointManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	mgr := newManager(t, dir, time.Second)
	defer mgr.Stop()

	mgr.UpdatePosition("/var/log/dmsql.log", 1234, 5678)

	pos, ok := mgr.GetPosition("/var/log/dmsql.log")
	if !ok {
		t.Fatal("Position not found")
	}
	if pos.Offset != 1234 {
		t.Errorf("Expected offset 1234, got %d", pos.Offset)
	}
	if pos.Inode != 5678 {
		t.Errorf("Expected inode 5678, got %d", pos.Inode)
	}

	if err := mgr.Save(); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	if _, err := os.Stat(mgr.Path()); err != nil {
		t.Fatalf("Checkpoint file was not created: %v", err)
	}
}

func TestCheckpointLoadAndSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")

	mgr1 := newManager(t, dir, time.Second)
	mgr1.UpdatePosition("/var/log/dmsql_1.log", 1000, 123)
	mgr1.UpdatePosition("/var/log/dmsql_2.log", 2000, 456)
	mgr1.UpdatePosition("/var/log/dmsql_3.log", 3000, 789)
	mgr1.Remove("/var/log/dmsql_3.log")
	if err := mgr1.Stop(); err != nil {
		t.Fatalf("Failed to stop manager: %v", err)
	}

	mgr2 := newManager(t, dir, time.Second)
	defer mgr2.Stop()
	if err := mgr2.Load(); err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	tests := []struct {
		path   string
		offset int64
		inode  uint64
		found  bool
	}{
		{"/var/log/dmsql_1.log", 1000, 123, true},
		{"/var/log/dmsql_2.log", 2000, 456, true},
		{"/var/log/dmsql_3.log", 0, 0, false},
	}
	for _, tt := range tests {
		pos, ok := mgr2.GetPosition(tt.path)
		if ok != tt.found {
			t.Errorf("%s: found=%v, want %v", tt.path, ok, tt.found)
			continue
		}
		if pos.Offset != tt.offset || pos.Inode != tt.inode {
			t.Errorf("%s: offset=%d inode=%d, want %d/%d", tt.path, pos.Offset, pos.Inode, tt.offset, tt.inode)
		}
	}
}

func TestCheckpointLoadMissingFile(t *testing.T) {
	mgr := newManager(t, t.TempDir(), time.Second)
	defer mgr.Stop()

	if err := mgr.Load(); err != nil {
		t.Fatalf("Load without a checkpoint file should succeed: %v", err)
	}
	if _, ok := mgr.GetPosition("/nope"); ok {
		t.Error("Expected no positions")
	}
}

func TestCheckpointLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	mgr := newManager(t, dir, time.Second)
	defer mgr.Stop()

	if err := mgr.Load(); err == nil {
		t.Error("Expected error for corrupt checkpoint file")
	}
}

func TestCheckpointSaveSkipsWhenClean(t *testing.T) {
	mgr := newManager(t, t.TempDir(), time.Second)
	defer mgr.Stop()

	if err := mgr.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(mgr.Path()); !os.IsNotExist(err) {
		t.Error("Clean manager should not write a checkpoint file")
	}
}

func TestCheckpointFlush(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	mgr := newManager(t, dir, time.Hour)
	mgr.Start()
	defer mgr.Stop()

	mgr.UpdatePosition("/var/log/dmsql.log", 9999, 1111)
	mgr.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(mgr.Path()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Checkpoint was not written after Flush")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mgr2 := newManager(t, dir, time.Hour)
	defer mgr2.Stop()
	if err := mgr2.Load(); err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if pos, ok := mgr2.GetPosition("/var/log/dmsql.log"); !ok || pos.Offset != 9999 {
		t.Errorf("Expected offset 9999, got %+v (found=%v)", pos, ok)
	}
}
