package recoveryconf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFollowRewritesRecoveryConfOnMasterChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.conf")
	if err := os.WriteFile(path, []byte("standby_mode = 'on'\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := New(path, "user=repl password=secret", "", "")
	if err := f.Follow(context.Background(), "new-master"); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)
	if !strings.Contains(text, "standby_mode = 'on'") {
		t.Error("expected unrelated lines preserved")
	}
	if !strings.Contains(text, "host=new-master") {
		t.Errorf("expected new host in primary_conninfo, got: %s", text)
	}
	if !strings.Contains(text, "recovery_target_timeline") {
		t.Error("expected recovery_target_timeline to be added")
	}
}

func TestFollowIsIdempotentWhenAlreadyFollowing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.conf")

	f := New(path, "user=repl password=secret", "", "")
	if err := f.Follow(context.Background(), "new-master"); err != nil {
		t.Fatalf("first Follow: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := f.Follow(context.Background(), "new-master"); err != nil {
		t.Fatalf("second Follow: %v", err)
	}
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Error("expected second Follow call to leave the file untouched (already following)")
	}
}

func TestFollowRestartsPostgresWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery.conf")

	marker := filepath.Join(dir, "started")
	f := New(path, "user=repl", "touch "+marker, "")
	if err := f.Follow(context.Background(), "new-master"); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Error("expected pg_start_command to run and create the marker file")
	}
}
