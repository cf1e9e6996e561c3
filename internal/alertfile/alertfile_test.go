package alertfile

import "testing"

func TestCreateAndDeleteIdempotent(t *testing.T) {
	w := NewWriter(t.TempDir())

	if w.Exists(FailoverHasHappened) {
		t.Fatal("alert file should not exist yet")
	}
	if err := w.Create(FailoverHasHappened); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Create(FailoverHasHappened); err != nil {
		t.Fatalf("second Create should be a no-op, got: %v", err)
	}
	if !w.Exists(FailoverHasHappened) {
		t.Fatal("alert file should exist after Create")
	}

	if err := w.Delete(FailoverHasHappened); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := w.Delete(FailoverHasHappened); err != nil {
		t.Fatalf("second Delete should be a no-op, got: %v", err)
	}
	if w.Exists(FailoverHasHappened) {
		t.Fatal("alert file should not exist after Delete")
	}
}
