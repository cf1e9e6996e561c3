package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/willibrandon/pgward/internal/clusterstate"
)

type fakeChecker struct {
	calls int
}

func (f *fakeChecker) RequestCheck(ctx context.Context) {
	f.calls++
}

func TestHandleStateReturnsClusterSnapshot(t *testing.T) {
	store := clusterstate.NewStore()
	store.PutPeer("a", clusterstate.DBState{Connection: true})

	s := New(store, &fakeChecker{})
	req := httptest.NewRequest(http.MethodGet, "/state.json", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]clusterstate.DBState
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := body["a"]; !ok {
		t.Error("expected peer 'a' in response body")
	}
}

func TestHandleCheckEnqueuesAndReturnsNoContent(t *testing.T) {
	store := clusterstate.NewStore()
	checker := &fakeChecker{}

	s := New(store, checker)
	req := httptest.NewRequest(http.MethodPost, "/check", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if checker.calls != 1 {
		t.Errorf("RequestCheck calls = %d, want 1", checker.calls)
	}
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	store := clusterstate.NewStore()
	s := New(store, &fakeChecker{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}
