package syncdaemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		RetryCount: 2,
		RetryDelay: time.Millisecond,
	}, testLogger())

	return c, srv
}

func TestEventsDisk(t *testing.T) {
	want := []Event{{ID: 1, Type: "ItemFinished", Folder: "f1", Path: "a/b.txt", Action: "modified", Kind: "file"}}

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("X-API-Key header = %q, want test-key", got)
		}

		if r.URL.Path != "/rest/events/disk" {
			t.Errorf("path = %q", r.URL.Path)
		}

		_ = json.NewEncoder(w).Encode(want)
	})

	got, err := c.EventsDisk(context.Background(), 0, 30)
	if err != nil {
		t.Fatalf("EventsDisk: %v", err)
	}

	if len(got) != 1 || got[0].Folder != "f1" {
		t.Errorf("EventsDisk = %+v, want %+v", got, want)
	}
}

func TestDBFileNotFoundReturnsOkFalse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("No such object in the index"))
	})

	_, ok, err := c.DBFile(context.Background(), "f1", "missing.txt")
	if err != nil {
		t.Fatalf("DBFile: unexpected error: %v", err)
	}

	if ok {
		t.Errorf("DBFile: ok = true, want false for non-JSON body")
	}
}

func TestGetRetriesOnServerErrorThenSucceeds(t *testing.T) {
	attempts := 0

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_ = json.NewEncoder(w).Encode(Ignores{Ignore: []string{"*.tmp"}})
	})

	ig, err := c.DBIgnoresGet(context.Background(), "f1")
	if err != nil {
		t.Fatalf("DBIgnoresGet: %v", err)
	}

	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2 (one retry)", attempts)
	}

	if len(ig.Ignore) != 1 || ig.Ignore[0] != "*.tmp" {
		t.Errorf("Ignore = %v", ig.Ignore)
	}
}

func TestGetExpectedErrorCodeNotTreatedAsFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	raw, err := c.Get(context.Background(), "db/file", nil, []int{http.StatusNotFound}, nil)
	if err != nil {
		t.Fatalf("Get: unexpected error for expected status: %v", err)
	}

	_ = raw
}
