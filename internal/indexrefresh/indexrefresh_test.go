package indexrefresh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/syncdaemon"
	"github.com/tnyholm/triplicate/internal/tooladapter"
	"github.com/tnyholm/triplicate/pkg/quickxorhash"
)

// fakeHashTool writes a storage-tool stand-in that answers
// `hashsum quickxor <path>` with the real QuickXorHash digest of name's
// content, computed ahead of time with pkg/quickxorhash, base64-encoded the
// way the real tool reports it. This keeps the fake's canned answer
// traceable to the actual algorithm rather than an arbitrary string.
func fakeHashTool(t *testing.T, name string, content []byte) string {
	t.Helper()

	h := quickxorhash.New()
	_, _ = h.Write(content)
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	dir := t.TempDir()
	script := filepath.Join(dir, "storage-tool")

	contents := `#!/bin/sh
cmd="$1"
shift
case "$cmd" in
  hashsum)
    shift
    path="$1"
    case "$path" in
      *"` + name + `")
        echo "` + digest + `  $path"
        ;;
      *)
        exit 1
        ;;
    esac
    ;;
  *)
    exit 1
    ;;
esac
`

	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return script
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshAddsNewLocalFile(t *testing.T) {
	localRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(localRoot, "new.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/rest/db/browse" && r.URL.Query().Get("prefix") == "":
			_ = json.NewEncoder(w).Encode([]syncdaemon.BrowseNode{{Name: "new.txt", Type: "file"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	daemon := syncdaemon.New(syncdaemon.Config{BaseURL: srv.URL, RetryCount: 1, RetryDelay: time.Millisecond}, testLogger())

	dbPath := filepath.Join(t.TempDir(), "idx.sqlite")

	store, err := index.Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer store.Close()

	runner := tooladapter.NewRunner("true", t.TempDir(), testLogger())

	r := New(daemon, store, runner, nil, "f1", localRoot, "00000000000000000000000000000000", testLogger())

	entries, err := r.Refresh(context.Background(), Options{ReturnDirectories: true})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	found := false

	for _, e := range entries {
		if e.Path == "new.txt" {
			found = true

			if e.Size != 5 {
				t.Errorf("Size = %d, want 5", e.Size)
			}
		}
	}

	if !found {
		t.Errorf("Refresh: new.txt not added, got %+v", entries)
	}
}

func TestRefreshErasesGloballyDeleted(t *testing.T) {
	localRoot := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/rest/db/browse":
			_ = json.NewEncoder(w).Encode([]syncdaemon.BrowseNode{})
		case r.URL.Path == "/rest/db/file":
			_ = json.NewEncoder(w).Encode(syncdaemon.FileStatus{Global: syncdaemon.FileGlobalState{Deleted: true}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	daemon := syncdaemon.New(syncdaemon.Config{BaseURL: srv.URL, RetryCount: 1, RetryDelay: time.Millisecond}, testLogger())

	dbPath := filepath.Join(t.TempDir(), "idx.sqlite")

	store, err := index.Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer store.Close()

	if err := store.Upsert(context.Background(), []index.Entry{{Path: "gone.txt", Hash: "h", ModTime: time.Now(), Size: 10}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	runner := tooladapter.NewRunner("true", t.TempDir(), testLogger())
	r := New(daemon, store, runner, nil, "f1", localRoot, "00000000000000000000000000000000", testLogger())

	if _, err := r.Refresh(context.Background(), Options{ReturnDirectories: true}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	entry, ok, err := store.Get(context.Background(), "gone.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if ok {
		t.Errorf("Get: expected gone.txt to be erased, got %+v", entry)
	}
}

func TestRefreshRecordsRealQuickXorDigest(t *testing.T) {
	localRoot := t.TempDir()
	content := []byte("hello quickxor")

	if err := os.WriteFile(filepath.Join(localRoot, "data.bin"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/rest/db/browse" && r.URL.Query().Get("prefix") == "":
			_ = json.NewEncoder(w).Encode([]syncdaemon.BrowseNode{{Name: "data.bin", Type: "file"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	daemon := syncdaemon.New(syncdaemon.Config{BaseURL: srv.URL, RetryCount: 1, RetryDelay: time.Millisecond}, testLogger())

	store, err := index.Open(filepath.Join(t.TempDir(), "idx.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer store.Close()

	bin := fakeHashTool(t, "data.bin", content)
	runner := tooladapter.NewRunner(bin, t.TempDir(), testLogger())

	r := New(daemon, store, runner, nil, "f1", localRoot, "00000000000000000000000000000000", testLogger())

	entries, err := r.Refresh(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	h := quickxorhash.New()
	_, _ = h.Write(content)
	want := base64.StdEncoding.EncodeToString(h.Sum(nil))

	found := false

	for _, e := range entries {
		if e.Path == "data.bin" {
			found = true

			if e.Hash != want {
				t.Errorf("Hash = %q, want %q", e.Hash, want)
			}
		}
	}

	if !found {
		t.Errorf("Refresh: data.bin not found, got %+v", entries)
	}
}
