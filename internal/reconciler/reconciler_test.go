package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/folderupload"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/indexrefresh"
	"github.com/tnyholm/triplicate/internal/syncdaemon"
	"github.com/tnyholm/triplicate/internal/tooladapter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *index.Store {
	t.Helper()

	store, err := index.Open(filepath.Join(t.TempDir(), "idx.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

// fakeCheckScript writes a storage-tool stand-in that answers `check` by
// emitting a fixed "remotely added" path in --missing-on-src and empty
// differ/missing lists, regardless of the checkfile contents. This is
// enough to drive the deletion-miss recovery scenario (spec.md §8
// scenario 3) without a real storage tool.
func fakeCheckScript(t *testing.T, remoteAdded string) string {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "storage-tool")

	contents := `#!/bin/sh
cmd="$1"
shift
case "$cmd" in
  check)
    DF=""
    MF=""
    SF=""
    while [ $# -gt 0 ]; do
      case "$1" in
        --differ) DF="$2"; shift 2;;
        --missing-on-dst) MF="$2"; shift 2;;
        --missing-on-src) SF="$2"; shift 2;;
        --checkfile) shift 2;;
        *) shift;;
      esac
    done
    : > "$DF"
    : > "$MF"
    echo "` + remoteAdded + `" > "$SF"
    exit 0
    ;;
  *)
    exit 0
    ;;
esac
`
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return script
}

// newNoopRefresher points a Refresher at a fake sync daemon reporting an
// empty tree (db/browse) and "not globally deleted" for any db/file
// lookup, so Refresh completes successfully without altering any existing
// index rows — letting these tests exercise SyncFromCloud's own logic in
// isolation.
func newNoopRefresher(t *testing.T, store *index.Store) *indexrefresh.Refresher {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/db/browse":
			_ = json.NewEncoder(w).Encode([]syncdaemon.BrowseNode{})
		case "/rest/db/file":
			_ = json.NewEncoder(w).Encode(syncdaemon.FileStatus{Global: syncdaemon.FileGlobalState{Deleted: false}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	daemon := syncdaemon.New(syncdaemon.Config{BaseURL: srv.URL, RetryCount: 1, RetryDelay: time.Millisecond}, testLogger())
	runner := tooladapter.NewRunner("true", t.TempDir(), testLogger())

	return indexrefresh.New(daemon, store, runner, nil, "f1", "", "00000000000000000000000000000000", testLogger())
}

func TestSyncFromCloudDeletionMissRecovery(t *testing.T) {
	store := newTestStore(t)
	localRoot := t.TempDir()

	// Index believes p.txt was deleted and uploaded the deletion, but the
	// storage tool still reports it present remotely.
	if err := store.Upsert(context.Background(), []index.Entry{
		{Path: "p.txt", UploadedTime: time.Now()},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	bin := fakeCheckScript(t, "p.txt")
	runner := tooladapter.NewRunner(bin, t.TempDir(), testLogger())

	refresher := newNoopRefresher(t, store)

	output := folderupload.NewQueue()

	rec, err := New("f1", localRoot, "remote", store, refresher, runner, nil, output, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		if err := rec.SyncFromCloud(ctx, Options{}); err != nil {
			t.Errorf("SyncFromCloud: %v", err)
		}
	}()

	select {
	case a := <-output:
		if a.Kind != folderupload.KindDeleteFiles {
			t.Fatalf("got kind %v, want delete_files", a.Kind)
		}

		if len(a.Paths) != 1 || a.Paths[0] != "p.txt" {
			t.Errorf("delete_files paths = %v, want [p.txt]", a.Paths)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for deletion-miss delete_files action")
	}
}

func TestCloudOnlyRuleMatching(t *testing.T) {
	rules, err := compileRules([]config.CloudOnlyRule{
		{TargetPattern: `photos/(?P<y>\d{4})/.*\.jpg`, CriterionPatterns: []string{`photos/{y}/.*\.xmp`}},
	})
	if err != nil {
		t.Fatalf("compileRules: %v", err)
	}

	candidates := []string{"photos/2022/a.xmp"}

	ok, err := rules[0].matches("photos/2022/a.jpg", candidates)
	if err != nil {
		t.Fatalf("matches: %v", err)
	}

	if !ok {
		t.Error("expected photos/2022/a.jpg to match given a co-downloaded .xmp sidecar")
	}

	ok, err = rules[0].matches("photos/2022/a.xmp", candidates)
	if err != nil {
		t.Fatalf("matches: %v", err)
	}

	if ok {
		t.Error("a.xmp itself should not match the .jpg target pattern")
	}
}
