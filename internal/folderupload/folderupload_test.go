package folderupload

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnyholm/triplicate/internal/globalupload"
	"github.com/tnyholm/triplicate/internal/index"
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

func TestCoalescesConsecutiveSameActionMessages(t *testing.T) {
	store := newTestStore(t)

	if err := store.Upsert(context.Background(), []index.Entry{
		{Path: "a.txt", ModTime: time.Now(), Size: 1},
		{Path: "b.txt", ModTime: time.Now(), Size: 1},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	runner := tooladapter.NewRunner("true", t.TempDir(), testLogger())

	input := NewQueue()
	output := globalupload.NewQueue()

	u := New("f1", t.TempDir(), "remote", store, runner, input, output, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	input <- Action{Kind: KindCopy, Paths: []string{"a.txt"}}
	input <- Action{Kind: KindCopy, Paths: []string{"b.txt"}}
	// A non-coalescable action forces the pending copy batch to flush
	// immediately instead of waiting out the 10-second coalesce window.
	input <- Action{Kind: KindDeleteFiles, Paths: []string{"gone.txt"}}

	select {
	case item := <-output:
		if len(item.Paths) != 2 {
			t.Errorf("coalesced item.Paths = %v, want 2 paths merged", item.Paths)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coalesced upload item")
	}
}

func TestDifferentActionFlushesImmediately(t *testing.T) {
	store := newTestStore(t)
	runner := tooladapter.NewRunner("true", t.TempDir(), testLogger())

	input := NewQueue()
	output := globalupload.NewQueue()

	u := New("f1", t.TempDir(), "remote", store, runner, input, output, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	if err := store.Upsert(context.Background(), []index.Entry{{Path: "a.txt", ModTime: time.Now(), Size: 1}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	input <- Action{Kind: KindCopy, Paths: []string{"a.txt"}}
	// A differently-kinded message right behind it must flush the pending
	// copy immediately rather than waiting out the coalesce window.
	input <- Action{Kind: KindDeleteFiles, Paths: []string{"gone.txt"}}

	select {
	case item := <-output:
		if len(item.Paths) != 1 || item.Paths[0] != "a.txt" {
			t.Errorf("first flush = %+v", item)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first flush")
	}
}

func TestUploadableExcludesArchiveSidecars(t *testing.T) {
	cases := map[string]bool{
		"a.txt":              true,
		"a_files/thumb.png":  false,
		"archive_files":      false,
		"normal/path.txt":    true,
	}

	for p, want := range cases {
		if got := uploadable(p); got != want {
			t.Errorf("uploadable(%q) = %v, want %v", p, got, want)
		}
	}
}
