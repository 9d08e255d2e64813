package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tnyholm/triplicate/internal/archiver"
	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/folderupload"
	"github.com/tnyholm/triplicate/internal/globalupload"
	"github.com/tnyholm/triplicate/internal/ignorelist"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/indexrefresh"
	"github.com/tnyholm/triplicate/internal/listener"
	"github.com/tnyholm/triplicate/internal/reconciler"
	"github.com/tnyholm/triplicate/internal/scheduler"
	"github.com/tnyholm/triplicate/internal/supervisor"
	"github.com/tnyholm/triplicate/internal/syncdaemon"
	"github.com/tnyholm/triplicate/internal/tooladapter"
	"github.com/tnyholm/triplicate/internal/trashpurge"
	"github.com/tnyholm/triplicate/internal/uploadsync"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon in the foreground",
		Long: `Starts the change listener, the global uploader and every configured
folder's upload syncer and folder uploader under a supervision tree, plus
the scheduler that fires the periodic archive/sync-from-cloud/trash/
process-check tasks, and the control socket.`,
		RunE: runDaemon,
	}
}

// runAdapter lets a Run(ctx) error method satisfy supervisor.Service,
// whose workers speak Serve instead.
type runAdapter func(context.Context) error

func (r runAdapter) Serve(ctx context.Context) error { return r(ctx) }

// taskFunc lets a plain func(ctx, args) error satisfy supervisor.Task.
type taskFunc func(ctx context.Context, args []string) error

func (f taskFunc) RunNow(ctx context.Context, args []string) error { return f(ctx, args) }

// wrapFolderTask adapts a scheduler-shaped func(ctx, folderID) error (the
// shape every TimedTask.Run needs) into the control socket's
// func(ctx, args) error shape, taking args[0] as the folderID.
func wrapFolderTask(f func(ctx context.Context, folderID string) error) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, args []string) error {
		folderID := ""
		if len(args) > 0 {
			folderID = args[0]
		}

		return f(ctx, folderID)
	}
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}

// folderRuntime bundles the per-folder components run.go wires together;
// the scheduler and control-socket tasks dispatch against these by
// folder ID.
type folderRuntime struct {
	archiver   *archiver.Archiver
	reconciler *reconciler.Reconciler
	purger     *trashpurge.Purger
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	ctx := shutdownContext(context.Background(), logger)

	daemonClient := syncdaemon.New(syncdaemon.Config{
		BaseURL:    cfg.Global.SyncDaemonURL,
		APIKey:     cfg.Global.SyncDaemonAPIKey,
		RetryCount: cfg.Global.SyncthingRetryCount,
		RetryDelay: parseDurationOrDefault(cfg.Global.SyncthingRetryDelay, time.Second),
	}, logger)

	runner := tooladapter.NewRunner(cfg.Global.StorageToolBinary, cfg.Global.LogDir, logger)

	super := supervisor.New("triplicated", cfg.Global.MaxFailuresPerHour, cfg.Global.MaxFailuresPerDay, logger)

	lst := listener.New(daemonClient, config.LastEventPath(dataDir), logger)
	super.AddWorker("listener", func() supervisor.Service { return runAdapter(lst.Run) })

	globalQueue := globalupload.NewQueue()
	globalUploader := globalupload.New(runner, globalQueue, logger)
	super.AddWorker("global_uploader", func() supervisor.Service { return runAdapter(globalUploader.Run) })

	toolRetryDelay := parseDurationOrDefault(cfg.Global.ToolRetryDelay, time.Second)

	folders := make(map[string]*folderRuntime, len(cfg.Folders))

	var stores []*index.Store

	for _, folder := range cfg.Folders {
		rt, store, err := wireFolder(folder, cfg, dataDir, daemonClient, runner, toolRetryDelay, lst, globalQueue, super, logger)
		if err != nil {
			for _, s := range stores {
				s.Close()
			}

			return fmt.Errorf("wiring folder %q: %w", folder.ID, err)
		}

		folders[folder.ID] = rt
		stores = append(stores, store)
	}

	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()

	registerTasksAndScheduler(cfg, super, runner, folders, logger)

	super.SetConfigFn(func() string {
		b, err := json.Marshal(cfg)
		if err != nil {
			return "{}"
		}

		return string(b)
	})

	super.SetFoldersFn(func() string {
		ids := make([]string, len(cfg.Folders))
		for i, f := range cfg.Folders {
			ids[i] = f.ID
		}

		b, err := json.Marshal(ids)
		if err != nil {
			return "[]"
		}

		return string(b)
	})

	pidPath := config.PIDFilePath(dataDir)

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer cleanup()

	if cfg.Global.ListenerAddress != "" {
		srv, err := startControlSocket(cfg, super, logger)
		if err != nil {
			return err
		}

		go func() { _ = srv.Serve(ctx) }()
	}

	return super.Serve(ctx)
}

func wireFolder(
	folder config.Folder,
	cfg *config.Config,
	dataDir string,
	daemonClient *syncdaemon.Client,
	runner *tooladapter.Runner,
	toolRetryDelay time.Duration,
	lst *listener.Listener,
	globalQueue globalupload.Queue,
	super *supervisor.Supervisor,
	logger *slog.Logger,
) (*folderRuntime, *index.Store, error) {
	store, err := index.Open(config.IndexPath(dataDir, folder.ID), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening index: %w", err)
	}

	ignores := ignorelist.New(daemonClient, folder.ID, cfg.Global.ToolRetryCount, toolRetryDelay, logger)

	refresher := indexrefresh.New(daemonClient, store, runner, ignores, folder.ID, folder.LocalRoot, cfg.Global.DefaultHashSentinel, logger)

	listenerQueue := listener.NewQueue()
	lst.Subscribe(listenerQueue)

	folderQueue := folderupload.NewQueue()

	syncer := uploadsync.New(folder.ID, folder.LocalRoot, store, ignores, cfg.Global.DefaultHashSentinel, listenerQueue, folderQueue, logger)
	super.AddWorker("uploadsync:"+folder.ID, func() supervisor.Service { return runAdapter(syncer.Run) })

	uploader := folderupload.New(folder.ID, folder.LocalRoot, folder.RemoteRoot, store, runner, folderQueue, globalQueue, logger)
	super.AddWorker("folderupload:"+folder.ID, func() supervisor.Service { return runAdapter(uploader.Run) })

	rec, err := reconciler.New(folder.ID, folder.LocalRoot, folder.RemoteRoot, store, refresher, runner, ignores, folderQueue, folder.CloudOnlyRules, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing reconciler: %w", err)
	}

	arch, err := archiver.New(folder, refresher, runner, ignores, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing archiver: %w", err)
	}

	purger := trashpurge.New(folder.ID, folder.TrashRoot, folder.TrashKeepDuration, runner, logger)

	return &folderRuntime{archiver: arch, reconciler: rec, purger: purger}, store, nil
}

// registerTasksAndScheduler wires the spec.md §4.13 task callables into
// both the supervisor's on-demand `run` verb and the timer-driven
// scheduler, so an operator can trigger a task early without waiting for
// its next scheduled firing. download_only, upload_only, and
// update_all_files (spec.md §6) have no scheduled counterpart — they are
// registered as control-socket tasks only.
func registerTasksAndScheduler(
	cfg *config.Config,
	super *supervisor.Supervisor,
	runner *tooladapter.Runner,
	folders map[string]*folderRuntime,
	logger *slog.Logger,
) {
	archiveCore := func(ctx context.Context, folderID string, freeUpBytes int64) error {
		rt, ok := folders[folderID]
		if !ok {
			return fmt.Errorf("run: no folder runtime for %q", folderID)
		}

		return rt.archiver.Archive(ctx, freeUpBytes)
	}

	archiveSchedFn := func(ctx context.Context, folderID string) error {
		return archiveCore(ctx, folderID, 0)
	}

	// archiveTaskFn parses the control socket's `archive <folderId>
	// [freeupBytes]` grammar out of args (spec.md §6).
	archiveTaskFn := func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("run: archive requires a folderId argument")
		}

		var freeUpBytes int64

		if len(args) > 1 && args[1] != "" {
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("run: archive: invalid freeupBytes %q: %w", args[1], err)
			}

			freeUpBytes = v
		}

		return archiveCore(ctx, args[0], freeUpBytes)
	}

	syncFromCloudCore := func(ctx context.Context, folderID string, opts reconciler.Options) error {
		rt, ok := folders[folderID]
		if !ok {
			return fmt.Errorf("run: no folder runtime for %q", folderID)
		}

		return rt.reconciler.SyncFromCloud(ctx, opts)
	}

	syncFromCloudSchedFn := func(ctx context.Context, folderID string) error {
		return syncFromCloudCore(ctx, folderID, reconciler.Options{})
	}

	// downloadOnlyFn/uploadOnlyFn back `run download_only <folderId>` and
	// `run upload_only <folderId>`, grounded on manager.py's sync_from_cloud
	// calls with skip_upload/skip_download.
	downloadOnlyFn := func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("run: download_only requires a folderId argument")
		}

		return syncFromCloudCore(ctx, args[0], reconciler.Options{SkipUpload: true})
	}

	uploadOnlyFn := func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("run: upload_only requires a folderId argument")
		}

		return syncFromCloudCore(ctx, args[0], reconciler.Options{SkipDownload: true})
	}

	// updateAllFilesFn backs `run update_all_files <folderId>`, grounded on
	// archiver.py's update_all_files(return_directories=True).
	updateAllFilesFn := func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("run: update_all_files requires a folderId argument")
		}

		rt, ok := folders[args[0]]
		if !ok {
			return fmt.Errorf("run: no folder runtime for %q", args[0])
		}

		return rt.archiver.UpdateAllFiles(ctx)
	}

	handleTrashFn := func(ctx context.Context, folderID string) error {
		rt, ok := folders[folderID]
		if !ok {
			return fmt.Errorf("run: no folder runtime for %q", folderID)
		}

		rt.purger.HandleTrash(ctx)

		return nil
	}

	checkProcessesFn := func(ctx context.Context, _ string) error {
		_, err := runner.Run(ctx, "version", nil, tooladapter.Options{Strict: true})

		return err
	}

	super.AddTask("archive", taskFunc(archiveTaskFn))
	super.AddTask("check_processes", taskFunc(wrapFolderTask(checkProcessesFn)))
	super.AddTask("sync_from_cloud", taskFunc(wrapFolderTask(syncFromCloudSchedFn)))
	super.AddTask("handle_trash", taskFunc(wrapFolderTask(handleTrashFn)))
	super.AddTask("update_all_files", taskFunc(updateAllFilesFn))
	super.AddTask("download_only", taskFunc(downloadOnlyFn))
	super.AddTask("upload_only", taskFunc(uploadOnlyFn))

	folderIDs := make([]string, 0, len(cfg.Folders))
	for _, f := range cfg.Folders {
		folderIDs = append(folderIDs, f.ID)
	}

	tasks := scheduler.DefaultTasks(archiveSchedFn, checkProcessesFn, syncFromCloudSchedFn, handleTrashFn)
	sched := scheduler.New(tasks, folderIDs, logger)
	super.AddWorker("scheduler", func() supervisor.Service { return runAdapter(sched.Run) })
}

// startControlSocket binds the configured listener address and wraps it in
// a supervisor.Server. A unix socket's backing file is removed first so a
// stale file from an unclean shutdown doesn't block the bind.
func startControlSocket(cfg *config.Config, super *supervisor.Supervisor, logger *slog.Logger) (*supervisor.Server, error) {
	network, address, err := parseListenerAddress(cfg.Global.ListenerAddress)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		_ = os.Remove(address)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("binding control socket: %w", err)
	}

	return supervisor.NewServer(ln, cfg.Global.ListenerSecret, super, logger), nil
}
