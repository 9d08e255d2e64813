package scheduler

import (
	"context"
	"time"
)

// DefaultTasks returns the static task table from spec.md §4.13's table,
// wired against the supplied callables. Each callable corresponds to one
// of the background operations built elsewhere in this module (archiver,
// process/socket checks, reconciler, trash purger).
func DefaultTasks(archive, checkProcesses, syncFromCloud, handleTrash func(ctx context.Context, folderID string) error) []TimedTask {
	return []TimedTask{
		{
			Name:          "archive",
			Period:        Monthly,
			Day:           1,
			Hour:          0,
			Minute:        0,
			Second:        0,
			MaxDelay:      4 * time.Hour,
			RetryTime:     24 * time.Hour,
			MaxRetryCount: 3,
			ForAllFolders: true,
			Run:           archive,
		},
		{
			Name:          "check_processes",
			Period:        Daily,
			Hour:          1,
			Minute:        0,
			Second:        0,
			MaxDelay:      4 * time.Hour,
			RetryTime:     time.Hour,
			MaxRetryCount: 3,
			SkipIfRunning: true,
			ForAllFolders: false,
			Run:           checkProcesses,
		},
		{
			Name:          "sync_from_cloud",
			Period:        Daily,
			Hour:          23,
			Minute:        0,
			Second:        0,
			MaxDelay:      2 * time.Hour,
			RetryTime:     time.Hour,
			MaxRetryCount: 3,
			ForAllFolders: true,
			Run:           syncFromCloud,
		},
		{
			Name:          "handle_trash",
			Period:        Monthly,
			Day:           5,
			Hour:          10,
			Minute:        0,
			Second:        0,
			MaxDelay:      24 * time.Hour,
			RetryTime:     24 * time.Hour,
			MaxRetryCount: 3,
			ForAllFolders: true,
			Run:           handleTrash,
		},
	}
}
