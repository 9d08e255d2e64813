package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/supervisor"
)

func TestRunResumeStartsNamedFolder(t *testing.T) {
	super := supervisor.New("test", 0, 0, testLogger())
	super.AddWorker("uploadsync:photos", func() supervisor.Service { return &blockingTestService{} })
	super.AddWorker("folderupload:photos", func() supervisor.Service { return &blockingTestService{} })

	cc := startTestDaemon(t, super, "secret")
	cc.Flags.Folder = "photos"

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, super.StopWorker("uploadsync:photos"))
	require.NoError(t, super.StopWorker("folderupload:photos"))

	cmd := &cobra.Command{}
	cmd.SetContext(withCLIContext(cc))

	require.NoError(t, runResume(cmd, nil))

	running, found := super.WorkerStatus("uploadsync:photos")
	require.True(t, found)
	assert.True(t, running)
}

func TestRunResumeAllFoldersRequiresConfiguredFolders(t *testing.T) {
	cc := startTestDaemon(t, supervisor.New("test", 0, 0, testLogger()), "secret")
	cc.Cfg.Folders = nil

	cmd := &cobra.Command{}
	cmd.SetContext(withCLIContext(cc))

	assert.Error(t, runResume(cmd, nil))
}

func TestRunResumeAllFoldersIteratesConfig(t *testing.T) {
	super := supervisor.New("test", 0, 0, testLogger())
	super.AddWorker("uploadsync:a", func() supervisor.Service { return &blockingTestService{} })
	super.AddWorker("folderupload:a", func() supervisor.Service { return &blockingTestService{} })

	cc := startTestDaemon(t, super, "secret")
	cc.Cfg.Folders = []config.Folder{{ID: "a"}}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, super.StopWorker("uploadsync:a"))
	require.NoError(t, super.StopWorker("folderupload:a"))

	cmd := &cobra.Command{}
	cmd.SetContext(withCLIContext(cc))

	require.NoError(t, runResume(cmd, nil))

	running, _ := super.WorkerStatus("uploadsync:a")
	assert.True(t, running)
}
