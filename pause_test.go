package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnyholm/triplicate/internal/supervisor"
)

func TestRunPauseStopsFolderWorkers(t *testing.T) {
	super := supervisor.New("test", 0, 0, testLogger())
	super.AddWorker("uploadsync:photos", func() supervisor.Service { return &blockingTestService{} })
	super.AddWorker("folderupload:photos", func() supervisor.Service { return &blockingTestService{} })

	cc := startTestDaemon(t, super, "secret")
	cc.Flags.Folder = "photos"

	// give the supervisor a moment to actually start the workers.
	time.Sleep(50 * time.Millisecond)

	cmd := &cobra.Command{}
	cmd.SetContext(withCLIContext(cc))

	require.NoError(t, runPause(cmd, nil))

	running, found := super.WorkerStatus("uploadsync:photos")
	require.True(t, found)
	assert.False(t, running)
}

func TestRunPauseRequiresFolder(t *testing.T) {
	cc := startTestDaemon(t, supervisor.New("test", 0, 0, testLogger()), "secret")

	cmd := &cobra.Command{}
	cmd.SetContext(withCLIContext(cc))

	assert.Error(t, runPause(cmd, nil))
}
