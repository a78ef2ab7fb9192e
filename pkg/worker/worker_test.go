package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
)

func TestRunCompletesTask(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	r := NewRunner(bus)

	done := make(chan struct{})
	task := r.Run("import", func(progress *events.Reporter) error {
		progress.Progress(50, "halfway")
		close(done)
		return nil
	})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "import", task.Kind)

	<-done
	r.Wait()

	finished, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, finished.Status)
	assert.False(t, finished.FinishedAt.IsZero())
}

func TestRunRecordsFailure(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	r := NewRunner(bus)
	task := r.Run("sync", func(progress *events.Reporter) error {
		return errors.New("remote exploded")
	})
	r.Wait()

	failed, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, failed.Status)
	assert.Equal(t, "remote exploded", failed.Error)
}

func TestProgressReachesSubscribers(t *testing.T) {
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	r := NewRunner(bus)

	started := make(chan string, 1)
	release := make(chan struct{})
	task := r.Run("export", func(progress *events.Reporter) error {
		started <- "go"
		<-release
		progress.Progress(100, "done")
		return nil
	})

	sub := bus.Subscribe(task.ID)
	<-started
	close(release)
	r.Wait()

	select {
	case ev := <-sub:
		assert.Equal(t, task.ID, ev.ClientID)
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}
}

func TestGetUnknownTask(t *testing.T) {
	r := NewRunner(events.NewBus())
	_, err := r.Get("missing")
	assert.True(t, errdefs.IsNotFound(err))
}
