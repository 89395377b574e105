package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackground(t *testing.T, delay time.Duration) *Background {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	bg := NewBackground(store, BackgroundOptions{CreateWorkers: 2, DeleteDelay: delay}, log)
	t.Cleanup(bg.Close)
	return bg
}

func TestBackgroundPersistWritesFile(t *testing.T) {
	bg := newTestBackground(t, time.Minute)

	done := make(chan File, 1)
	bg.Persist("mod", []byte("content"), func(file File, err error) {
		assert.NoError(t, err)
		done <- file
	})

	select {
	case file := <-done:
		data, err := bg.Store().ReadFile(file.Name)
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))
		assert.True(t, strings.HasPrefix(file.Name, "mod."))
	case <-time.After(5 * time.Second):
		t.Fatal("persist callback not invoked")
	}
}

func TestBackgroundDeleteIsDelayed(t *testing.T) {
	bg := newTestBackground(t, 150*time.Millisecond)
	file, err := bg.Store().Create(context.Background(), "old", strings.NewReader("stale"))
	require.NoError(t, err)

	bg.ScheduleDelete(file.Name)
	bg.ScheduleDelete(file.Name)
	assert.Equal(t, 1, bg.PendingDeletes())

	_, err = bg.Store().Open(file.Name)
	require.NoError(t, err, "file must survive until the delay elapses")

	require.Eventually(t, func() bool {
		_, err := bg.Store().Open(file.Name)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, bg.PendingDeletes())
}

func TestBackgroundCloseFlushesPendingDeletes(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	bg := NewBackground(store, BackgroundOptions{DeleteDelay: time.Hour}, nil)

	file, err := store.Create(context.Background(), "old", strings.NewReader("stale"))
	require.NoError(t, err)
	bg.ScheduleDelete(file.Name)

	bg.Close()

	_, err = store.Open(file.Name)
	require.ErrorIs(t, err, ErrNotFound)

	var persistErr error
	bg.Persist("late", []byte("x"), func(_ File, err error) { persistErr = err })
	require.ErrorIs(t, persistErr, ErrClosed)
}
