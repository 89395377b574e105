package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceSingleFlight(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("gzip", "gzip", bg, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("compressed"), nil
	}

	const callers = 16
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := res.Fetch(context.Background(), "app.js", mod, compute)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, data := range results {
		assert.Equal(t, []byte("compressed"), data)
	}
}

func TestResourceServesFromDiskAfterPersist(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("conv", "conv", bg, nil)
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))

	_, err := res.Fetch(context.Background(), "a.js", mod, constCompute("body"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(res.Records()) == 1 }, 5*time.Second, 10*time.Millisecond)
	rec := res.Records()[0]
	assert.Equal(t, "a.js", rec.Key)
	assert.Equal(t, mod, rec.Fingerprint)

	data, err := res.Fetch(context.Background(), "a.js", mod, failCompute)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestResourceRecomputesOnFingerprintChange(t *testing.T) {
	bg := newTestBackground(t, 200*time.Millisecond)
	res := NewResource("conv", "conv", bg, nil)
	first := time.Unix(1700000000, 0)
	second := first.Add(time.Second)

	_, err := res.Fetch(context.Background(), "a.js", ModTimeFingerprint(first), constCompute("v1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(res.Records()) == 1 }, 5*time.Second, 10*time.Millisecond)
	oldFile := res.Records()[0].File

	data, err := res.Fetch(context.Background(), "a.js", ModTimeFingerprint(second), constCompute("v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = bg.Store().Open(oldFile)
	require.NoError(t, err, "superseded file must not be deleted synchronously")
	require.Eventually(t, func() bool {
		_, err := bg.Store().Open(oldFile)
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestResourceDoesNotCacheFailures(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("conv", "conv", bg, nil)
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))

	var calls atomic.Int32
	boom := errors.New("boom")
	_, err := res.Fetch(context.Background(), "a.js", mod, func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, res.Len())

	data, err := res.Fetch(context.Background(), "a.js", mod, func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestResourceRecomputesWhenFileVanishes(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("conv", "conv", bg, nil)
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))

	res.Restore([]ResourceRecord{{Key: "a.js", File: "conv.missing.cache", Fingerprint: mod}})
	require.Equal(t, 1, res.Len())

	data, err := res.Fetch(context.Background(), "a.js", mod, constCompute("rebuilt"))
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", string(data))
}

func TestResourceClearAndRemove(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("conv", "conv", bg, nil)
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))

	for i := 0; i < 3; i++ {
		_, err := res.Fetch(context.Background(), fmt.Sprintf("k%d", i), mod, constCompute("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"k0", "k1", "k2"}, res.Keys())

	res.Remove("k1")
	assert.Equal(t, []string{"k0", "k2"}, res.Keys())

	res.Clear()
	assert.Equal(t, 0, res.Len())
}

func TestResourceDropsEntryWhenPersistFails(t *testing.T) {
	res := NewResource("conv", "conv", failingExecutors{store: newTestStore(t)}, nil)
	mod := ModTimeFingerprint(time.Unix(1700000000, 0))

	data, err := res.Fetch(context.Background(), "a.js", mod, constCompute("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.Equal(t, 0, res.Len())
	assert.Empty(t, res.Records())

	var calls atomic.Int32
	data, err = res.Fetch(context.Background(), "a.js", mod, func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("y"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))
	assert.Equal(t, int32(1), calls.Load())
}

func TestResourceSerializesComputesAcrossFingerprints(t *testing.T) {
	bg := newTestBackground(t, time.Minute)
	res := NewResource("gzip", "gzip", bg, nil)
	older := ModTimeFingerprint(time.Unix(1700000000, 0))
	newer := ModTimeFingerprint(time.Unix(1700000060, 0))

	var running, overlaps atomic.Int32
	release := make(chan struct{})
	compute := func(body string) ComputeFunc {
		return func(context.Context) ([]byte, error) {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer running.Add(-1)
			<-release
			return []byte(body), nil
		}
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		data, err := res.Fetch(context.Background(), "layer", older, compute("old"))
		assert.NoError(t, err)
		results[0] = string(data)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		data, err := res.Fetch(context.Background(), "layer", newer, compute("new"))
		assert.NoError(t, err)
		results[1] = string(data)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
	assert.Equal(t, []string{"old", "new"}, results)

	data, err := res.Fetch(context.Background(), "layer", newer, failCompute)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

// failingExecutors 模拟磁盘写入失败的后台设施。
type failingExecutors struct {
	store Store
}

func (f failingExecutors) Store() Store { return f.store }

func (failingExecutors) Persist(_ string, _ []byte, done func(File, error)) {
	if done != nil {
		done(File{}, errors.New("disk full"))
	}
}

func (failingExecutors) ScheduleDelete(string) {}

func constCompute(body string) ComputeFunc {
	return func(context.Context) ([]byte, error) { return []byte(body), nil }
}

func failCompute(context.Context) ([]byte, error) {
	return nil, errors.New("unexpected compute")
}
