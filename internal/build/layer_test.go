package build

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

func TestLayerConcatenatesModulesWithFraming(t *testing.T) {
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": &fakeBuilder{}, "b": &fakeBuilder{}})

	body, r := readAll(t, env.cache.LayerBuild(context.Background(), []string{"b", "a"}, &request.Context{}))
	assert.Equal(t, "<<[b:src:b][a:src:a]>>", body)
	assert.Equal(t, "expn:0;expn:0|t", r.Key)
	assert.False(t, r.IsError)

	_, r = readAll(t, env.cache.LayerBuild(context.Background(), []string{"b", "a"}, &request.Context{}))
	assert.True(t, r.Hit)
}

func TestLayerSingleFlight(t *testing.T) {
	a := &fakeBuilder{gate: make(chan struct{})}
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": a, "b": &fakeBuilder{}})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.cache.LayerBuild(context.Background(), []string{"a", "b"}, &request.Context{}).Wait(context.Background())
			if assert.NoError(t, err) {
				data, err := r.Bytes()
				assert.NoError(t, err)
				assert.Equal(t, "<<[a:src:a][b:src:b]>>", string(data))
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(a.gate)
	wg.Wait()
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestLayerErrorIsNotCacheable(t *testing.T) {
	broken := &fakeBuilder{
		build: func(context.Context, *Module, Resource, *request.Context, keygen.List) (*Output, error) {
			return nil, errors.New("broken")
		},
	}
	env := newTestEnv(t, envOptions{}, fakeResolver{"ok": &fakeBuilder{}, "broken": broken})
	req := &request.Context{Development: true}

	body, r := readAll(t, env.cache.LayerBuild(context.Background(), []string{"ok", "broken"}, req))
	assert.True(t, r.IsError)
	assert.Contains(t, body, "[ok:src:ok]")
	assert.Contains(t, body, "bundle-hub build error")
	assert.Equal(t, 0, env.cache.Layers().Len())

	_, r = readAll(t, env.cache.LayerBuild(context.Background(), []string{"ok", "broken"}, req))
	assert.False(t, r.Hit)
	assert.Equal(t, int32(2), broken.calls.Load())
}

func TestLayerPropagatesBuildFailure(t *testing.T) {
	broken := &fakeBuilder{
		build: func(context.Context, *Module, Resource, *request.Context, keygen.List) (*Output, error) {
			return nil, errors.New("broken")
		},
	}
	env := newTestEnv(t, envOptions{}, fakeResolver{"ok": &fakeBuilder{}, "broken": broken})

	_, err := env.cache.LayerBuild(context.Background(), []string{"ok", "broken"}, &request.Context{}).Wait(context.Background())
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, 0, env.cache.Layers().Len())
}

func TestLayerCapacityCeiling(t *testing.T) {
	env := newTestEnv(t, envOptions{maxLayerEntries: 2}, fakeResolver{"a": &fakeBuilder{}, "b": &fakeBuilder{}})
	ctx := context.Background()

	readAll(t, env.cache.LayerBuild(ctx, []string{"a"}, &request.Context{}))
	readAll(t, env.cache.LayerBuild(ctx, []string{"a"}, &request.Context{ExportNames: true}))
	require.Equal(t, 2, env.cache.Layers().Len())

	_, err := env.cache.LayerBuild(ctx, []string{"b"}, &request.Context{}).Wait(ctx)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, r := readAll(t, env.cache.LayerBuild(ctx, []string{"a"}, &request.Context{}))
	assert.True(t, r.Hit)
	_, r = readAll(t, env.cache.LayerBuild(ctx, []string{"a"}, &request.Context{ExportNames: true}))
	assert.True(t, r.Hit)
	assert.Equal(t, 2, env.cache.Layers().Len())
}

func TestLayerProvisionalPromotion(t *testing.T) {
	env := newTestEnv(t, envOptions{}, fakeResolver{"app": provisionalBuilder(), "b": &fakeBuilder{}})
	req := &request.Context{Features: map[string]bool{"a": false, "c": true}}

	_, r := readAll(t, env.cache.LayerBuild(context.Background(), []string{"app", "b"}, req))
	assert.Equal(t, "expn:0;has{!a};expn:0|t", r.Key)

	idx := env.cache.Layers().layerIndex(LayerID([]string{"app", "b"}))
	require.NotNil(t, idx)
	waitPersisted(t, idx, "expn:0;has{!a};expn:0|t")
	assert.Nil(t, idx.Load("expn:0;has{!a,c};expn:0|t"))

	_, r = readAll(t, env.cache.LayerBuild(context.Background(), []string{"app", "b"}, req))
	assert.True(t, r.Hit)
}

func TestLayerIndexReplacedWhenModuleChanges(t *testing.T) {
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": &fakeBuilder{}, "b": &fakeBuilder{}})
	ids := []string{"a", "b"}

	readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	env.resources["b"].set("src:b:v2", baseTime.Add(time.Hour))

	body, r := readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.False(t, r.Hit)
	assert.Equal(t, "<<[a:src:a][b:src:b:v2]>>", body)
	assert.True(t, env.cache.Layers().layerIndex(LayerID(ids)).LastModified().Equal(baseTime.Add(time.Hour)))
}

func TestLayerIndexReplacedWhenOlderModuleChanges(t *testing.T) {
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": &fakeBuilder{}, "b": &fakeBuilder{}})
	ids := []string{"a", "b"}
	env.resources["b"].set("src:b", baseTime.Add(time.Hour))

	readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	before := env.cache.Layers().layerIndex(LayerID(ids)).Fingerprint()

	// a 的新时间仍早于 b，最新时间不变。
	env.resources["a"].set("src:a:v2", baseTime.Add(time.Minute))

	body, r := readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.False(t, r.Hit)
	assert.Equal(t, "<<[a:src:a:v2][b:src:b]>>", body)

	idx := env.cache.Layers().layerIndex(LayerID(ids))
	assert.NotEqual(t, before, idx.Fingerprint())
	assert.Equal(t, idx.Fingerprint(), r.Fingerprint)
	assert.True(t, idx.LastModified().Equal(baseTime.Add(time.Hour)))

	_, r = readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.True(t, r.Hit)
}

func TestLayerNoCacheIsNotIndexed(t *testing.T) {
	builder := &fakeBuilder{}
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": builder})
	ids := []string{"a"}

	body, _ := readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{NoCache: true}))
	assert.Equal(t, "<<[a:src:a]>>", body)
	assert.Equal(t, 0, env.cache.Layers().Len())

	_, r := readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.False(t, r.Hit)
	waitPersisted(t, env.cache.Layers().layerIndex(LayerID(ids)), r.Key)

	_, r = readAll(t, env.cache.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.True(t, r.Hit)
	assert.Equal(t, int32(2), builder.calls.Load())
}

func TestLayerPersistFailureRemovesEntry(t *testing.T) {
	exec := newStubExecutors(t)
	c, _ := newStubCache(t, exec, fakeResolver{"a": &fakeBuilder{}, "b": &fakeBuilder{}})
	ids := []string{"a", "b"}

	_, r := readAll(t, c.LayerBuild(context.Background(), ids, &request.Context{}))
	exec.waitPending(t, 3)
	assert.Equal(t, 1, c.Layers().Len())

	exec.finish(errors.New("disk full"))
	assert.Equal(t, 0, c.Layers().Len())
	assert.Nil(t, c.Layers().layerIndex(LayerID(ids)).Load(r.Key))

	_, r = readAll(t, c.LayerBuild(context.Background(), ids, &request.Context{}))
	assert.False(t, r.Hit)
}

func TestLayerRejectsEmptyAndUnknown(t *testing.T) {
	env := newTestEnv(t, envOptions{}, fakeResolver{"a": &fakeBuilder{}})

	_, err := env.cache.LayerBuild(context.Background(), nil, &request.Context{}).Wait(context.Background())
	require.ErrorIs(t, err, ErrEmptyLayer)

	_, err = env.cache.LayerBuild(context.Background(), []string{"a", "zzz"}, &request.Context{}).Wait(context.Background())
	require.ErrorIs(t, err, ErrModuleNotFound)
}
