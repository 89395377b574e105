package build

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

var baseTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeResource struct {
	mu      sync.Mutex
	body    string
	modTime time.Time
}

func (r *fakeResource) URI() string { return "mem://module" }

func (r *fakeResource) LastModified() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modTime, nil
}

func (r *fakeResource) Open() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return io.NopCloser(strings.NewReader(r.body)), nil
}

func (r *fakeResource) set(body string, modTime time.Time) {
	r.mu.Lock()
	r.body = body
	r.modTime = modTime
	r.mu.Unlock()
}

type fakeResources map[string]*fakeResource

func (f fakeResources) Resource(mod *Module) (Resource, error) {
	res, ok := f[mod.ID]
	if !ok {
		return nil, errors.New("no resource for " + mod.ID)
	}
	return res, nil
}

type fakeBuilder struct {
	calls   atomic.Int32
	gate    chan struct{}
	initial func(mod *Module, req *request.Context) keygen.List
	build   func(ctx context.Context, mod *Module, res Resource, req *request.Context, gens keygen.List) (*Output, error)
}

func (b *fakeBuilder) InitialKeyGenerators(mod *Module, req *request.Context) keygen.List {
	if b.initial != nil {
		return b.initial(mod, req)
	}
	return keygen.List{keygen.NewExportNames()}
}

func (b *fakeBuilder) Build(ctx context.Context, mod *Module, res Resource, req *request.Context, gens keygen.List) (*Output, error) {
	b.calls.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.build != nil {
		return b.build(ctx, mod, res, req, gens)
	}
	return &Output{Content: readResource(res)}, nil
}

func readResource(res Resource) []byte {
	rc, err := res.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return data
}

type fakeResolver map[string]*fakeBuilder

func (f fakeResolver) Builder(mod *Module) (Builder, error) {
	b, ok := f[mod.Builder]
	if !ok {
		return nil, errors.New("no builder " + mod.Builder)
	}
	return b, nil
}

type testTransport struct{}

func (testTransport) KeyFragment(*request.Context) string { return "t" }

func (testTransport) LayerPrologue(*request.Context, []string) []byte { return []byte("<<") }

func (testTransport) LayerEpilogue(*request.Context) []byte { return []byte(">>") }

func (testTransport) ModuleFraming(id string, _ *request.Context) (prefix, suffix []byte) {
	return []byte("[" + id + ":"), []byte("]")
}

type testEnv struct {
	bg        *cache.Background
	cache     *Cache
	builders  fakeResolver
	resources fakeResources
	log       logrus.FieldLogger
}

type envOptions struct {
	deleteDelay     time.Duration
	maxLayerEntries int
}

func newTestEnv(t *testing.T, opts envOptions, builders fakeResolver) *testEnv {
	t.Helper()
	if opts.deleteDelay == 0 {
		opts.deleteDelay = time.Minute
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	bg := cache.NewBackground(store, cache.BackgroundOptions{CreateWorkers: 2, DeleteDelay: opts.deleteDelay}, log)
	t.Cleanup(bg.Close)

	env := &testEnv{bg: bg, builders: builders, resources: fakeResources{}, log: log}
	var mods []*Module
	for name := range builders {
		mods = append(mods, &Module{ID: name, Path: name + ".js", Builder: name})
		env.resources[name] = &fakeResource{body: "src:" + name, modTime: baseTime}
	}
	env.cache = env.newCache(t, mods, opts.maxLayerEntries)
	return env
}

func (env *testEnv) newCache(t *testing.T, mods []*Module, maxLayerEntries int) *Cache {
	t.Helper()
	c, err := NewCache(Options{
		Modules:         mods,
		Builders:        env.builders,
		Resources:       env.resources,
		Transport:       testTransport{},
		Executors:       env.bg,
		BuildWorkers:    4,
		MaxLayerEntries: maxLayerEntries,
		Logger:          env.log,
	})
	require.NoError(t, err)
	return c
}

func waitReader(t *testing.T, f *Future) *Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	require.NoError(t, err)
	return r
}

func readAll(t *testing.T, f *Future) (string, *Reader) {
	t.Helper()
	r := waitReader(t, f)
	data, err := r.Bytes()
	require.NoError(t, err)
	return string(data), r
}

// waitPersisted 等待 key 对应的条目落盘并返回文件名。
func waitPersisted(t *testing.T, idx *Index, key string) string {
	t.Helper()
	var file string
	require.Eventually(t, func() bool {
		e := idx.Load(key)
		if e == nil {
			return false
		}
		file = e.File()
		return file != ""
	}, 5*time.Second, 10*time.Millisecond)
	return file
}

// stubExecutors 记录落盘请求，由测试决定何时以及以何种结果完成。
type stubExecutors struct {
	store cache.Store

	mu      sync.Mutex
	pending []func(cache.File, error)
	deleted []string
	seq     int
}

func newStubExecutors(t *testing.T) *stubExecutors {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return &stubExecutors{store: store}
}

func (s *stubExecutors) Store() cache.Store { return s.store }

func (s *stubExecutors) Persist(_ string, _ []byte, done func(cache.File, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, done)
}

func (s *stubExecutors) ScheduleDelete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, name)
}

func (s *stubExecutors) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) >= n
	}, 5*time.Second, 10*time.Millisecond)
}

// finish 以 err 完成全部挂起的落盘请求；err 为 nil 时分配一个虚拟文件名。
func (s *stubExecutors) finish(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, done := range pending {
		if err != nil {
			done(cache.File{}, err)
			continue
		}
		s.mu.Lock()
		s.seq++
		name := "stub." + strconv.Itoa(s.seq) + ".cache"
		s.mu.Unlock()
		done(cache.File{Name: name}, nil)
	}
}

// newStubCache 使用 exec 构造容器，所有模块源文件的初始时间为 baseTime。
func newStubCache(t *testing.T, exec cache.Executors, builders fakeResolver) (*Cache, fakeResources) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	resources := fakeResources{}
	var mods []*Module
	for name := range builders {
		mods = append(mods, &Module{ID: name, Path: name + ".js", Builder: name})
		resources[name] = &fakeResource{body: "src:" + name, modTime: baseTime}
	}
	c, err := NewCache(Options{
		Modules:   mods,
		Builders:  builders,
		Resources: resources,
		Transport: testTransport{},
		Executors: exec,
		Logger:    log,
	})
	require.NoError(t, err)
	return c, resources
}
