package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/worker"
)

type shellLoader struct {
	fail atomic.Bool
}

func (l *shellLoader) Load(ctx context.Context, key string) (cache.Snapshot, error) {
	if l.fail.Load() {
		return cache.Snapshot{}, errors.New("origin unreachable")
	}
	return cache.Snapshot{Key: key, Status: http.StatusOK, Header: http.Header{}, Body: []byte("<html>")}, nil
}

func testSiteConfig(version string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoreDriver: config.StoreDriverMemory},
		Site: config.SiteConfig{
			Name:             "pages",
			Domain:           "pages.local",
			Upstream:         "https://origin.example",
			Version:          version,
			ShellAssets:      []string{"./"},
			EntryDocument:    "./",
			NavigationPolicy: config.NavigationCacheFirst,
			MediaExtensions:  config.DefaultMediaExtensions,
		},
	}
}

func newTestWorker(t *testing.T, version string, opts *worker.Options) *worker.Worker {
	t.Helper()
	o := worker.Options{}
	if opts != nil {
		o = *opts
	}
	o.Config = testSiteConfig(version)
	if o.Store == nil {
		o.Store = cache.NewMemoryStore()
	}
	if o.Loader == nil {
		o.Loader = &shellLoader{}
	}
	w, err := worker.New(o)
	require.NoError(t, err)
	return w
}

func TestControllerRegisterActivatesWorker(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	_, err := store.Open(ctx, "shell-v0")
	require.NoError(t, err)

	c := NewController(nil, time.Second)
	w := newTestWorker(t, "v1", &worker.Options{Store: store, Host: c})

	require.NoError(t, c.Register(ctx, w))
	assert.Same(t, w, c.Active())
	assert.Equal(t, lifecycle.StateActivated, w.State())

	names, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v1"}, names)
}

func TestControllerKeepsOldWorkerWhenInstallFails(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	c := NewController(nil, time.Second)

	v1 := newTestWorker(t, "v1", &worker.Options{Store: store, Host: c})
	require.NoError(t, c.Register(ctx, v1))

	loader := &shellLoader{}
	loader.fail.Store(true)
	v2 := newTestWorker(t, "v2", &worker.Options{Store: store, Host: c, Loader: loader})

	err := c.Register(ctx, v2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin unreachable")
	assert.Same(t, v1, c.Active())
	assert.Equal(t, lifecycle.StateRedundant, v2.State())

	names, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "shell-v1", "failed install must not garbage-collect the active generations")
}

func TestControllerSupersedesAndDrainsOldWorker(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	c := NewController(nil, time.Second)

	v1 := newTestWorker(t, "v1", &worker.Options{Store: store, Host: c})
	require.NoError(t, c.Register(ctx, v1))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = v1.WaitUntil(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	v2 := newTestWorker(t, "v2", &worker.Options{Store: store, Host: c})
	require.NoError(t, c.Register(ctx, v2))
	assert.Same(t, v2, c.Active())

	names, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v2"}, names)

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Shutdown(shutdownCtx), "retired worker still has in-flight work")

	close(release)
	require.NoError(t, c.Shutdown(ctx))
}

func TestControllerClaimWithoutRegistrationFails(t *testing.T) {
	c := NewController(nil, time.Second)
	assert.Error(t, c.Claim(context.Background()))
	assert.Nil(t, c.Active())
}
