package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/polisai/brickflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUpdater struct {
	mu    sync.Mutex
	calls [][]domain.Pipeline
}

func (r *recordingUpdater) update(_ context.Context, pipelines []domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pipelines)
	return nil
}

func (r *recordingUpdater) last() []domain.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

const modV1 = "id: m\ncomponents: [{id: first, steps: [{id: echo, config: {message: one}}]}]"
const modV2 = "id: m\ncomponents: [{id: first, version: 2, steps: [{id: echo, config: {message: two}}]}, {id: second, steps: [{id: echo, config: {message: x}}]}]"

func TestFileProviderReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mod.yaml", modV1)

	updater := &recordingUpdater{}
	provider, err := NewFileProvider(context.Background(), FileProviderOptions{
		Path:     dir,
		Bricks:   registry(),
		OnUpdate: updater.update,
		Debounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	initial := provider.CurrentSnapshot()
	assert.Equal(t, int64(1), initial.Generation)
	require.Len(t, initial.Pipelines, 1)

	updates := provider.Subscribe()
	<-updates // current snapshot

	writeFile(t, dir, "mod.yaml", modV2)

	select {
	case snap := <-updates:
		require.Len(t, snap.Pipelines, 2)
		assert.Equal(t, 2, snap.Pipelines[0].Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Len(t, updater.last(), 2)
}

func TestFileProviderKeepsLastGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mod.yaml", modV1)

	provider, err := NewFileProvider(context.Background(), FileProviderOptions{Path: path, Bricks: registry()})
	require.NoError(t, err)
	defer func() { _ = provider.Close() }()

	writeFile(t, dir, "mod.yaml", "id: m\ncomponents: [{id: first, steps: [{id: acme/missing}]}]")
	require.Error(t, provider.Reload(context.Background()))

	snap := provider.CurrentSnapshot()
	require.Len(t, snap.Pipelines, 1)
	assert.Equal(t, "first", snap.Pipelines[0].ID)
	assert.Equal(t, int64(1), snap.Generation)
}

func TestFileProviderInitialLoadMustSucceed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mod.yaml", "id: m")
	_, err := NewFileProvider(context.Background(), FileProviderOptions{Path: path})
	require.Error(t, err)
}
