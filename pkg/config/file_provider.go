package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

const defaultDebounce = 100 * time.Millisecond

// UpdateFunc installs freshly compiled pipelines, typically
// engine.PipelineRegistry.UpdatePipelines.
type UpdateFunc func(ctx context.Context, pipelines []domain.Pipeline) error

// FileProviderOptions configures a FileProvider.
type FileProviderOptions struct {
	// Path is a mod file or a directory of mod files.
	Path     string
	Bricks   runtime.Registry
	OnUpdate UpdateFunc
	Debounce time.Duration
	Logger   *slog.Logger
}

// FileProvider compiles mod files and recompiles them when they change. A
// failed reload keeps the last good snapshot.
type FileProvider struct {
	path        string
	bricks      runtime.Registry
	onUpdate    UpdateFunc
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileProvider performs the initial load and starts watching. The initial
// load must succeed.
func NewFileProvider(ctx context.Context, opts FileProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	p := &FileProvider{
		path:     absPath,
		bricks:   opts.Bricks,
		onUpdate: opts.OnUpdate,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	watchDir := absPath
	if info, err := os.Stat(absPath); err == nil && !info.IsDir() {
		watchDir = filepath.Dir(absPath)
	}
	if err := watcher.Add(watchDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.watchLoop(watchCtx)
	return p, nil
}

// CurrentSnapshot returns the last good snapshot.
func (p *FileProvider) CurrentSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives every new snapshot, starting with
// the current one. Slow consumers miss intermediate snapshots.
func (p *FileProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Reload compiles the mod files now and publishes the result.
func (p *FileProvider) Reload(ctx context.Context) error {
	pipelines, err := LoadPipelines(ctx, p.path, p.bricks)
	if err != nil {
		return err
	}
	if p.onUpdate != nil {
		if err := p.onUpdate(ctx, pipelines); err != nil {
			return fmt.Errorf("install pipelines: %w", err)
		}
	}

	p.mu.Lock()
	p.snapshot = Snapshot{
		Generation: p.snapshot.Generation + 1,
		LoadedAt:   time.Now(),
		Source:     p.path,
		Pipelines:  pipelines,
	}
	snapshot := p.snapshot
	subscribers := append([]chan Snapshot(nil), p.subscribers...)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
	return nil
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FileProvider) relevant(name string) bool {
	name = filepath.Clean(name)
	if name == p.path {
		return true
	}
	if filepath.Dir(name) != p.path {
		return false
	}
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !p.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.Reload(ctx); err != nil {
						p.logger.Error("mod reload failed, keeping last good pipelines", "path", p.path, "error", err)
						return
					}
					p.logger.Info("mods reloaded", "path", p.path, "generation", p.CurrentSnapshot().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("mod watcher error", "error", err)
		}
	}
}
