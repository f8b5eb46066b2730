package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/billclaw/internal/infra"
)

// Provider holds the live configuration. Readers get copies; writers go
// through Update, which validates and persists before publishing.
type Provider struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *Config

	writeMu   sync.Mutex
	listeners *infra.HandlerRegistry[func(*Config)]

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// NewProvider loads path (defaults when missing) and returns a file-backed provider.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	p := NewStaticProvider(cfg, logger)
	p.path = path
	return p, nil
}

// NewStaticProvider wraps an in-memory configuration. Updates are not persisted.
func NewStaticProvider(cfg *Config, logger *slog.Logger) *Provider {
	if cfg == nil {
		cfg = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:           cfg.Clone(),
		logger:        logger.With("component", "config"),
		listeners:     infra.NewHandlerRegistry[func(*Config)](),
		watchDebounce: 250 * time.Millisecond,
	}
}

// Path returns the backing file, or "" for static providers.
func (p *Provider) Path() string {
	return p.path
}

// Get returns a copy of the current configuration.
func (p *Provider) Get() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Clone()
}

// Update applies fn to a copy of the configuration, validates it, writes it
// to disk and publishes it to listeners. The live config is untouched on error.
func (p *Provider) Update(fn func(*Config)) error {
	if fn == nil {
		return errors.New("update function is required")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	next := p.Get()
	fn(next)
	applyDefaults(next)
	if err := next.Validate(); err != nil {
		return err
	}
	if p.path != "" {
		if err := Save(p.path, next); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
	}
	p.publish(next)
	return nil
}

// Reload re-reads the backing file. Unchanged content is not republished.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	next, err := LoadOrDefault(p.path)
	if err != nil {
		return err
	}
	p.mu.RLock()
	same := reflect.DeepEqual(p.cfg, next)
	p.mu.RUnlock()
	if same {
		return nil
	}
	p.publish(next)
	p.logger.Info("configuration reloaded", "path", p.path)
	return nil
}

func (p *Provider) publish(next *Config) {
	p.mu.Lock()
	p.cfg = next
	p.mu.Unlock()

	p.listeners.Each(p.logger, "config_change", func(h func(*Config)) {
		h(next.Clone())
	})
}

// OnChange registers a listener invoked with a copy of every new configuration.
func (p *Provider) OnChange(fn func(*Config)) string {
	return p.listeners.Add(fn)
}

// OffChange removes a listener registered with OnChange.
func (p *Provider) OffChange(id string) bool {
	return p.listeners.Remove(id)
}

// Watch reloads the configuration when the backing file changes. The
// directory is watched so atomic replacements are observed.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	p.watchMu.Lock()
	if p.watcher != nil {
		p.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.watchMu.Unlock()
		return err
	}
	absPath, err := filepath.Abs(p.path)
	if err != nil {
		p.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		p.watchMu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	p.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	p.watchCancel = cancel
	debounce := p.watchDebounce
	p.watchMu.Unlock()

	p.watchWg.Add(1)
	go p.watchLoop(watchCtx, watcher, absPath, debounce)
	return nil
}

// Close stops the watcher, if any.
func (p *Provider) Close() error {
	p.watchMu.Lock()
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
	watcher := p.watcher
	p.watcher = nil
	p.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	p.watchWg.Wait()
	return nil
}

func (p *Provider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, target string, debounce time.Duration) {
	defer p.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := p.Reload(); err != nil {
				p.logger.Warn("config reload failed", "path", target, "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watch error", "error", err)
		}
	}
}
