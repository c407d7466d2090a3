package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Config holds identity settings
type Config struct {
	// SessionFile is the JSON session file written by the sign-in flow.
	SessionFile string `toml:"session_file"`
}

// DefaultConfig returns the default identity configuration
func DefaultConfig() Config {
	return Config{SessionFile: "session.json"}
}

// FileProvider reads the identity from a JSON session file and follows
// changes to it. A missing or empty file means anonymous.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	current  Identity
	watchers watchers

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileProvider loads the session file at path. Call Start to follow
// changes.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &FileProvider{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}

	id, err := readSession(path)
	if err != nil {
		return nil, err
	}
	p.current = id
	return p, nil
}

func (p *FileProvider) Current() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *FileProvider) Watch(fn func(Identity)) func() {
	return p.watchers.add(fn)
}

// Start watches the session file's directory. Renames onto the file count as
// writes, so atomic replacement by the sign-in flow is seen.
func (p *FileProvider) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	p.watcher = watcher
	p.wg.Add(1)
	go p.processEvents()

	p.logger.Info("watching session file", "path", p.path)
	return nil
}

// Close stops watching and waits for the event loop to exit.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}

	close(p.done)
	err := p.watcher.Close()
	p.wg.Wait()
	p.watcher = nil
	return err
}

func (p *FileProvider) processEvents() {
	defer p.wg.Done()

	target := filepath.Clean(p.path)
	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("session watcher error", "error", err)
		}
	}
}

// reload re-reads the file and notifies watchers when the identity changed.
// A half-written file keeps the previous identity until the next event.
func (p *FileProvider) reload() {
	id, err := readSession(p.path)
	if err != nil {
		p.logger.Warn("failed to read session file", "path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	prev := p.current
	p.current = id
	p.mu.Unlock()

	if prev == id {
		return
	}

	p.logger.Info("identity changed",
		"from_authenticated", prev.Authenticated(),
		"to_authenticated", id.Authenticated(),
		"user_id", id.UserID)
	p.watchers.notify(id)
}

func readSession(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Anonymous, nil
	}
	if err != nil {
		return Anonymous, fmt.Errorf("identity: read session: %w", err)
	}
	if len(data) == 0 {
		return Anonymous, nil
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Anonymous, fmt.Errorf("identity: parse session: %w", err)
	}
	return id, nil
}
