// Package watch reports changes to a single marker file.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change describes what happened to the watched file.
type Change struct {
	Path    string
	Exists  bool
	Written bool
}

// FileWatcher watches one file. The parent directory is watched instead of
// the file itself so creation and removal are both observed.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Change)
	onError  func(error)
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewFileWatcher(path string, onChange func(Change), onError func(error)) (*FileWatcher, error) {
	if path == "" {
		return nil, errors.New("watch path is required")
	}
	if onChange == nil {
		return nil, errors.New("change callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
		onError:  onError,
		done:     make(chan struct{}),
	}, nil
}

// Exists reports whether the watched file is currently present.
func (fw *FileWatcher) Exists() bool {
	_, err := os.Stat(fw.path)
	return err == nil
}

func (fw *FileWatcher) Path() string {
	return fw.path
}

func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(fw.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop blocks until the event goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if change, ok := fw.convertEvent(event); ok {
				fw.onChange(change)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if fw.onError != nil {
				fw.onError(err)
			}
		}
	}
}

func (fw *FileWatcher) convertEvent(event fsnotify.Event) (Change, bool) {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != fw.path {
		return Change{}, false
	}
	switch {
	case event.Has(fsnotify.Create):
		return Change{Path: fw.path, Exists: true, Written: true}, true
	case event.Has(fsnotify.Write):
		return Change{Path: fw.path, Exists: true, Written: true}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Change{Path: fw.path, Exists: fw.Exists()}, true
	default:
		return Change{}, false
	}
}
