package drain

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/boardsync/internal/watch"
)

const markerDebounce = 100 * time.Millisecond

// MarkerWatcher turns writes to a marker file into NotifyExternalDrain
// calls. Bursts of writes within the debounce window count once.
type MarkerWatcher struct {
	fw *watch.FileWatcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func WatchMarker(c *Controller, path string) (*MarkerWatcher, error) {
	mw := &MarkerWatcher{}
	fw, err := watch.NewFileWatcher(path, func(change watch.Change) {
		if !change.Written {
			return
		}
		mw.mu.Lock()
		defer mw.mu.Unlock()
		if mw.stopped {
			return
		}
		if mw.timer != nil {
			mw.timer.Stop()
		}
		mw.timer = time.AfterFunc(markerDebounce, func() {
			mw.mu.Lock()
			stopped := mw.stopped
			mw.mu.Unlock()
			if !stopped {
				c.NotifyExternalDrain()
			}
		})
	}, func(err error) {
		c.logger.Warn().Err(err).Msg("drain marker watcher error")
	})
	if err != nil {
		return nil, err
	}
	if err := fw.Start(); err != nil {
		_ = fw.Stop()
		return nil, err
	}
	mw.fw = fw
	return mw, nil
}

func (mw *MarkerWatcher) Stop() error {
	mw.mu.Lock()
	mw.stopped = true
	if mw.timer != nil {
		mw.timer.Stop()
		mw.timer = nil
	}
	mw.mu.Unlock()
	return mw.fw.Stop()
}

// TouchMarker records that the queue was drained out of band.
func TouchMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339Nano)+"\n"), 0o644)
}
