package connectivity

import (
	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/watch"
)

// WatchFlagFile pins the detector offline for as long as path exists. It
// lets an operator take the client offline without touching the network.
func WatchFlagFile(detector *Detector, path string, logger zerolog.Logger) (*watch.FileWatcher, error) {
	fw, err := watch.NewFileWatcher(path, func(change watch.Change) {
		logger.Info().Str("path", change.Path).Bool("forced_offline", change.Exists).Msg("offline flag changed")
		detector.ForceOffline(change.Exists)
	}, func(err error) {
		logger.Warn().Err(err).Msg("offline flag watcher error")
	})
	if err != nil {
		return nil, err
	}
	detector.ForceOffline(fw.Exists())
	if err := fw.Start(); err != nil {
		_ = fw.Stop()
		return nil, err
	}
	return fw, nil
}
