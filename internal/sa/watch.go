package sa

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"firestige.xyz/inlineesp/internal/log"
	"firestige.xyz/inlineesp/internal/metrics"
)

// Watch reloads the table whenever path changes until ctx is done. A file that
// fails to load leaves the previous table in place.
func (t *Table) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	logger := log.GetLogger().WithField("file", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := t.LoadFile(path); err != nil {
				metrics.SAReloadsTotal.WithLabelValues("error").Inc()
				logger.WithError(err).Warn("sa table reload failed, keeping previous table")
				continue
			}
			metrics.SAReloadsTotal.WithLabelValues("ok").Inc()
			logger.Infof("sa table reloaded, %d associations", len(t.Records()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
