package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// DefaultDebounce coalesces bursts of plugin directory changes into one run
const DefaultDebounce = 500 * time.Millisecond

// Watch re-runs the orchestrator whenever the plugin directory changes. It
// blocks until ctx is done.
func (o *Orchestrator) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := o.opts.Discovery.Dir()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	// package directories are one level deep
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(dir, entry.Name())); err != nil {
					o.log.WithError(err).Warnf("Failed to watch %s", entry.Name())
				}
			}
		}
	}
	o.log.WithField("dir", dir).Info("watching plugin directory")

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						o.log.WithError(err).Warnf("Failed to watch %s", event.Name)
					}
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			trigger = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.log.WithError(err).Warn("plugin directory watcher error")

		case <-trigger:
			trigger = nil
			o.log.Info("plugin directory changed, re-syncing")
			if _, err := o.Run(ctx); err != nil {
				o.log.WithError(err).Error("plugin sync failed")
			}
		}
	}
}

// Schedule runs the orchestrator periodically on a cron spec such as
// "@every 10m". Stop the returned cron to end the schedule.
func (o *Orchestrator) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := o.Run(context.Background()); err != nil {
			o.log.WithError(err).Error("scheduled plugin sync failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
