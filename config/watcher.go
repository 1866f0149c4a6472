package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long Watch waits after the last change event
// before reading the file.
const DefaultDebounce = 100 * time.Millisecond

type watchOptions struct {
	debounce time.Duration
}

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

// WithDebounce sets the quiet period after a change before the file is
// read. A burst of writes is read once.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// Watch reloads the file at path whenever it changes and passes each valid
// configuration with new content to fn. Invalid edits are logged and
// skipped. Watch blocks until ctx is done.
//
// The parent directory is watched so that editors which replace the file
// by rename are followed.
func Watch(ctx context.Context, path string, fn func(*Config), opts ...WatchOption) error {
	o := watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %q: %w", path, err)
	}

	var last [sha256.Size]byte
	if data, err := os.ReadFile(path); err == nil {
		last = sha256.Sum256(data)
	}

	settle := time.NewTimer(o.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(o.debounce)

		case <-settle.C:
			cfg, hash, err := reload(ctx, path)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Watch",
					"path":     path,
					"error":    err.Error(),
				}).Warn("Ignoring invalid configuration change")
				continue
			}
			if hash == last {
				continue
			}
			last = hash

			logrus.WithFields(logrus.Fields{
				"function": "Watch",
				"path":     path,
			}).Info("Configuration reloaded")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Watch",
				"error":    err.Error(),
			}).Warn("Configuration watcher error")
		}
	}
}

func reload(ctx context.Context, path string) (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	if len(data) == 0 {
		// Truncated mid-write; the following write event carries the content.
		return nil, [sha256.Size]byte{}, fmt.Errorf("config: %q is empty", path)
	}
	cfg, err := Load(ctx, path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
