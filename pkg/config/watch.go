package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceWindow coalesces bursts of filesystem events (editors write files
// several times in quick succession) into one notification.
const debounceWindow = 250 * time.Millisecond

// Watch watches the inventory file and the service descriptor tree and
// invokes onChange with the changed path after each coalesced burst of
// writes. It blocks until the context is cancelled.
func Watch(ctx context.Context, inventoryPath, servicesDir string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if inventoryPath != "" {
		// Watch the directory, not the file: most editors replace files by
		// rename, which drops a direct file watch.
		if err := watcher.Add(filepath.Dir(inventoryPath)); err != nil {
			return err
		}
	}
	if servicesDir != "" {
		if err := addServiceDirs(watcher, servicesDir); err != nil {
			return err
		}
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, inventoryPath) {
				continue
			}
			// A new service directory needs its own watch.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			pending = event.Name
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			log.Debug().Str("path", pending).Msg("configuration change detected")
			onChange(pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("configuration watcher error")
		}
	}
}

func addServiceDirs(watcher *fsnotify.Watcher, servicesDir string) error {
	if err := watcher.Add(servicesDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	entries, err := os.ReadDir(servicesDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := watcher.Add(filepath.Join(servicesDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// relevant filters events down to YAML config writes and the inventory file.
func relevant(event fsnotify.Event, inventoryPath string) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	if inventoryPath != "" && filepath.Clean(event.Name) == filepath.Clean(inventoryPath) {
		return true
	}
	return strings.HasSuffix(event.Name, ".yaml") || strings.HasSuffix(event.Name, ".yml")
}
