package plugin

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/synapse/pkg/pluginsdk"
)

// DiscoverDir walks dir for manifest files and loads each one. A missing dir
// is not an error; a broken manifest fails that plugin only.
func (l *Loader) DiscoverDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		l.logger.Debug("plugins dir does not exist", "dir", dir)
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != pluginsdk.ManifestFilename {
			return nil
		}
		l.loadManifestPath(ctx, path)
		return nil
	})
}

func (l *Loader) loadManifestPath(ctx context.Context, path string) {
	manifest, err := pluginsdk.DecodeManifestFile(path)
	if err != nil {
		l.logger.Error("plugin manifest unreadable", "path", path, "error", err)
		return
	}
	if err := l.LoadManifest(ctx, manifest, path); err != nil {
		l.logger.Error("plugin load failed", "path", path, "error", err)
	}
}

// Watch reloads plugins as manifest files appear, change, or vanish under
// dir. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				// Manifests typically live one level down, dir-per-plugin.
				_ = watcher.Add(filepath.Join(dir, entry.Name()))
			}
		}
	}

	// Editors write manifests in several events; debounce per path.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if name != pluginsdk.ManifestFilename {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				delete(pending, event.Name)
				l.unloadByPath(ctx, event.Name)
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				pending[event.Name] = time.Now().Add(200 * time.Millisecond)
			}

		case now := <-ticker.C:
			for path, due := range pending {
				if now.Before(due) {
					continue
				}
				delete(pending, path)
				l.unloadByPath(ctx, path)
				l.loadManifestPath(ctx, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("plugin watcher error", "error", err)
		}
	}
}

func (l *Loader) unloadByPath(ctx context.Context, path string) {
	l.mu.Lock()
	var name string
	for _, entry := range l.plugins {
		if entry.record.Path == path {
			name = entry.record.Name
			break
		}
	}
	l.mu.Unlock()
	if name != "" {
		if err := l.Unload(ctx, name); err != nil {
			l.logger.Error("plugin unload failed", "plugin", name, "error", err)
		}
	}
}
