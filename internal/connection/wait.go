package connection

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForFile blocks until a valid connection file exists at path or ctx is
// done. It is used by clients attaching to a kernel launched by another
// process, which may not have written its connection file yet.
func WaitForFile(ctx context.Context, path string) (Info, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Info{}, fmt.Errorf("resolve connection path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Info{}, fmt.Errorf("watch connection dir: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return Info{}, fmt.Errorf("watch connection dir: %w", err)
	}

	// The file may have landed before the watch was installed.
	if info, err := ReadFile(abs); err == nil {
		return info, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Info{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return Info{}, fmt.Errorf("wait for connection file %s: %w", abs, ctx.Err())
		case err, ok := <-watcher.Errors:
			if !ok {
				return Info{}, errors.New("connection file watcher closed")
			}
			return Info{}, fmt.Errorf("watch connection file: %w", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return Info{}, errors.New("connection file watcher closed")
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			info, err := ReadFile(abs)
			if err == nil {
				return info, nil
			}
			if _, statErr := os.Stat(abs); errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			// Partially written documents show up as decode errors; the next
			// write event retries.
		}
	}
}
