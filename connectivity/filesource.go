package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileDebounce = 25 * time.Millisecond

// FileSource turns a platform state file into connectivity signals. The file
// holds "online" or "offline" (also "1"/"0" and "true"/"false").
type FileSource struct {
	path   string
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ParseState reads a state file body.
func ParseState(data []byte) (online bool, err error) {
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "1", "true", "up":
		return true, nil
	case "offline", "0", "false", "down":
		return false, nil
	}
	return false, fmt.Errorf("unrecognised connectivity state %q", strings.TrimSpace(string(data)))
}

// WatchFile emits the current state of path, if it exists, then one signal
// per change until Stop is called or ctx is done. The parent directory is
// watched so the file may be created or atomically replaced later.
func WatchFile(ctx context.Context, path string, out chan<- Signal, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving state file: %w", err)
	}
	abs = filepath.Clean(abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fs := &FileSource{
		path:   abs,
		logger: logger.With("state_file", abs),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go fs.loop(watchCtx, watcher, out)

	return fs, nil
}

func (fs *FileSource) loop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Signal) {
	defer close(fs.done)
	defer func() {
		if err := watcher.Close(); err != nil {
			fs.logger.Warn("closing watcher", "error", err)
		}
	}()

	emit := func() {
		data, err := os.ReadFile(fs.path)
		if err != nil {
			if !os.IsNotExist(err) {
				fs.logger.Warn("reading state file", "error", err)
			}
			return
		}
		online, err := ParseState(data)
		if err != nil {
			fs.logger.Warn("ignoring state file", "error", err)
			return
		}
		select {
		case out <- Signal{Online: online, Source: SourceFile}:
		case <-ctx.Done():
		}
	}

	emit()

	timer := time.NewTimer(fileDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			emit()
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(fileDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("watch error", "error", err)
		}
	}
}

// Stop halts the watcher and waits for it to exit.
func (fs *FileSource) Stop() {
	if fs == nil {
		return
	}
	fs.once.Do(func() {
		fs.cancel()
		<-fs.done
	})
}
