package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeNotifier watches the configuration file and reports edits. Policy is
// immutable for the life of the process, so a change is only ever announced;
// the new file takes effect on restart.
type ChangeNotifier struct {
	path     string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	onChange func(path string)
	onError  func(err error)
	debounce time.Duration
	wg       sync.WaitGroup
}

// WatchFile starts watching path. onChange runs (debounced) after the file is
// written, created or replaced. onError may be nil.
func WatchFile(path string, onChange func(path string), onError func(err error)) (*ChangeNotifier, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors often replace the file rather than write to it.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	if onError == nil {
		onError = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &ChangeNotifier{
		path:     absPath,
		watcher:  watcher,
		cancel:   cancel,
		onChange: onChange,
		onError:  onError,
		debounce: 100 * time.Millisecond,
	}

	n.wg.Add(1)
	go n.watchLoop(ctx)

	return n, nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (n *ChangeNotifier) Close() error {
	n.cancel()
	err := n.watcher.Close()
	n.wg.Wait()
	return err
}

func (n *ChangeNotifier) watchLoop(ctx context.Context) {
	defer n.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != n.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(n.debounce, func() {
					if ctx.Err() == nil {
						n.onChange(n.path)
					}
				})
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.onError(err)
		}
	}
}
