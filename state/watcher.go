package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"
)

// Watcher observes the registry file and reports writes that did not come
// from this process. External edits are never merged back; the in-memory
// registry stays authoritative and the divergence is only logged.
type Watcher struct {
	store     *Store
	watcher   *fsnotify.Watcher
	logger    slogger.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Watch begins observing the store's registry file. The parent directory is
// watched rather than the file itself so the watch survives the rename each
// save performs.
func Watch(store *Store, logger slogger.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry watcher: %w", err)
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch registry directory: %w", err)
	}
	w := &Watcher{
		store:   store,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.store.Path() {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.checkExternalChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// checkExternalChange compares the file on disk against the last bytes this
// process wrote. Matching content means the event came from our own save.
func (w *Watcher) checkExternalChange() {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		if os.IsNotExist(err) {
			w.logger.Warn("workflow registry file was removed externally",
				"path", w.store.Path())
		}
		return
	}
	if bytes.Equal(data, w.store.savedData()) {
		return
	}
	// A save can land between the read and the snapshot; re-check once
	// before declaring the change external.
	time.Sleep(50 * time.Millisecond)
	data, err = os.ReadFile(w.store.Path())
	if err != nil {
		return
	}
	saved := w.store.savedData()
	if bytes.Equal(data, saved) {
		return
	}

	w.logger.Warn("workflow registry changed outside the orchestrator, keeping in-memory state",
		"path", w.store.Path())
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(saved)),
		B:        difflib.SplitLines(string(data)),
		FromFile: "registry (last saved)",
		ToFile:   "registry (on disk)",
		Context:  2,
	})
	if err == nil && diff != "" {
		w.logger.Debug("registry divergence", "diff", diff)
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()
	})
}
