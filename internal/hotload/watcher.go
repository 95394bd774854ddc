// Package hotload watches the hook directory and reports changed scripts.
package hotload

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/hook-engine/internal/config"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports batches of changed .lua files under a directory tree.
// Symlinked scripts are followed: their target directories are watched too.
type Watcher struct {
	config   *config.Config
	dir      string
	watcher  *fsnotify.Watcher
	onChange func(paths []string)

	mu             sync.Mutex
	symlinkTargets map[string]string // script path -> resolved target dir
	watchedDirs    map[string]int    // dir -> reference count

	pendingMu     sync.Mutex
	pending       map[string]time.Time
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for dir. onChange receives sorted script paths, with
// symlink targets mapped back to the link inside dir.
func New(cfg *config.Config, dir string, onChange func(paths []string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		config:         cfg,
		dir:            filepath.Clean(abs),
		watcher:        fw,
		onChange:       onChange,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pending:        make(map[string]time.Time),
		debounceDelay:  DefaultDebounce,
		done:           make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period. Call it before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounceDelay = d
}

// Start watches the directory tree and begins reporting changes.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addWatch(path)
		}
		if strings.HasSuffix(path, ".lua") {
			w.updateSymlinkWatch(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go w.eventLoop()
	go w.debounceLoop()

	w.config.Log(1, "hotload: watching %s for changes", w.dir)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) updateSymlinkWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if old, ok := w.symlinkTargets[path]; ok {
		w.removeWatchLocked(old)
		delete(w.symlinkTargets, path)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.config.Log(2, "hotload: cannot resolve symlink %s: %v", path, err)
		return
	}
	targetDir := filepath.Dir(target)
	w.symlinkTargets[path] = targetDir
	if err := w.addWatchLocked(targetDir); err != nil {
		w.config.Log(1, "hotload: cannot watch %s: %v", targetDir, err)
		return
	}
	w.config.Log(2, "hotload: watching symlink target dir %s for %s", targetDir, path)
}

func (w *Watcher) removeSymlinkWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if targetDir, ok := w.symlinkTargets[path]; ok {
		w.removeWatchLocked(targetDir)
		delete(w.symlinkTargets, path)
	}
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			delete(w.watchedDirs, dir)
			return err
		}
		w.config.Log(2, "hotload: added watch for %s", dir)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
		w.config.Log(2, "hotload: removed watch for %s", dir)
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "hotload: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 && w.inTree(event.Name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatch(event.Name); err != nil {
				w.config.Log(1, "hotload: cannot watch %s: %v", event.Name, err)
			}
			return
		}
	}
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}

	w.config.Log(3, "hotload: event %s on %s", event.Op, event.Name)

	if w.inTree(event.Name) {
		switch {
		case event.Op&fsnotify.Create != 0:
			w.updateSymlinkWatch(event.Name)
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.removeSymlinkWatch(event.Name)
		}
	}

	// A removed script still changes what the next context loads.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.queue(event.Name)
	}
}

func (w *Watcher) inTree(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) queue(path string) {
	w.pendingMu.Lock()
	w.pending[path] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(w.debounceDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports files that have been quiet for the debounce delay.
func (w *Watcher) flush() {
	w.pendingMu.Lock()
	now := time.Now()
	seen := map[string]struct{}{}
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) >= w.debounceDelay {
			delete(w.pending, path)
			if script := w.scriptFor(path); script != "" {
				seen[script] = struct{}{}
			}
		}
	}
	w.pendingMu.Unlock()

	if len(seen) == 0 {
		return
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w.config.Log(1, "hotload: %d script(s) changed", len(paths))
	defer func() {
		if r := recover(); r != nil {
			w.config.Log(0, "hotload: PANIC in change handler: %v", r)
		}
	}()
	w.onChange(paths)
}

// scriptFor maps a changed path to the script inside the tree it affects.
func (w *Watcher) scriptFor(changed string) string {
	if w.inTree(changed) {
		return changed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	changedDir := filepath.Dir(changed)
	changedBase := filepath.Base(changed)
	for link, targetDir := range w.symlinkTargets {
		if targetDir != changedDir {
			continue
		}
		target, err := filepath.EvalSymlinks(link)
		if err == nil && filepath.Base(target) == changedBase {
			return link
		}
	}
	return ""
}
