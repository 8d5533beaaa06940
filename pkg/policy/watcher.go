package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the engine's static rules when a tier directory
// changes on disk. Runtime-added rules survive the reload.
type Watcher struct {
	engine *Engine
	dirs   TierDirs

	// OnReload, when set, receives the diagnostics from each reload.
	OnReload func(diags []Diagnostic, err error)
}

// NewWatcher creates a watcher for the given engine and tier dirs.
func NewWatcher(engine *Engine, dirs TierDirs) *Watcher {
	return &Watcher{engine: engine, dirs: dirs}
}

// Start watches the tier directories until ctx is cancelled. Directories
// that do not exist yet are skipped; they are picked up on the next
// Start. Events are debounced so an editor's write-then-rename sequence
// triggers one reload.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, dir := range []string{w.dirs.Default, w.dirs.User, w.dirs.Admin} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return err
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return nil
	}

	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	rules, diags := LoadTiers(w.dirs)
	err := w.engine.ReplaceStatic(rules)
	if w.OnReload != nil {
		w.OnReload(diags, err)
	}
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
