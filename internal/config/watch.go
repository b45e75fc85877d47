package config

import (
	"github.com/fsnotify/fsnotify"

	"recall/internal/logging"
)

// Watcher reloads the config file on change and notifies a callback.
// Only safe-to-reload knobs (logging level, maintenance toggles) should be
// applied by the callback; everything else requires a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// Watch starts watching the config file. A nil return with no error means
// path was empty and nothing is watched.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	log := logging.Get(logging.CategoryBoot)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warn("config reload failed, keeping previous config: %v", err)
				continue
			}
			log.Info("config reloaded from %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
