package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileSource holds the settings parsed from a YAML file and keeps them
// current by watching the file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
type FileSource struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Settings

	done chan struct{}
}

// NewFileSource loads the file once and starts the watcher. A missing
// file is an error; a file that later disappears just freezes the last
// good settings.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path, done: make(chan struct{})}
	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Current returns the last successfully parsed settings.
func (s *FileSource) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *FileSource) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileSource) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("settings file: %w", err)
	}
	var parsed Settings
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("settings file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.current = parsed
	s.mu.Unlock()
	return nil
}

func (s *FileSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.load(); err != nil {
				// Keep serving the previous settings until the file
				// parses again.
				log.Printf("config: reloading %s: %v", s.path, err)
				continue
			}
			log.Printf("config: reloaded settings from %s", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: settings watcher: %v", err)
		}
	}
}
