// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sequenceloader reads sequence package manifests from the
// configured sequences directory and invalidates its cache when a
// manifest.yaml changes on disk, so a git-sync pull or a hand edit is
// picked up by the next start_batch without a manager restart.
package sequenceloader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const manifestFile = "manifest.yaml"

// Manifest describes one installed sequence package (spec §3 "Sequence
// metadata").
type Manifest struct {
	Name              string                 `yaml:"name"`
	Version           string                 `yaml:"version"`
	Steps             []string               `yaml:"steps"`
	ParameterDefaults map[string]interface{} `yaml:"parameter_defaults,omitempty"`
	Hardware          map[string]interface{} `yaml:"hardware,omitempty"`
}

// Loader caches parsed manifests keyed by package name and watches the
// sequences directory for changes.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*Manifest

	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Loader rooted at sequencesDir. It does not watch the
// filesystem until Start is called.
func New(sequencesDir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(sequencesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sequences dir: %w", err)
	}
	return &Loader{
		root:   root,
		cache:  make(map[string]*Manifest),
		logger: logger.With(slog.String("component", "sequence_loader")),
	}, nil
}

// Manifest returns pkg's manifest, loading and caching it from disk on
// first access.
func (l *Loader) Manifest(pkg string) (*Manifest, error) {
	l.mu.RLock()
	m, ok := l.cache[pkg]
	l.mu.RUnlock()
	if ok {
		return m, nil
	}
	return l.load(pkg)
}

// Hardware resolves pkg's declared hardware map, adapting Manifest to
// batchmanager.HardwareResolver.
func (l *Loader) Hardware(pkg string) (map[string]interface{}, error) {
	m, err := l.load(pkg)
	if err != nil {
		return nil, err
	}
	return m.Hardware, nil
}

func (l *Loader) load(pkg string) (*Manifest, error) {
	path := filepath.Join(l.root, pkg, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", pkg, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", pkg, err)
	}

	l.mu.Lock()
	l.cache[pkg] = &m
	l.mu.Unlock()
	return &m, nil
}

// Start watches every existing package subdirectory of the sequences
// directory (and the directory itself, to notice newly-installed
// packages) and invalidates a package's cache entry whenever its
// manifest.yaml is written.
func (l *Loader) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch sequences dir: %w", err)
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to list sequences dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(l.root, e.Name())); err != nil {
				l.logger.Warn("failed to watch package dir", "package", e.Name(), "error", err)
			}
		}
	}

	l.watcher = watcher
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.watchLoop()
	return nil
}

// Stop closes the underlying watcher and waits for its loop to exit. Safe
// to call on a Loader whose Start was never called.
func (l *Loader) Stop() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopCh)
	<-l.doneCh
	return l.watcher.Close()
}

func (l *Loader) watchLoop() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("sequence watcher error", "error", err)
		}
	}
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}

	dir := filepath.Dir(event.Name)
	if dir == l.root {
		// A new package directory may have appeared directly under root.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.watcher.Add(event.Name); err != nil {
				l.logger.Warn("failed to watch new package dir", "path", event.Name, "error", err)
			}
		}
		return
	}

	if filepath.Base(event.Name) != manifestFile {
		return
	}
	pkg := filepath.Base(dir)
	l.mu.Lock()
	delete(l.cache, pkg)
	l.mu.Unlock()
	l.logger.Debug("invalidated manifest cache", "package", pkg)
}
