// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	cfgapi "github.com/tfdavids-zz/pintos/pkg/apis/config/v1alpha1"
)

const (
	// watchChanSize is the buffer size of the update channel.
	watchChanSize = 8
)

// Watch monitors a configuration file. Every time the file is created or
// written and parses as a valid configuration, the new configuration is
// delivered on the update channel.
type Watch struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	updateC  chan *cfgapi.VMSimulator
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewWatch creates a watch for the given configuration file. The file
// does not need to exist yet.
func NewWatch(file string) (*Watch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, errors.Wrapf(err, "config: invalid path %s", file)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to create watcher")
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "config: failed to watch %s", filepath.Dir(absPath))
	}

	w := &Watch{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		fsw:     fsw,
		updateC: make(chan *cfgapi.VMSimulator, watchChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Updates returns the channel of configuration updates. It is closed when
// the watch stops.
func (w *Watch) Updates() <-chan *cfgapi.VMSimulator {
	return w.updateC
}

// Stop stops the watch.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

func (w *Watch) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.path(), err)
		}
		close(w.updateC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("%s: watch error: %v", w.path(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				log.Error("%s: failed to receive fsnotify event", w.path())
				return
			}
			if filepath.Base(e.Name) != w.file {
				continue
			}

			log.Debug("%s: got event %s", w.path(), e)

			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			data, err := os.ReadFile(w.path())
			if err != nil || len(data) == 0 {
				continue
			}

			cfg, err := Parse(data, w.path())
			if err != nil {
				log.Error("%s: ignoring update: %v", w.path(), err)
				continue
			}

			select {
			case w.updateC <- cfg:
			default:
				log.Warn("%s: dropped configuration update", w.path())
			}
		}
	}
}

func (w *Watch) path() string {
	return filepath.Join(w.dir, w.file)
}
