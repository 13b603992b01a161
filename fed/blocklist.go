/*
Copyright 2026 Dima Krasner

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fed

import (
	"encoding/csv"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BlockList is the set of instances deliveries must never go to. Deliveries
// to a blocked host fail permanently, without retries.
type BlockList struct {
	lock  sync.Mutex
	wg    sync.WaitGroup
	w     *fsnotify.Watcher
	hosts map[string]struct{}
}

const blockListReloadDelay = time.Second * 5

func loadBlockList(path string) (map[string]struct{}, error) {
	hosts := make(map[string]struct{})

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := csv.NewReader(f)
	first := true
	for {
		r, err := c.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if first {
			first = false
			continue
		}

		hosts[strings.ToLower(r[0])] = struct{}{}
	}

	return hosts, nil
}

// NewBlockList loads a CSV blocklist and reloads it whenever the file changes.
func NewBlockList(log *slog.Logger, path string) (*BlockList, error) {
	hosts, err := loadBlockList(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	absPath := filepath.Join(dir, filepath.Base(path))

	b := &BlockList{w: w, hosts: hosts}

	timer := time.NewTimer(math.MaxInt64)
	timer.Stop()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					timer.Stop()
					return
				}

				if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && event.Name == absPath {
					timer.Reset(blockListReloadDelay)
				}

			case <-timer.C:
				newHosts, err := loadBlockList(path)
				if err != nil {
					log.Warn("Failed to reload blocklist", "path", path, "error", err)
					continue
				}

				// continue if the old list wasn't empty and the new one is empty; maybe the file was opened with O_TRUNC
				if len(b.hosts) > 0 && len(newHosts) == 0 {
					log.Warn("New blocklist is empty")
					continue
				}

				b.lock.Lock()
				b.hosts = newHosts
				b.lock.Unlock()
				log.Info("Reloaded blocklist", "path", path, "length", len(newHosts))
			}
		}
	}()

	return b, nil
}

// Contains determines if an instance host is blocked.
func (b *BlockList) Contains(host string) bool {
	b.lock.Lock()
	_, contains := b.hosts[strings.ToLower(host)]
	b.lock.Unlock()
	return contains
}

// Close frees resources.
func (b *BlockList) Close() {
	b.w.Close()
	b.wg.Wait()
}
