package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"example.com/availmon/internal/records"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("metadata")

// File is the on-disk layout:
//
//	components:
//	- id: api
//	  name: Public API
//	  organization: platform
//	  product: checkout
type File struct {
	Components []Component `yaml:"components"`
}

type Component struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Organization string `yaml:"organization"`
	Product      string `yaml:"product"`
}

func Parse(data []byte) (map[string]records.Attrs, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	out := make(map[string]records.Attrs, len(f.Components))
	for i, c := range f.Components {
		if c.ID == "" {
			return nil, fmt.Errorf("component %d: missing id", i)
		}
		if _, dup := out[c.ID]; dup {
			return nil, fmt.Errorf("component %q: duplicate id", c.ID)
		}
		out[c.ID] = records.Attrs{Name: c.Name, Organization: c.Organization, Product: c.Product}
	}
	return out, nil
}

func Load(path string) (map[string]records.Attrs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata %q: %w", path, err)
	}
	return Parse(data)
}

// Store holds the current metadata. The zero value is an empty store.
type Store struct {
	mtx   sync.RWMutex
	attrs map[string]records.Attrs
}

func (s *Store) Lookup(id string) (records.Attrs, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	a, ok := s.attrs[id]
	return a, ok
}

func (s *Store) Replace(attrs map[string]records.Attrs) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.attrs = attrs
}

func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.attrs)
}

// Watch reloads path into store whenever it is written or replaced, until ctx is done.
// A file that fails to parse is logged and the previous metadata stays in place.
//
// The parent directory is watched rather than the file: an atomic save renames a new
// inode over path, which drops a watch held on the file itself.
func Watch(ctx context.Context, path string, store *Store) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	log.Info("watching metadata", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			attrs, err := Load(path)
			if err != nil {
				log.Error(err, "failed to reload metadata, keeping previous", "path", path)
				continue
			}
			store.Replace(attrs)
			log.Info("reloaded metadata", "path", path, "components", len(attrs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "metadata watcher error")
		}
	}
}
