package exemption

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads lists as soon as their files are written, instead of
// waiting for the next EnsureFresh. EnsureFresh keeps working either way.
// Lists tracked after Watch are picked up automatically.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errClosed
	default:
	}
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory (more reliable than watching the file directly)
	for key := range s.lists {
		s.watchDirLocked(filepath.Dir(key.path))
	}

	go s.watchLoop(watcher)
	return nil
}

func (s *Store) watchDirLocked(dir string) {
	if _, ok := s.watched[dir]; ok {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		log.Warnf("watch %s: %v", dir, err)
		return
	}
	s.watched[dir] = struct{}{}
}

// listsFor returns the lists backed by the file at path.
func (s *Store) listsFor(path string) []*fileList {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*fileList
	for key, fl := range s.lists {
		if filepath.Clean(key.path) == filepath.Clean(path) {
			out = append(out, fl)
		}
	}
	return out
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			lists := s.listsFor(event.Name)
			if len(lists) == 0 {
				continue
			}
			// Small delay to let writes complete
			time.Sleep(settleDelay)
			for _, fl := range lists {
				s.reload(fl)
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				log.Warnf("watcher error: %v", err)
			}
		}
	}
}
