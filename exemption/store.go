package exemption

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/ipshipyard/spamgate/cidr"
)

// settleDelay gives writers a moment to finish before a watched file is
// reloaded.
const settleDelay = 100 * time.Millisecond

type listKey struct {
	kind Kind
	path string
}

// Store owns every exemption list in the process. Lists are created on
// first use and keyed by kind and path, so scopes that point at different
// files never invalidate each other.
type Store struct {
	mu    sync.RWMutex
	lists map[listKey]*fileList
	group singleflight.Group

	watcher   *fsnotify.Watcher
	watched   map[string]struct{} // directories added to watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates an empty Store.
func NewStore() *Store {
	initMetrics()
	return &Store{
		lists:   make(map[listKey]*fileList),
		watched: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Store) list(kind Kind, path string) *fileList {
	key := listKey{kind: kind, path: path}

	s.mu.RLock()
	fl, ok := s.lists[key]
	s.mu.RUnlock()
	if ok {
		return fl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.lists[key]; ok {
		return fl
	}
	fl = newFileList(kind, path)
	s.lists[key] = fl
	if s.watcher != nil {
		s.watchDirLocked(filepath.Dir(path))
	}
	return fl
}

func (s *Store) lookup(kind Kind, path string) *fileList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[listKey{kind: kind, path: path}]
}

// Track registers a list and loads it if its file is readable. It is the
// startup counterpart of EnsureFresh and lets Watch know about the file
// before the first request.
func (s *Store) Track(kind Kind, path string) {
	s.EnsureFresh(kind, path)
}

// EnsureFresh reloads the list at path if the file's modification time
// differs from the loaded one. The reload happens in the calling goroutine;
// concurrent callers detecting the same change share a single reload.
//
// An unreadable file leaves the current entries and the stored mtime
// untouched, so the next call retries.
func (s *Store) EnsureFresh(kind Kind, path string) {
	fl := s.list(kind, path)

	fi, err := os.Stat(fl.path)
	if err != nil {
		log.Debugf("%s %s: stat failed, keeping %d entries: %v", kind, path, fl.Size(), err)
		return
	}
	if !fl.stale(fi.ModTime()) {
		return
	}
	s.reload(fl)
}

func (s *Store) reload(fl *fileList) {
	key := string(fl.kind) + "\x00" + fl.path
	_, _, _ = s.group.Do(key, func() (any, error) {
		// The caller's stat may predate a reload that just finished.
		fi, err := os.Stat(fl.path)
		if err != nil {
			return nil, err
		}
		if !fl.stale(fi.ModTime()) {
			return nil, nil
		}
		if err := fl.load(fi.ModTime()); err != nil {
			incReload(fl.kind, "error")
			log.Warnf("%s %s: reload failed, keeping %d entries: %v", fl.kind, fl.path, fl.Size(), err)
			return nil, err
		}
		incReload(fl.kind, "ok")
		log.Infof("%s %s: loaded %d entries", fl.kind, fl.path, fl.Size())
		return nil, nil
	})
}

// Contains reports whether domain is listed in the unaffected-domains file
// at path. Matching is exact apart from case and IDNA normalization.
func (s *Store) Contains(path, domain string) bool {
	fl := s.lookup(KindUnaffected, path)
	if fl == nil {
		return false
	}
	cur := fl.snap.Load()
	if cur == nil {
		return false
	}
	_, ok := cur.domains[normalizeDomain(domain)]
	return ok
}

// Entries returns the whitelist entries loaded from path.
func (s *Store) Entries(path string) []cidr.Entry {
	fl := s.lookup(KindWhitelist, path)
	if fl == nil {
		return nil
	}
	cur := fl.snap.Load()
	if cur == nil {
		return nil
	}
	return cur.whitelist.Entries()
}

// Whitelisted returns the whitelist entry at path covering ip, if any.
func (s *Store) Whitelisted(path string, ip netip.Addr) (cidr.Entry, bool) {
	fl := s.lookup(KindWhitelist, path)
	if fl == nil {
		return cidr.Entry{}, false
	}
	cur := fl.snap.Load()
	if cur == nil {
		return cidr.Entry{}, false
	}
	return cur.whitelist.Lookup(ip)
}

// Close stops the watcher, if any. Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

var errClosed = errors.New("exemption store closed")
