package exemption

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/ipshipyard/spamgate/cidr"
)

// snapshot is one immutable generation of a list. Readers load it through
// an atomic pointer and never observe a partially applied reload.
type snapshot struct {
	mtime     time.Time
	whitelist *cidr.Set
	domains   map[string]struct{}
}

// fileList is a list backed by a single file.
type fileList struct {
	path  string
	kind  Kind
	snap  atomic.Pointer[snapshot] // nil until the first successful load
	loads atomic.Int64
}

func newFileList(kind Kind, path string) *fileList {
	return &fileList{path: path, kind: kind}
}

// stale reports whether mtime differs from the loaded generation.
// A list that was never loaded is always stale.
func (fl *fileList) stale(mtime time.Time) bool {
	cur := fl.snap.Load()
	return cur == nil || !cur.mtime.Equal(mtime)
}

func (fl *fileList) load(mtime time.Time) error {
	f, err := os.Open(fl.path)
	if err != nil {
		return err
	}
	defer f.Close()

	return fl.loadFrom(f, mtime)
}

func (fl *fileList) loadFrom(r io.Reader, mtime time.Time) error {
	next := &snapshot{mtime: mtime}

	switch fl.kind {
	case KindWhitelist:
		entries, err := parseWhitelist(r, fl.path)
		if err != nil {
			return err
		}
		next.whitelist = cidr.NewSet(entries)
	default:
		domains, err := parseDomains(r, fl.path)
		if err != nil {
			return err
		}
		next.domains = domains
	}

	fl.snap.Store(next)
	fl.loads.Add(1)

	// Update metrics
	updateEntries(fl.path, fl.kind, next.size())
	updateLastReload(fl.path, time.Now().Unix())

	return nil
}

func (s *snapshot) size() int {
	if s == nil {
		return 0
	}
	if s.whitelist != nil {
		return s.whitelist.Len()
	}
	return len(s.domains)
}

// Size returns the number of entries currently loaded.
func (fl *fileList) Size() int {
	return fl.snap.Load().size()
}

// LastModified returns the file modification time of the loaded generation.
func (fl *fileList) LastModified() time.Time {
	if cur := fl.snap.Load(); cur != nil {
		return cur.mtime
	}
	return time.Time{}
}
