package exemption

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestParseWhitelist(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "addresses and ranges",
			input:    "10.0.0.0/24\n192.168.1.1\n",
			expected: []string{"10.0.0.0/24", "192.168.1.1"},
		},
		{
			name:     "windows line endings CRLF",
			input:    "10.0.0.0/24\r\n192.168.1.1\r\n",
			expected: []string{"10.0.0.0/24", "192.168.1.1"},
		},
		{
			name:     "no trailing newline",
			input:    "10.0.0.1",
			expected: []string{"10.0.0.1"},
		},
		{
			name:     "blank lines and comments skipped",
			input:    "\n# office\n10.0.0.1\n\n",
			expected: []string{"10.0.0.1"},
		},
		{
			name:     "malformed entries skipped",
			input:    "not-an-ip\n10.0.0.1\n10.0.0.0/40\n2001:db8::1\n",
			expected: []string{"10.0.0.1"},
		},
		{
			name:     "duplicates collapse",
			input:    "10.0.0.1\n10.0.0.1\n",
			expected: []string{"10.0.0.1"},
		},
		{
			name:     "oversized line truncated",
			input:    "192.168.100.0/24\n",
			expected: []string{"192.168.100.0/2"},
		},
		{
			name:     "empty input",
			input:    "",
			expected: []string{},
		},
		{
			name:     "multi megabyte line only drops that line",
			input:    "10.0.0.1\n" + strings.Repeat("x", 3<<20) + "\n10.0.0.2\n",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "multi megabyte line keeps its valid prefix",
			input:    "10.0.0.1\n10.0.0.3" + strings.Repeat(" ", 3<<20) + "junk\n10.0.0.2",
			expected: []string{"10.0.0.1", "10.0.0.3", "10.0.0.2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := parseWhitelist(strings.NewReader(tt.input), "test")
			require.NoError(t, err)

			got := make([]string, 0, len(entries))
			for _, e := range entries {
				got = append(got, e.Text)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDomains(t *testing.T) {
	long := strings.Repeat("a", 70) + ".com"
	domains, err := parseDomains(strings.NewReader("Example.com\r\n\nshop.example.org\n"+long+"\n"), "test")
	require.NoError(t, err)

	assert.Len(t, domains, 3)
	assert.Contains(t, domains, "example.com")
	assert.Contains(t, domains, "shop.example.org")
	assert.Contains(t, domains, strings.Repeat("a", MaxDomainLen))

	huge := strings.Repeat("b", 3<<20)
	domains, err = parseDomains(strings.NewReader("example.com\n"+huge+"\nshop.example.org\n"), "test")
	require.NoError(t, err)
	assert.Len(t, domains, 3)
	assert.Contains(t, domains, "example.com")
	assert.Contains(t, domains, "shop.example.org")
	assert.Contains(t, domains, strings.Repeat("b", MaxDomainLen))
}

func TestStoreSurvivesHugeLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.txt")
	writeFile(t, path, "10.0.0.1\n"+strings.Repeat("x", 2<<20)+"\n10.0.0.2\n", time.Now())

	s := NewStore()
	defer s.Close()
	s.EnsureFresh(KindWhitelist, path)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, ok := s.Whitelisted(path, netip.MustParseAddr(ip))
		assert.True(t, ok, ip)
	}
	fl := s.lookup(KindWhitelist, path)
	require.NotNil(t, fl)
	s.EnsureFresh(KindWhitelist, path)
	assert.EqualValues(t, 1, fl.loads.Load(), "a loaded file is not reloaded")
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"Bücher.example", "xn--bcher-kva.example"},
		{"xn--bcher-kva.example", "xn--bcher-kva.example"},
		{"under_score.example", "under_score.example"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDomain(tt.in), tt.in)
	}
}

func TestStoreWhitelist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	writeFile(t, path, "10.0.0.0/24\n8.8.8.8\n", time.Now())

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindWhitelist, path)
	assert.Len(t, s.Entries(path), 2)

	e, ok := s.Whitelisted(path, netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/24", e.Text)

	_, ok = s.Whitelisted(path, netip.MustParseAddr("10.0.1.5"))
	assert.False(t, ok)

	_, ok = s.Whitelisted(filepath.Join(dir, "other.txt"), netip.MustParseAddr("10.0.0.5"))
	assert.False(t, ok, "untracked path has no entries")
}

func TestStoreUnaffected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unaffected.txt")
	writeFile(t, path, "example.com\n", time.Now())

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindUnaffected, path)
	assert.True(t, s.Contains(path, "example.com"))
	assert.True(t, s.Contains(path, "EXAMPLE.com"))
	assert.False(t, s.Contains(path, "www.example.com"), "no wildcard matching")
	assert.False(t, s.Contains(path, "example.org"))
}

func TestStoreReloadOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "10.0.0.1\n", t0)

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindWhitelist, path)
	assert.Len(t, s.Entries(path), 1)

	writeFile(t, path, "10.0.0.1\n10.0.0.2\n", t0.Add(time.Second))
	s.EnsureFresh(KindWhitelist, path)
	assert.Len(t, s.Entries(path), 2)

	// mtime going backwards is a change too
	writeFile(t, path, "10.0.0.3\n", t0.Add(-time.Minute))
	s.EnsureFresh(KindWhitelist, path)
	entries := s.Entries(path)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.3", entries[0].Text)
}

func TestStoreNoRedundantReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "10.0.0.1\n", t0)

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindWhitelist, path)
	fl := s.lookup(KindWhitelist, path)
	require.NotNil(t, fl)
	first := fl.snap.Load()

	// new content, but the mtime is forced back to the loaded stamp
	writeFile(t, path, "10.0.0.9\n", t0)
	s.EnsureFresh(KindWhitelist, path)

	assert.Same(t, first, fl.snap.Load(), "unchanged mtime must not reload")
	assert.Equal(t, int64(1), fl.loads.Load())
	_, ok := s.Whitelisted(path, netip.MustParseAddr("10.0.0.1"))
	assert.True(t, ok)
}

func TestStoreMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.txt")

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindWhitelist, path)
	assert.Empty(t, s.Entries(path))
	_, ok := s.Whitelisted(path, netip.MustParseAddr("10.0.0.1"))
	assert.False(t, ok)

	// the file showing up later is picked up by the next check
	writeFile(t, path, "10.0.0.1\n", time.Now())
	s.EnsureFresh(KindWhitelist, path)
	_, ok = s.Whitelisted(path, netip.MustParseAddr("10.0.0.1"))
	assert.True(t, ok)
}

func TestStoreUnreadableKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unaffected.txt")
	t0 := time.Now().Add(-time.Hour)
	writeFile(t, path, "example.com\n", t0)

	s := NewStore()
	defer s.Close()

	s.EnsureFresh(KindUnaffected, path)
	require.True(t, s.Contains(path, "example.com"))

	require.NoError(t, os.Remove(path))
	s.EnsureFresh(KindUnaffected, path)
	assert.True(t, s.Contains(path, "example.com"), "transient failure keeps previous set")

	fl := s.lookup(KindUnaffected, path)
	assert.True(t, fl.LastModified().Equal(t0), "stored mtime not updated on failure")

	// restoring the same mtime means nothing to reload
	writeFile(t, path, "other.com\n", t0)
	s.EnsureFresh(KindUnaffected, path)
	assert.True(t, s.Contains(path, "example.com"))
	assert.Equal(t, int64(1), fl.loads.Load())
}

func TestStoreKindsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	wl := filepath.Join(dir, "whitelist.txt")
	ua := filepath.Join(dir, "unaffected.txt")
	writeFile(t, wl, "10.0.0.1\n", time.Now())
	writeFile(t, ua, "example.com\n", time.Now())

	s := NewStore()
	defer s.Close()

	s.Track(KindWhitelist, wl)
	s.Track(KindUnaffected, ua)

	assert.False(t, s.Contains(wl, "10.0.0.1"))
	assert.Empty(t, s.Entries(ua))
	assert.True(t, s.Contains(ua, "example.com"))
	assert.Len(t, s.Entries(wl), 1)
}

func TestStoreConcurrentReloadCollapses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	addrs := []string{"10.1.0.1", "10.1.0.11", "10.1.0.111"}
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString(addrs[i%len(addrs)] + "\n")
	}
	writeFile(t, path, b.String(), time.Now().Add(-time.Hour))

	s := NewStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.EnsureFresh(KindWhitelist, path)
			// every reader sees either nothing or the complete set
			if n := len(s.Entries(path)); n != 0 {
				assert.Equal(t, 3, n)
			}
		}()
	}
	wg.Wait()

	fl := s.lookup(KindWhitelist, path)
	assert.Equal(t, int64(1), fl.loads.Load())
	assert.Len(t, s.Entries(path), 3)
}

func TestStoreWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	writeFile(t, path, "10.0.0.1\n", time.Now().Add(-time.Hour))

	s := NewStore()
	defer s.Close()

	s.Track(KindWhitelist, path)
	require.NoError(t, s.Watch())
	assert.Len(t, s.Entries(path), 1)

	// Modify file
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1\n10.0.0.2\n"), 0644))

	// Wait for reload (fsnotify + settle delay), no EnsureFresh involved
	assert.Eventually(t, func() bool {
		return len(s.Entries(path)) == 2
	}, 2*time.Second, 50*time.Millisecond, "watched file should reload with 2 entries")
}

func TestStoreWatchAfterClose(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Watch(), errClosed)
}
