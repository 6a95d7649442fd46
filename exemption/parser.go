package exemption

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/idna"

	"github.com/ipshipyard/spamgate/cidr"
)

// maxLineBytes is how much of a line is kept. It is well above the entry
// limits, so only padding is lost; the rest of a longer line is discarded.
const maxLineBytes = 1024

// scanLines calls fn for every non-empty, non-comment line of r with line
// terminators and surrounding blanks removed. lineno is 1-based. Lines of
// any length are accepted and cut at maxLineBytes.
func scanLines(r io.Reader, fn func(lineno int, line string)) error {
	br := bufio.NewReaderSize(r, maxLineBytes)

	lineno := 0
	for {
		chunk, err := br.ReadSlice('\n')
		line := string(chunk)
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}

		if len(line) > 0 {
			lineno++
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				fn(lineno, line)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// parseWhitelist parses one IPv4 address or CIDR per line. Lines longer
// than cidr.MaxEntryLen are truncated before parsing; lines that do not
// parse are skipped. Duplicate lines collapse into one entry.
func parseWhitelist(r io.Reader, name string) ([]cidr.Entry, error) {
	var entries []cidr.Entry
	seen := make(map[string]struct{})

	err := scanLines(r, func(lineno int, line string) {
		text, truncated := cidr.Truncate(line)
		if truncated {
			log.Warnf("whitelist %s:%d: entry %q truncated to %q", name, lineno, line, text)
		}
		if _, dup := seen[text]; dup {
			return
		}
		e, err := cidr.Parse(text)
		if err != nil {
			log.Warnf("whitelist %s:%d: skipping malformed entry: %v", name, lineno, err)
			return
		}
		seen[text] = struct{}{}
		entries = append(entries, e)
	})
	return entries, err
}

// parseDomains parses one hostname per line, truncated to MaxDomainLen and
// normalized with normalizeDomain.
func parseDomains(r io.Reader, name string) (map[string]struct{}, error) {
	domains := make(map[string]struct{})

	err := scanLines(r, func(lineno int, line string) {
		if len(line) > MaxDomainLen {
			log.Warnf("unaffected domains %s:%d: entry truncated to %d bytes", name, lineno, MaxDomainLen)
			line = line[:MaxDomainLen]
		}
		domains[normalizeDomain(line)] = struct{}{}
	})
	return domains, err
}

// normalizeDomain lowercases a hostname, drops a trailing dot and converts
// internationalized names to their ASCII form, so "Bücher.example." and
// "xn--bcher-kva.example" are the same entry. Names idna rejects are only
// lowercased.
func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if a, err := idna.Lookup.ToASCII(s); err == nil {
		return a
	}
	return s
}
