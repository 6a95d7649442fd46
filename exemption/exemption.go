// Package exemption holds the file-backed exemption lists consulted before
// any reputation lookup: whitelisted client addresses and ranges, and
// destination domains that are never checked. Each list is reloaded when
// its file's modification time changes.
package exemption

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("spamgate/exemption")

// Kind identifies which list a file backs.
type Kind string

const (
	// KindWhitelist lists client addresses or IPv4 ranges, one per line.
	KindWhitelist Kind = "whitelist"
	// KindUnaffected lists destination hostnames, one per line.
	KindUnaffected Kind = "unaffected"
)

// MaxDomainLen is the number of bytes of a domain line that are kept.
const MaxDomainLen = 63
