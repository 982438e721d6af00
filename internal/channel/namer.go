// Package channel maps logical routing keys onto Postgres channel identifiers.
package channel

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juju/errors"
)

// Mode selects how keys are normalized.
type Mode int

const (
	// Truncate keeps short identifier-safe names verbatim and appends a hash
	// suffix to everything else.
	Truncate Mode = iota
	// HashAlways replaces the key by its hash.
	HashAlways
)

const (
	// MaxIdentifierLength is the Postgres NAMEDATALEN limit minus the terminator.
	MaxIdentifierLength = 63

	// encoded sha256 length with base64 and no padding
	hashLength = 43
	// MaxPrefixLength leaves room for the separator and a full hash.
	MaxPrefixLength = MaxIdentifierLength - hashLength - 1

	suffixLength = 16
	headLength   = MaxIdentifierLength - suffixLength - 1

	cacheSize = 4096
	cacheTTL  = 10 * time.Minute
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (m Mode) String() string {
	switch m {
	case Truncate:
		return "truncate"
	case HashAlways:
		return "hash_always"
	}
	return "unknown"
}

// ParseMode accepts the configuration spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "truncate", "":
		return Truncate, nil
	case "hash_always", "hashalways", "hash":
		return HashAlways, nil
	}
	return 0, errors.NotValidf("channel name normalization %q", s)
}

// ValidatePrefix rejects prefixes that are not identifiers or that leave no
// room for a hashed name.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return errors.NotValidf("empty channel prefix")
	}
	if len(prefix) > MaxPrefixLength {
		return errors.NotValidf("channel prefix %q longer than %d bytes", prefix, MaxPrefixLength)
	}
	if !prefixPattern.MatchString(prefix) {
		return errors.NotValidf("channel prefix %q", prefix)
	}
	return nil
}

// Namer is safe for concurrent use.
type Namer struct {
	prefix string
	mode   Mode
	cache  *expirable.LRU[string, string]
}

func NewNamer(prefix string, mode Mode) (*Namer, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, errors.Trace(err)
	}
	if mode != Truncate && mode != HashAlways {
		return nil, errors.NotValidf("channel name normalization %d", mode)
	}
	return &Namer{
		prefix: prefix,
		mode:   mode,
		cache:  expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}, nil
}

func (n *Namer) Prefix() string {
	return n.prefix
}

func (n *Namer) Mode() Mode {
	return n.mode
}

// Name returns the physical channel for key. The result is at most
// MaxIdentifierLength bytes of [A-Za-z0-9_] and never starts with a digit.
func (n *Namer) Name(key string) string {
	if name, ok := n.cache.Get(key); ok {
		return name
	}
	full := n.prefix + "_" + key
	var name string
	switch n.mode {
	case HashAlways:
		name = n.prefix + "_" + hashAlways(full)
	default:
		name = truncate(full)
	}
	n.cache.Add(key, name)
	return name
}

func hashAlways(full string) string {
	sum := sha256.Sum256([]byte(full))
	encoded := base64.RawStdEncoding.EncodeToString(sum[:])
	return strings.NewReplacer("+", "_", "/", "_").Replace(encoded)
}

func truncate(full string) string {
	safe := sanitize(full)
	if safe == full && len(full) <= MaxIdentifierLength {
		return full
	}
	sum := sha256.Sum256([]byte(full))
	if len(safe) > headLength {
		safe = safe[:headLength]
	}
	return safe + "_" + hex.EncodeToString(sum[:])[:suffixLength]
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !isIdentifierByte(c) {
			b[i] = '_'
		}
	}
	return string(b)
}

func isIdentifierByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
