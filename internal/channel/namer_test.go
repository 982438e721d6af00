package channel

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/juju/errors"
)

func isIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLength {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentifierByte(s[i]) {
			return false
		}
	}
	return true
}

func TestValidatePrefix(t *testing.T) {
	tests := []struct {
		prefix string
		valid  bool
	}{
		{"backplane", true},
		{"_x", true},
		{"a1_b2", true},
		{strings.Repeat("p", MaxPrefixLength), true},
		{strings.Repeat("p", MaxPrefixLength+1), false},
		{"", false},
		{"1abc", false},
		{"with-dash", false},
		{"space d", false},
	}
	for _, tt := range tests {
		err := ValidatePrefix(tt.prefix)
		if tt.valid && err != nil {
			t.Errorf("ValidatePrefix(%q): unexpected error %v", tt.prefix, err)
		}
		if !tt.valid && !errors.Is(err, errors.NotValid) {
			t.Errorf("ValidatePrefix(%q): expected not valid, got %v", tt.prefix, err)
		}
	}
	if _, err := NewNamer("", Truncate); err == nil {
		t.Error("NewNamer accepted an empty prefix")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input  string
		expect Mode
	}{
		{"truncate", Truncate},
		{"", Truncate},
		{"hash_always", HashAlways},
		{"HashAlways", HashAlways},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if err != nil || got != tt.expect {
			t.Errorf("ParseMode(%q) = %v, %v; expected %v", tt.input, got, err, tt.expect)
		}
	}
	if _, err := ParseMode("lower"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
}

func TestTruncateName(t *testing.T) {
	n, err := NewNamer("backplane", Truncate)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		key      string
		verbatim bool
	}{
		{"all", true},
		{"group_alpha", true},
		{"group_" + strings.Repeat("a", 47), true},
		{"group_" + strings.Repeat("a", 48), false},
		{"group_room-1", false},
		{"user_jöhn", false},
		{"session_" + strings.Repeat("x", 200), false},
	}
	for _, tt := range tests {
		name := n.Name(tt.key)
		if !isIdentifier(name) {
			t.Errorf("Name(%q) = %q is not an identifier", tt.key, name)
		}
		if got := name == "backplane_"+tt.key; got != tt.verbatim {
			t.Errorf("Name(%q) = %q, verbatim %v expected %v", tt.key, name, got, tt.verbatim)
		}
		if name != n.Name(tt.key) {
			t.Errorf("Name(%q) is not deterministic", tt.key)
		}
	}
	if long := n.Name("group_" + strings.Repeat("b", 100)); !strings.HasPrefix(long, "backplane_group_bbb") || len(long) != MaxIdentifierLength {
		t.Errorf("long name should keep a readable head, got %q", long)
	}
}

func TestHashAlwaysName(t *testing.T) {
	prefix := strings.Repeat("p", MaxPrefixLength)
	n, err := NewNamer(prefix, HashAlways)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"all", "group_a", strings.Repeat("z", 500), "user_+/="} {
		name := n.Name(key)
		if len(name) != MaxIdentifierLength {
			t.Errorf("Name(%q) = %q has length %d", key, name, len(name))
		}
		if !isIdentifier(name) || !strings.HasPrefix(name, prefix+"_") {
			t.Errorf("Name(%q) = %q is not a prefixed identifier", key, name)
		}
	}
}

func randomKey(r *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-:.é"
	runes := []rune(alphabet)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(runes[r.Intn(len(runes))])
	}
	return b.String()
}

func TestNamesAreInjective(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, mode := range []Mode{Truncate, HashAlways} {
		n, err := NewNamer("bp", mode)
		if err != nil {
			t.Fatal(err)
		}
		seen := make(map[string]string)
		check := func(key string) {
			name := n.Name(key)
			if !isIdentifier(name) {
				t.Fatalf("%s: Name(%q) = %q is not an identifier", mode, key, name)
			}
			if other, ok := seen[name]; ok && other != key {
				t.Fatalf("%s: %q and %q both map to %q", mode, key, other, name)
			}
			seen[name] = key
		}

		base := randomKey(r, 120)
		for i := 0; i < 2000; i++ {
			check(randomKey(r, 1+r.Intn(150)))
			// near duplicates that differ only past the truncation point
			check(base + randomKey(r, 1+r.Intn(8)))
		}
		// sanitization must not merge distinct keys
		check("group_a-b")
		check("group_a_b")
		check("group_a.b")
	}
}
