package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key hashes named fields into a stable idempotency key. Field order does
// not matter; names are part of the hash so values cannot shift between
// fields.
func Key(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(fields[name]))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
