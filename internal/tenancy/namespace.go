package tenancy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// MaxNamespaceLength is PostgreSQL's identifier limit (NAMEDATALEN - 1).
	MaxNamespaceLength = 63

	localPartMaxLength = 40
	hashSuffixLength   = 16
)

var namespaceRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NormalizeIdentity trims surrounding whitespace and lower-cases an email identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ResolveNamespace derives the schema name for an identity.
//
// The result is a readable prefix taken from the local part of the address plus the
// first 16 hex characters of SHA-256 over the normalized identity. Two identities
// that differ only in their domain therefore get different namespaces.
//
//	ResolveNamespace("Alice.Smith@example.com") // "alicesmith_" + 16 hex chars
//	ResolveNamespace("42@example.com")          // "u42_" + 16 hex chars
func ResolveNamespace(identity string) string {
	normalized := NormalizeIdentity(identity)

	local := normalized
	if at := strings.LastIndex(normalized, "@"); at >= 0 {
		local = normalized[:at]
	}

	var b strings.Builder

	for _, r := range local {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}

		if b.Len() == localPartMaxLength {
			break
		}
	}

	prefix := b.String()
	if prefix == "" || (prefix[0] >= '0' && prefix[0] <= '9') {
		prefix = "u" + prefix
	}

	sum := sha256.Sum256([]byte(normalized))

	return prefix + "_" + hex.EncodeToString(sum[:])[:hashSuffixLength]
}

// ValidNamespace reports whether ns is safe to use as an unquoted schema name.
func ValidNamespace(ns string) bool {
	return len(ns) <= MaxNamespaceLength && namespaceRegex.MatchString(ns)
}
