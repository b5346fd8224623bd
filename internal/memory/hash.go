package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

var hashPrefixRe = regexp.MustCompile(`^\[[0-9a-f]{16}\] `)

// Canonicalize lowercases text, collapses whitespace runs to one space and
// trims the ends. Two fragments with the same canonical form are the same fact.
func Canonicalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the 16-hex-character content hash of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Canonicalize(text)))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// PrefixHash renders stored content as "[hash] text".
func PrefixHash(hash, text string) string {
	return "[" + hash + "] " + text
}

// StripHash removes a leading "[hash] " prefix if present.
func StripHash(content string) string {
	return hashPrefixRe.ReplaceAllString(content, "")
}
