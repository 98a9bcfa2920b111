package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeContent canonicalizes text before hashing and storage: CRLF and
// bare CR become LF, and trailing whitespace is stripped from each line and
// from the end of the text. Interior whitespace and case are preserved, so
// "Postgres uses MVCC" and "postgres uses mvcc" are distinct memories.
func NormalizeContent(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n ")
}

// ContentHash returns the hex SHA-256 of the normalized content. This is the
// deduplication key: two remembers of byte-different but
// normalization-identical content resolve to the same node.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
