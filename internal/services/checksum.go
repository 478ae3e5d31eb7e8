package services

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
)

var sha256Pattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Checksum returns the hex SHA-256 of a backup document
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ChecksumReader hashes everything read from r
func ChecksumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeChecksum lowercases a checksum and strips a "sha256:" prefix
func NormalizeChecksum(sum string) string {
	normalized := strings.TrimSpace(sum)
	if strings.HasPrefix(strings.ToLower(normalized), "sha256:") {
		normalized = normalized[7:]
	}
	return strings.ToLower(normalized)
}

// IsValidChecksum checks if a string is a SHA-256 hex digest
func IsValidChecksum(sum string) bool {
	if strings.TrimSpace(sum) == "" {
		return false
	}
	return sha256Pattern.MatchString(NormalizeChecksum(sum))
}

// VerifyChecksum reports whether data matches the expected digest
func VerifyChecksum(data []byte, expected string) bool {
	return IsValidChecksum(expected) && Checksum(data) == NormalizeChecksum(expected)
}
