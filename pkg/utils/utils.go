package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

const defaultMimeType = "application/octet-stream"

// GenerateStorageKey builds a collision-resistant object key for an assembled
// artifact. The key is derived from time and randomness only, never from the
// upload session, and keeps the original file extension.
func GenerateStorageKey(filename string, now time.Time) (string, error) {
	suffix, err := RandomHex(8)
	if err != nil {
		return "", fmt.Errorf("failed to generate key suffix: %w", err)
	}

	now = now.UTC()
	return fmt.Sprintf("uploads/%04d/%02d/%02d/%d-%s%s",
		now.Year(), now.Month(), now.Day(), now.UnixNano(), suffix, SafeExtension(filename)), nil
}

// RandomHex returns n random bytes hex-encoded
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// SafeExtension returns the lowercased extension of filename if it only
// contains characters that are safe inside an object key
func SafeExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 16 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// DetectMimeType resolves the content type for an upload, preferring the
// client-declared value and falling back to the filename extension
func DetectMimeType(declared, filename string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		if _, _, err := mime.ParseMediaType(declared); err == nil {
			return declared
		}
	}
	if byExt := mime.TypeByExtension(SafeExtension(filename)); byExt != "" {
		return byExt
	}
	return defaultMimeType
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp])
}
